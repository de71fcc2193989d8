// Copyright 2024 The Meshgate OTA authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transport

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/meshgate/ota/api"
	"k8s.io/klog/v2"
)

// Discover waits for a gateway announcement on the multicast group of
// interface ifi (nil selects the system default) and returns the address
// of the announcing gateway.
func Discover(ctx context.Context, ifi *net.Interface) (net.IP, error) {
	group := &net.UDPAddr{IP: net.ParseIP(api.MulticastGroup), Port: api.PlainPort}
	c, err := net.ListenMulticastUDP("udp6", ifi, group)
	if err != nil {
		return nil, fmt.Errorf("listen on %v: %v", group, err)
	}
	defer c.Close()
	klog.Infof("Waiting for gateway announcement on %v", group)
	return awaitAnnouncement(ctx, c)
}

// awaitAnnouncement reads datagrams from c until one carries the gateway
// announcement.
func awaitAnnouncement(ctx context.Context, c net.PacketConn) (net.IP, error) {
	buf := make([]byte, api.MaxMessageSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		deadline := time.Now().Add(time.Second)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		if err := c.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		n, from, err := c.ReadFrom(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return nil, err
		}
		if string(bytes.TrimRight(buf[:n], "\x00")) != api.MulticastAnnouncement {
			klog.V(2).Infof("Ignoring %d byte datagram from %v", n, from)
			continue
		}
		ua, ok := from.(*net.UDPAddr)
		if !ok {
			return nil, fmt.Errorf("unexpected announcement source %v", from)
		}
		klog.Infof("Gateway announced from %v", ua.IP)
		return ua.IP, nil
	}
}
