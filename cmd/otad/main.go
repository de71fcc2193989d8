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

// otad is the update daemon of a gateway node. It periodically reports the
// installed payloads to the gateway and applies the updates it announces.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"regexp"
	"runtime"
	"syscall"
	"time"

	"github.com/beevik/ntp"
	"github.com/meshgate/ota/internal/config"
	"github.com/meshgate/ota/internal/node"
	"github.com/meshgate/ota/internal/update"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"
)

// maxClockSkew is the local clock offset above which certificate
// validation is likely to fail.
const maxClockSkew = time.Minute

// Revision is set at compile time using the -X flag.
var Revision = "dev"

var (
	configFile = flag.String("config", "/etc/ota/otad.yaml", "Path to the YAML configuration file.")
	gateway    = flag.String("gateway", "", "Gateway address, overrides the configuration.")
	deviceID   = flag.String("device_id", "", "Device EUI-64, overrides the configuration.")
	once       = flag.Bool("once", false, "Run a single update cycle and exit.")
)

func main() {
	klog.InitFlags(nil)
	flag.Set("logtostderr", "true")
	flag.Parse()

	klog.Infof("%s/%s (%s) • OTA daemon • %s", runtime.GOOS, runtime.GOARCH, runtime.Version(), Revision)

	cfg, err := loadConfig()
	if err != nil {
		klog.Exitf("Failed to load configuration: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	checkClock(cfg.NTPServer)

	n, err := node.New(ctx, cfg, node.Opts{Reboot: rebooter(cfg.RebootCommand)})
	if err != nil {
		klog.Exitf("Failed to start: %v", err)
	}
	defer func() {
		if err := n.Close(); err != nil {
			klog.Errorf("Close: %v", err)
		}
	}()

	if *once {
		out := n.Controller.Run()
		if out.Status == update.StatusCheckFailed {
			klog.Exitf("Update check failed: %v", out.Reason)
		}
		return
	}

	trigger := updateChecker(ctx, n.Controller, cfg.CheckInterval)
	if cfg.MetricsAddr != "" {
		serveAdmin(ctx, cfg.MetricsAddr, trigger)
	}
	<-ctx.Done()
	klog.Info("Shutting down")
}

func loadConfig() (config.Config, error) {
	b, err := os.ReadFile(*configFile)
	if err != nil {
		return config.Config{}, err
	}
	cfg, err := config.Decode(b)
	if err != nil {
		return config.Config{}, err
	}
	if *gateway != "" {
		cfg.Gateway.Address = *gateway
	}
	if *deviceID != "" {
		cfg.DeviceID = *deviceID
	}
	return cfg, cfg.Validate()
}

// checkClock warns when the local clock is too far off for the gateway
// certificate to be validated.
func checkClock(server string) {
	if server == "" {
		klog.Info("NTP check disabled.")
		return
	}
	r, err := ntp.QueryWithOptions(server, ntp.QueryOptions{Timeout: 5 * time.Second})
	if err != nil {
		klog.Warningf("Failed to get NTP time: %v", err)
		return
	}
	if err := r.Validate(); err != nil {
		klog.Warningf("got invalid time from NTP server: %v", err)
		return
	}
	if off := r.ClockOffset; off > maxClockSkew || off < -maxClockSkew {
		klog.Warningf("Local clock is off by %v, gateway certificate validation may fail", off.Round(time.Second))
		return
	}
	klog.V(1).Infof("Local clock offset %v", r.ClockOffset)
}

// rebooter returns a hook running cmd without waiting for it.
func rebooter(cmd []string) func() {
	if len(cmd) == 0 {
		return func() { klog.Warning("Reboot requested but no reboot command configured") }
	}
	return func() {
		c := exec.Command(cmd[0], cmd[1:]...)
		c.Stdout, c.Stderr = os.Stdout, os.Stderr
		if err := c.Start(); err != nil {
			klog.Errorf("Failed to run reboot command %q: %v", cmd, err)
			return
		}
		go func() {
			if err := c.Wait(); err != nil {
				klog.Errorf("Reboot command %q: %v", cmd, err)
			}
		}()
	}
}

// updateChecker runs the controller every interval, and whenever a value is
// sent on the returned channel.
func updateChecker(ctx context.Context, c *update.Controller, i time.Duration) chan<- struct{} {
	trigger := make(chan struct{}, 1)

	go func(ctx context.Context) {
		t := time.NewTicker(i)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				select {
				case trigger <- struct{}{}:
				default:
				}
			case <-ctx.Done():
				return
			}
		}
	}(ctx)

	go func(ctx context.Context) {
		for {
			select {
			case <-trigger:
				klog.V(1).Info("Checking for available updates")
				c.Run()
			case <-ctx.Done():
				return
			}
		}
	}(ctx)

	trigger <- struct{}{}
	return trigger
}

func serveAdmin(ctx context.Context, addr string, trigger chan<- struct{}) {
	// The default prom gatherer has some Go collectors, but not all, so it
	// is replaced by one with expanded coverage.
	prom.Unregister(collectors.NewGoCollector())
	prom.MustRegister(collectors.NewGoCollector(collectors.WithGoCollectorRuntimeMetrics(collectors.GoRuntimeMetricsRule{Matcher: regexp.MustCompile("/.*")})))

	srvMux := http.NewServeMux()
	srvMux.Handle("/metrics", promhttp.Handler())
	srvMux.HandleFunc("/updatecheck", func(w http.ResponseWriter, _ *http.Request) {
		select {
		case trigger <- struct{}{}:
		default:
		}
		w.Header().Add("Content-Type", "text/plain")
		w.Write([]byte("ok, check the log!"))
	})
	srv := &http.Server{
		Addr:         addr,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		Handler:      srvMux,
	}
	go func() {
		<-ctx.Done()
		if err := srv.Close(); err != nil {
			klog.Errorf("Error closing admin server: %v", err)
		}
	}()
	go func() {
		klog.Infof("Serving metrics on %s", addr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			klog.Errorf("Error serving metrics: %v", err)
		}
	}()
}
