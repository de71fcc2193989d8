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

// otactl is the operator tool of a gateway node: it checks for updates,
// applies them interactively, and inspects the device identity and shadow.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/meshgate/ota/internal/config"
	"github.com/meshgate/ota/internal/node"
	"github.com/meshgate/ota/internal/update"
	"k8s.io/klog/v2"
)

type Config struct {
	file string

	check     bool
	update    bool
	yes       bool
	identity  bool
	provision bool
	shadow    bool
	publish   string

	timeout time.Duration
}

var conf *Config

func init() {
	conf = &Config{}

	flag.StringVar(&conf.file, "c", "/etc/ota/otad.yaml", "configuration file")
	flag.BoolVar(&conf.check, "s", false, "check for available updates")
	flag.BoolVar(&conf.update, "u", false, "apply available updates")
	flag.BoolVar(&conf.yes, "y", false, "do not ask for confirmation")
	flag.BoolVar(&conf.identity, "i", false, "show device identity status")
	flag.BoolVar(&conf.provision, "p", false, "reprovision the device identity")
	flag.BoolVar(&conf.shadow, "g", false, "print the device shadow")
	flag.StringVar(&conf.publish, "P", "", "publish a shadow document read from file")
	flag.DurationVar(&conf.timeout, "t", time.Minute, "gateway discovery timeout")
}

func confirm(msg string) bool {
	if conf.yes {
		return true
	}
	var res string

	fmt.Printf("%s (y/n): ", msg)
	fmt.Scanln(&res)

	return res == "y"
}

func main() {
	klog.InitFlags(nil)
	flag.Set("logtostderr", "true")
	flag.Parse()

	if flag.NFlag() == 0 {
		flag.PrintDefaults()
		return
	}

	cfg, err := config.Load(conf.file)
	if err != nil {
		klog.Exitf("Failed to load configuration: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), conf.timeout)
	defer cancel()
	n, err := node.New(ctx, cfg, node.Opts{
		Reboot:           func() { fmt.Println("Firmware committed, reboot the node to run it.") },
		ProgressInterval: -1,
		WrapSink:         newBarSink,
	})
	if err != nil {
		klog.Exitf("Failed to connect: %v", err)
	}
	defer n.Close()

	switch {
	case conf.identity:
		err = identityStatus(n)
	case conf.provision:
		if confirm("Replace the device identity with the one held by the gateway?") {
			err = n.Orchestrator.Provisioner().Reprovision()
		}
	case conf.shadow:
		var b []byte
		if b, err = n.Controller.Shadow().GetShadow(); err == nil {
			fmt.Println(string(b))
		}
	case conf.publish != "":
		var b []byte
		if b, err = os.ReadFile(conf.publish); err == nil {
			err = n.Controller.Shadow().PublishShadow(b)
		}
	case conf.check:
		err = check(n)
	case conf.update:
		err = apply(n)
	}
	if err != nil {
		n.Close()
		klog.Exitf("fatal error, %v", err)
	}
}

func identityStatus(n *node.Node) error {
	if !n.Store.HasIdentity() {
		fmt.Println("No identity provisioned.")
		return nil
	}
	id, err := n.Store.GetIdentity()
	if err != nil {
		return err
	}
	defer id.Zero()
	fmt.Printf("Identity provisioned: %d byte key, %d byte certificate\n", len(id.Key), len(id.Cert))
	return nil
}

func check(n *node.Node) error {
	r, f, err := n.Controller.Check()
	if err != nil {
		return err
	}
	fmt.Printf("script_user_ver:     %s\n", r.ScriptUserVer)
	fmt.Printf("config_user_ver:     %s\n", r.ConfigUserVer)
	fmt.Printf("firmware_system_ver: %s\n", r.FirmwareSystemVer)
	fmt.Printf("firmware_ver:        %v\n", r.FirmwareVer)
	fmt.Printf("updates available:   %v\n", f)
	return nil
}

func apply(n *node.Node) error {
	_, f, err := n.Controller.Check()
	if err != nil {
		return err
	}
	if !f.Any() {
		fmt.Println("No update available.")
		return nil
	}
	if !confirm(fmt.Sprintf("Apply updates of %v?", f)) {
		return nil
	}
	out := n.Controller.Run()
	fmt.Printf("Update %v\n", out)
	if out.Status != update.StatusApplied && out.Status != update.StatusNoUpdate {
		return fmt.Errorf("update %v: %v", out.Status, out.Reason)
	}
	return nil
}
