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

package update

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coreos/go-semver/semver"
	"github.com/google/go-cmp/cmp"
	"github.com/juju/clock/testclock"
	"github.com/meshgate/ota/api"
	"github.com/meshgate/ota/coap"
	"github.com/meshgate/ota/coap/testonly"
	"github.com/meshgate/ota/internal/commit"
	"github.com/meshgate/ota/internal/flash"
	flashtest "github.com/meshgate/ota/internal/flash/testonly"
	idtest "github.com/meshgate/ota/internal/identity/testonly"
	"github.com/meshgate/ota/internal/orchestrator"
	"github.com/meshgate/ota/internal/shadow"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const (
	testDeviceID = "0011223344556677"
	slotSize     = 0x4000
	// md5("abc")
	abcDigest = "900150983cd24fb0d6963f7d28e17f72"
)

func body(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

type env struct {
	gw       *testonly.Gateway
	clk      *testclock.Clock
	flash    *flashtest.MemFlash
	slot     *flash.Slot
	script   string
	config   string
	reboots  int
	opts     Opts
	desired  string
	payloads map[string][]byte
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	e := &env{
		clk:      testclock.NewClock(time.Unix(1700000000, 0)),
		flash:    flashtest.NewMemFlash(t, slotSize),
		script:   filepath.Join(dir, "main.py"),
		config:   filepath.Join(dir, "CONFIG"),
		payloads: make(map[string][]byte),
	}
	if err := os.WriteFile(e.script, []byte("abc"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	slot, err := flash.OpenSlot(e.flash, flash.Geometry{Offset: 0, Size: slotSize})
	if err != nil {
		t.Fatalf("OpenSlot: %v", err)
	}
	e.slot = slot
	e.gw = testonly.NewGateway(e.clk)

	e.gw.Handle(api.ResourceThing, testonly.Static(coap.Changed, nil))
	e.gw.Handle(api.ResourceUpdateStatus, func(r testonly.Request) testonly.Response {
		if r.Method == coap.PUT {
			return testonly.Response{Code: coap.Changed}
		}
		return testonly.Response{Code: coap.Content, Body: []byte(e.desired)}
	})
	for _, tg := range Targets {
		res := api.UpdateResource(tg.String())
		e.gw.Handle(res, func(r testonly.Request) testonly.Response {
			if r.Method != coap.GET {
				return testonly.Response{Code: coap.Changed}
			}
			return testonly.Response{Code: coap.Content, Body: e.payloads[res]}
		})
	}
	e.gw.Handle(api.ResourceIdentityKey, func(r testonly.Request) testonly.Response {
		if r.Method == coap.DELETE {
			return testonly.Response{Code: coap.Deleted}
		}
		return testonly.Response{Code: coap.Content, Body: []byte("fresh key")}
	})
	e.gw.Handle(api.ResourceIdentityCert, testonly.Static(coap.Content, []byte("fresh cert")))
	for _, p := range []string{api.ResourceConnKey, api.ResourceConnCert, api.ResourceConnection} {
		e.gw.Handle(p, testonly.Static(coap.Changed, nil))
	}

	e.opts = Opts{
		Sources: shadow.Sources{
			ScriptPath:      e.script,
			ConfigPath:      e.config,
			Firmware:        e.slot,
			FirmwareVersion: semver.New("1.0.0"),
		},
		Sinks: map[Target]commit.Sink{
			TargetScript:   commit.NewFileSink(commit.OSFS{}, e.script),
			TargetConfig:   commit.NewFileSink(commit.OSFS{}, e.config),
			TargetFirmware: commit.NewImageSink(e.slot),
		},
		Reboot:           func() { e.reboots++ },
		ProgressInterval: -1,
	}
	return e
}

func (e *env) controller() *Controller {
	d := coap.NewDriver(e.gw, coap.DriverOpts{BaseTimeout: time.Second, MaxRetries: 2, Clock: e.clk})
	o := orchestrator.New(d, idtest.NewMemStore("old key", "old cert"), orchestrator.Opts{
		DeviceID: testDeviceID,
		Clock:    e.clk,
	})
	return New(o, e.opts)
}

func getBlocks(rs []testonly.Request) []uint32 {
	var r []uint32
	for _, l := range rs {
		if l.Method == coap.GET {
			r = append(r, l.Block)
		}
	}
	return r
}

func TestRunApplies(t *testing.T) {
	e := newEnv(t)
	e.desired = `{"state":{"desired":{"script_user":"main.py","script_user_ver":"s2","firmware_system":"fw","firmware_system_ver":"c3d4"}}}`
	script := []byte("print('hello')\n")
	image := body(10 * 1024)
	e.payloads["update/script_user"] = script
	e.payloads["update/firmware_system"] = image

	c := e.controller()
	applied := counterTargets.WithLabelValues("firmware_system", "applied")
	before := testutil.ToFloat64(applied)
	out := c.Run()

	want := Outcome{Status: StatusApplied, Applied: []Target{TargetScript, TargetFirmware}}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Fatalf("Run() diff (-want +got):\n%s", diff)
	}
	got, err := os.ReadFile(e.script)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, script) {
		t.Errorf("script = %q, want %q", got, script)
	}
	if !bytes.Equal(e.flash.Storage[:len(image)], image) {
		t.Errorf("image not written to slot")
	}
	if ok, err := e.slot.HasTrailer(); err != nil || !ok {
		t.Errorf("HasTrailer() = %t, %v", ok, err)
	}
	if e.reboots != 1 {
		t.Errorf("%d reboots, want 1", e.reboots)
	}
	if got := testutil.ToFloat64(applied) - before; got != 1 {
		t.Errorf("firmware applied counter moved by %v, want 1", got)
	}

	wantSeq := []string{
		"POST thing",
		"PUT update/status",
		"GET update/status",
		"PUT update/script_user",
		"POST update/script_user",
		"GET update/script_user",
		"PUT update/firmware_system",
		"POST update/firmware_system",
	}
	for i := 0; i < 10; i++ {
		wantSeq = append(wantSeq, "GET update/firmware_system")
	}
	if diff := cmp.Diff(wantSeq, e.gw.Resources()); diff != "" {
		t.Errorf("request sequence diff (-want +got):\n%s", diff)
	}

	post := e.gw.Requests("update/firmware_system")[1]
	d, err := shadow.ParseDesired([]byte(`{"state":{"desired":` + string(post.Payload) + `}}`))
	if err != nil {
		t.Fatalf("ParseDesired(%s): %v", post.Payload, err)
	}
	if d.FirmwareSystemVer != "c3d4" {
		t.Errorf("announced desired state %+v", d)
	}
}

func TestRunNoUpdate(t *testing.T) {
	for _, test := range []struct {
		name    string
		desired string
	}{
		{name: "all absent", desired: `{"state":{"desired":{}}}`},
		{name: "empty document", desired: ""},
		{name: "matching", desired: `{"state":{"desired":{"script_user_ver":"` + abcDigest + `","config_user_ver":"none"}}}`},
	} {
		t.Run(test.name, func(t *testing.T) {
			e := newEnv(t)
			e.desired = test.desired
			out := e.controller().Run()
			if diff := cmp.Diff(Outcome{Status: StatusNoUpdate}, out); diff != "" {
				t.Errorf("Run() diff (-want +got):\n%s", diff)
			}
			want := []string{"POST thing", "PUT update/status", "GET update/status"}
			if diff := cmp.Diff(want, e.gw.Resources()); diff != "" {
				t.Errorf("request sequence diff (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRunInterruptedFirmware(t *testing.T) {
	e := newEnv(t)
	e.desired = `{"state":{"desired":{"firmware_system_ver":"c3d4"}}}`
	e.payloads["update/firmware_system"] = body(10 * 1024)
	writes := 0
	e.flash.FailWrite = func(off uint32, b []byte) error {
		writes++
		if writes == 7 {
			return errors.New("flash fault")
		}
		return nil
	}

	out := e.controller().Run()

	want := Outcome{Status: StatusNotApplied, Reason: ReasonStorage, Failed: []Target{TargetFirmware}}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Errorf("Run() diff (-want +got):\n%s", diff)
	}
	if got, want := e.slot.Cursor(), uint32(6*1024); got != want {
		t.Errorf("Cursor() = %d, want %d", got, want)
	}
	if ok, err := e.slot.HasTrailer(); err != nil || ok {
		t.Errorf("HasTrailer() = %t, %v, want false", ok, err)
	}
	if e.reboots != 0 {
		t.Errorf("%d reboots after failed image write", e.reboots)
	}
}

func TestRunIdentityRejectedReissues(t *testing.T) {
	e := newEnv(t)
	e.desired = `{"state":{"desired":{"script_user_ver":"s2"}}}`
	script := body(3000)
	rejected := false
	e.gw.Handle("update/script_user", func(r testonly.Request) testonly.Response {
		switch {
		case r.Method != coap.GET:
			return testonly.Response{Code: coap.Changed}
		case r.Block == 1 && !rejected:
			rejected = true
			return testonly.Response{Code: coap.Unauthorized}
		}
		return testonly.Response{Code: coap.Content, Body: script}
	})

	out := e.controller().Run()

	if diff := cmp.Diff(Outcome{Status: StatusApplied, Applied: []Target{TargetScript}}, out); diff != "" {
		t.Errorf("Run() diff (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint32{0, 1, 0, 1, 2}, getBlocks(e.gw.Requests("update/script_user"))); diff != "" {
		t.Errorf("script blocks diff (-want +got):\n%s", diff)
	}
	got, err := os.ReadFile(e.script)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, script) {
		t.Errorf("script holds %d bytes, want %d", len(got), len(script))
	}
	for _, r := range []string{api.ResourceIdentityKey, api.ResourceConnKey, api.ResourceConnCert, api.ResourceConnection} {
		if len(e.gw.Requests(r)) == 0 {
			t.Errorf("no %s request during reprovisioning", r)
		}
	}
}

func TestRunTargetFailuresAreIsolated(t *testing.T) {
	e := newEnv(t)
	e.desired = `{"state":{"desired":{"script_user_ver":"s2","config_user_ver":"c2","firmware_system_ver":"c3d4"}}}`
	e.gw.Handle("update/script_user", func(r testonly.Request) testonly.Response {
		if r.Method != coap.GET {
			return testonly.Response{Code: coap.Changed}
		}
		return testonly.Response{Code: coap.NotFound}
	})
	delete(e.opts.Sinks, TargetConfig)
	e.payloads["update/firmware_system"] = body(2048)

	out := e.controller().Run()

	want := Outcome{
		Status:  StatusApplied,
		Reason:  ReasonBadUpdatePath,
		Applied: []Target{TargetFirmware},
		Failed:  []Target{TargetScript, TargetConfig},
	}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Errorf("Run() diff (-want +got):\n%s", diff)
	}
	if e.reboots != 1 {
		t.Errorf("%d reboots, want 1", e.reboots)
	}
	if ok, err := e.slot.HasTrailer(); err != nil || !ok {
		t.Errorf("HasTrailer() = %t, %v", ok, err)
	}
}

func TestRunCheckFailed(t *testing.T) {
	for _, test := range []struct {
		name   string
		setup  func(e *env)
		reason Reason
	}{
		{
			name: "status refused",
			setup: func(e *env) {
				e.gw.Handle(api.ResourceUpdateStatus, testonly.Static(coap.MethodNotAllowed, nil))
			},
			reason: ReasonGatewayStatus,
		},
		{
			name: "gateway silent",
			setup: func(e *env) {
				e.gw.Lose = func(*coap.Frame) bool { return true }
			},
			reason: ReasonNoResponse,
		},
		{
			name: "unreadable script",
			setup: func(e *env) {
				e.opts.Sources.ScriptPath = filepath.Dir(e.script)
			},
			reason: ReasonLocalState,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			e := newEnv(t)
			test.setup(e)
			out := e.controller().Run()
			if diff := cmp.Diff(Outcome{Status: StatusCheckFailed, Reason: test.reason}, out); diff != "" {
				t.Errorf("Run() diff (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCheck(t *testing.T) {
	e := newEnv(t)
	e.desired = `{"state":{"desired":{"config_user_ver":"c2"}}}`
	r, f, err := e.controller().Check()
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if r.ScriptUserVer != abcDigest || r.ConfigUserVer != api.NoneDigest || r.FirmwareSystemVer != api.NoneDigest {
		t.Errorf("reported state %+v", r)
	}
	if diff := cmp.Diff(shadow.UpdateFlags{Config: true}, f); diff != "" {
		t.Errorf("Check() diff (-want +got):\n%s", diff)
	}
	for _, res := range e.gw.Resources() {
		if res == "GET update/config_user" {
			t.Errorf("Check downloaded a payload")
		}
	}
}

func TestReasonFor(t *testing.T) {
	for _, test := range []struct {
		err  error
		want Reason
	}{
		{err: nil, want: ReasonNone},
		{err: coap.ErrTransport, want: ReasonTransport},
		{err: coap.ErrNoResponse, want: ReasonNoResponse},
		{err: coap.ErrProtocol, want: ReasonProtocol},
		{err: orchestrator.ErrIdentityRejected, want: ReasonIdentityRejected},
		{err: orchestrator.ErrBadUpdatePath, want: ReasonBadUpdatePath},
		{err: orchestrator.ErrGatewayBusy, want: ReasonGatewayBusy},
		{err: &orchestrator.StatusError{Code: coap.Forbidden}, want: ReasonGatewayStatus},
		{err: commit.ErrStorage, want: ReasonStorage},
		{err: shadow.ErrUnverified, want: ReasonUnverified},
		{err: errors.New("other"), want: ReasonUnknown},
	} {
		if got := reasonFor(test.err); got != test.want {
			t.Errorf("reasonFor(%v) = %v, want %v", test.err, got, test.want)
		}
	}
}

func TestParseTarget(t *testing.T) {
	for _, tg := range Targets {
		got, err := ParseTarget(tg.String())
		if err != nil || got != tg {
			t.Errorf("ParseTarget(%q) = %v, %v", tg, got, err)
		}
	}
	if _, err := ParseTarget("bootloader"); err == nil {
		t.Errorf("ParseTarget accepted unknown target")
	}
}
