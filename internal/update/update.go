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

// Package update implements the update controller: it reports the local
// state to the gateway, compares it with the desired state, and downloads
// and commits every target that differs.
package update

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/meshgate/ota/api"
	"github.com/meshgate/ota/coap"
	"github.com/meshgate/ota/internal/commit"
	"github.com/meshgate/ota/internal/orchestrator"
	"github.com/meshgate/ota/internal/shadow"
	"golang.org/x/mod/sumdb/note"
	"k8s.io/klog/v2"
)

// DefaultProgressInterval is the period of download progress log lines.
const DefaultProgressInterval = 5 * time.Second

// Doer runs requests against the gateway.
type Doer interface {
	Do(req orchestrator.Request) (orchestrator.Result, error)
}

// Opts configures a Controller.
type Opts struct {
	// Sources locates the installed payloads.
	Sources shadow.Sources
	// Sinks holds the destination of each target. Targets without a sink
	// fail with ReasonNoSink when flagged.
	Sinks map[Target]commit.Sink
	// Reboot is called after a firmware image has been committed. It must
	// not block.
	Reboot func()
	// Verifier, if set, is required to have signed the desired state.
	Verifier note.Verifier
	// ProgressInterval is the period of download progress logging. Zero
	// selects DefaultProgressInterval, negative disables it.
	ProgressInterval time.Duration
}

// Controller runs the check, fetch, commit, reboot cycle.
type Controller struct {
	// mu serializes runs.
	mu     sync.Mutex
	o      Doer
	shadow *shadow.Client
	opts   Opts
}

// New returns a controller issuing requests through o.
func New(o Doer, opts Opts) *Controller {
	initMetrics()
	if opts.ProgressInterval == 0 {
		opts.ProgressInterval = DefaultProgressInterval
	}
	return &Controller{
		o:      o,
		shadow: shadow.NewClient(o, opts.Verifier),
		opts:   opts,
	}
}

// Shadow returns the shadow client used by the controller.
func (c *Controller) Shadow() *shadow.Client {
	return c.shadow
}

// Check reports the local state and returns the targets needing an update,
// without downloading anything.
func (c *Controller) Check() (shadow.ReportedState, shadow.UpdateFlags, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, f, _, err := c.check()
	return r, f, err
}

func (c *Controller) check() (shadow.ReportedState, shadow.UpdateFlags, shadow.DesiredState, error) {
	reported, err := shadow.ComputeReported(c.opts.Sources)
	if err != nil {
		return shadow.ReportedState{}, shadow.UpdateFlags{}, shadow.DesiredState{}, fmt.Errorf("%w: %v", errLocalState, err)
	}
	if err := c.shadow.PublishReported(reported); err != nil {
		klog.Warningf("Failed to publish reported state: %v", err)
	}
	flags, desired, err := c.shadow.Check(reported)
	if err != nil {
		return reported, shadow.UpdateFlags{}, shadow.DesiredState{}, err
	}
	return reported, flags, desired, nil
}

// Run performs one update cycle. Flagged targets are applied in the order
// of Targets; a failing target does not prevent the others from being
// attempted.
func (c *Controller) Run() Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.run()
	counterRuns.WithLabelValues(out.Status.String()).Inc()
	klog.Infof("Update run: %v", out)
	return out
}

func (c *Controller) run() Outcome {
	_, flags, desired, err := c.check()
	if err != nil {
		klog.Errorf("Update check failed: %v", err)
		return Outcome{Status: StatusCheckFailed, Reason: reasonFor(err)}
	}
	if !flags.Any() {
		return Outcome{Status: StatusNoUpdate}
	}

	out := Outcome{Status: StatusNotApplied}
	for _, t := range Targets {
		if !t.flagged(flags) {
			continue
		}
		err := c.apply(t, desired)
		if errors.Is(err, orchestrator.ErrIdentityRejected) {
			klog.Warningf("Update of %v: %v, reissuing", t, err)
			err = c.apply(t, desired)
		}
		if err != nil {
			klog.Errorf("Update of %v failed: %v", t, err)
			counterTargets.WithLabelValues(t.String(), "failed").Inc()
			if out.Reason == ReasonNone {
				out.Reason = reasonFor(err)
			}
			out.Failed = append(out.Failed, t)
			continue
		}
		counterTargets.WithLabelValues(t.String(), "applied").Inc()
		out.Applied = append(out.Applied, t)
	}
	if len(out.Applied) > 0 {
		out.Status = StatusApplied
	}

	for _, t := range out.Applied {
		if t == TargetFirmware && c.opts.Reboot != nil {
			klog.Info("Firmware image committed, requesting reboot")
			counterReboots.Inc()
			c.opts.Reboot()
		}
	}
	return out
}

// apply downloads target t and commits it to its sink.
func (c *Controller) apply(t Target, desired shadow.DesiredState) error {
	sink := c.opts.Sinks[t]
	if sink == nil {
		return fmt.Errorf("%v: %w", t, errNoSink)
	}
	res := api.UpdateResource(t.String())

	if _, err := c.o.Do(orchestrator.Request{Path: res, Method: coap.PUT}); err != nil {
		return fmt.Errorf("trigger %v: %w", t, err)
	}
	doc, err := desired.Document()
	if err != nil {
		return fmt.Errorf("encode desired state: %v", err)
	}
	if _, err := c.o.Do(orchestrator.Request{Path: res, Method: coap.POST, Payload: doc, JSON: true}); err != nil {
		return fmt.Errorf("announce %v: %w", t, err)
	}

	if err := sink.Begin(); err != nil {
		return fmt.Errorf("prepare %v: %w", t, err)
	}
	ps := newProgressSink(t, sink, c.opts.ProgressInterval)
	_, err = c.o.Do(orchestrator.Request{Path: res, Method: coap.GET, Kind: orchestrator.KindUpdateDownload, Sink: ps})
	ps.stop()
	if err != nil {
		sink.Abort()
		return fmt.Errorf("download %v: %w", t, err)
	}
	if err := sink.Commit(); err != nil {
		return fmt.Errorf("commit %v: %w", t, err)
	}
	klog.Infof("Update of %v committed", t)
	return nil
}
