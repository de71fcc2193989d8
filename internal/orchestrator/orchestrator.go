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

// Package orchestrator drives complete, possibly multi-block, requests to the
// gateway and performs the recovery actions demanded by its response codes.
package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/meshgate/ota/api"
	"github.com/meshgate/ota/coap"
	"github.com/meshgate/ota/internal/identity"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"
)

const (
	// DefaultMaxBusyPolls bounds the number of 2.03 responses tolerated per
	// operation.
	DefaultMaxBusyPolls = 60
	// DefaultPollInterval is the wait before resending a block the gateway
	// reported as in progress.
	DefaultPollInterval = time.Second
	// MaxAccumulated bounds responses collected without a Sink.
	MaxAccumulated = 64 << 10
)

// Kind selects the kind-specific handling of a request.
type Kind int

const (
	KindGeneric Kind = iota
	KindIdentityFetch
	KindIdentityPublish
	KindUpdateDownload
	KindConnect
)

func (k Kind) String() string {
	switch k {
	case KindGeneric:
		return "generic"
	case KindIdentityFetch:
		return "identity-fetch"
	case KindIdentityPublish:
		return "identity-publish"
	case KindUpdateDownload:
		return "update-download"
	case KindConnect:
		return "connect"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// sensitive reports whether requests of this kind carry identity material.
func (k Kind) sensitive() bool {
	return k == KindIdentityFetch || k == KindIdentityPublish
}

// recovers reports whether failures of requests of this kind may trigger
// recovery actions. Identity and connection requests are themselves part
// of recovery.
func (k Kind) recovers() bool {
	switch k {
	case KindIdentityFetch, KindIdentityPublish, KindConnect:
		return false
	}
	return true
}

// Sink receives the payload of a download, block by block, in order.
// The passed slice must not be retained.
type Sink interface {
	Write(p []byte) error
}

// SizeHinter may be implemented by a Sink to learn the announced size of a
// download once known.
type SizeHinter interface {
	SizeHint(total int)
}

// Outcome qualifies a successful Result.
type Outcome int

const (
	// OutcomeDone means the operation completed.
	OutcomeDone Outcome = iota
	// OutcomeNoAsset means the gateway holds no identity for this device.
	OutcomeNoAsset
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDone:
		return "done"
	case OutcomeNoAsset:
		return "no-asset"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Request describes a single logical operation.
type Request struct {
	// Path is the gateway resource, without the device ID suffix.
	Path    string
	Method  coap.Method
	Payload []byte
	// JSON marks Payload as a JSON document.
	JSON bool
	Kind Kind
	// Sink, if set, receives downloaded content instead of Result.Payload.
	Sink Sink
}

// Result is the result of a completed operation.
type Result struct {
	// Status is the last response code received.
	Status coap.Code
	// Payload holds the downloaded content when the request had no Sink.
	Payload []byte
	Outcome Outcome
}

// Exchanger performs a single exchange of an operation. It is implemented
// by *coap.Driver.
type Exchanger interface {
	Execute(op *coap.Operation) (coap.Code, []byte, error)
	Transport() coap.Transport
}

// Opts configures an Orchestrator.
type Opts struct {
	// DeviceID suffixes every resource path.
	DeviceID string
	// SZX is the block size exponent used for transfers.
	SZX uint8
	// PollInterval is the wait after a 2.03 response. Zero disables the
	// wait.
	PollInterval time.Duration
	// MaxBusyPolls bounds 2.03 responses per operation, zero selects
	// DefaultMaxBusyPolls.
	MaxBusyPolls int
	Clock        clock.Clock
	// Recoveries, if set, counts recovery actions by action name.
	Recoveries *prometheus.CounterVec
}

// Orchestrator runs requests against the gateway. It is not safe for
// concurrent use.
type Orchestrator struct {
	ex   Exchanger
	opts Opts
	prov *Provisioner
}

// New returns an orchestrator issuing exchanges through ex and keeping the
// device identity in store.
func New(ex Exchanger, store identity.Store, opts Opts) *Orchestrator {
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.MaxBusyPolls <= 0 {
		opts.MaxBusyPolls = DefaultMaxBusyPolls
	}
	if opts.SZX == 0 {
		opts.SZX = coap.DefaultSZX
	}
	o := &Orchestrator{ex: ex, opts: opts}
	o.prov = &Provisioner{o: o, store: store}
	return o
}

// Provisioner returns the identity provisioner bound to this orchestrator.
func (o *Orchestrator) Provisioner() *Provisioner {
	return o.prov
}

// DeviceID returns the device ID suffixed to resource paths.
func (o *Orchestrator) DeviceID() string {
	return o.opts.DeviceID
}

// Reconnect re-establishes the transport and asks the gateway to reopen its
// upstream connection.
func (o *Orchestrator) Reconnect() error {
	if err := o.ex.Transport().Reconnect(); err != nil {
		return fmt.Errorf("%w: reconnect: %v", coap.ErrTransport, err)
	}
	_, err := o.Do(Request{Path: api.ResourceConnection, Method: coap.PUT, Kind: KindConnect})
	return err
}

// Do runs req to completion.
func (o *Orchestrator) Do(req Request) (Result, error) {
	op := coap.NewOperation(req.Method, api.Path(req.Path, o.opts.DeviceID), req.Payload, o.opts.SZX)
	op.JSON = req.JSON
	if req.Kind.sensitive() {
		defer func() { clear(op.Response) }()
	}

	var (
		res    Result
		used   = make(map[action]bool)
		polls  int
		hinted bool
	)

	// allow consumes the budget of a recovery action.
	allow := func(a action) bool {
		if !req.Kind.recovers() || used[a] {
			return false
		}
		used[a] = true
		if o.opts.Recoveries != nil {
			o.opts.Recoveries.WithLabelValues(a.String()).Inc()
		}
		return true
	}

	for {
		code, payload, err := o.ex.Execute(op)
		if err != nil {
			if (!errors.Is(err, coap.ErrTransport) && !errors.Is(err, coap.ErrNoResponse)) || !allow(actReconnect) {
				return res, err
			}
			klog.Warningf("%s %s: %v, reconnecting", req.Method, op.Path, err)
			if rerr := o.Reconnect(); rerr != nil {
				return res, fmt.Errorf("%v (reconnect failed: %w)", err, rerr)
			}
			continue
		}
		res.Status = code

		a := classify(req.Kind, code)
		if a.recovery() && !allow(a) {
			a = actFail
		}
		klog.V(2).Infof("%s %s block %d: %v -> %v", req.Method, op.Path, op.Block.Num(), code, a)

		switch a {
		case actDeliver:
			if op.Block.TotalSize > 0 && !hinted {
				if h, ok := req.Sink.(SizeHinter); ok {
					h.SizeHint(op.Block.TotalSize)
				}
				hinted = true
			}
			if err := o.deliver(req, &res, payload); err != nil {
				return res, err
			}
			if op.Block.Final {
				return res, nil
			}

		case actNextBlock:

		case actPoll:
			polls++
			if polls > o.opts.MaxBusyPolls {
				return res, fmt.Errorf("%w: %s still in progress after %d polls", ErrGatewayBusy, op.Path, polls-1)
			}
			if o.opts.PollInterval > 0 {
				<-o.opts.Clock.After(o.opts.PollInterval)
			}

		case actRejected:
			klog.Warningf("%s %s: identity rejected (%v), reprovisioning", req.Method, op.Path, code)
			if err := o.prov.Reprovision(); err != nil {
				return res, fmt.Errorf("%w: %s (reprovision failed: %v)", ErrIdentityRejected, op.Path, err)
			}
			if err := o.Reconnect(); err != nil {
				return res, fmt.Errorf("%w: %s (reconnect failed: %v)", ErrIdentityRejected, op.Path, err)
			}
			return res, fmt.Errorf("%w: %s", ErrIdentityRejected, op.Path)

		case actReprovision:
			klog.Warningf("%s %s: %v, reprovisioning and reconnecting", req.Method, op.Path, code)
			if err := o.prov.Reprovision(); err != nil {
				return res, fmt.Errorf("%s: reprovision after %v: %w", op.Path, code, err)
			}
			if err := o.Reconnect(); err != nil {
				return res, fmt.Errorf("%s: reconnect after %v: %w", op.Path, code, err)
			}

		case actReconnect:
			klog.Warningf("%s %s: %v, reconnecting", req.Method, op.Path, code)
			if err := o.Reconnect(); err != nil {
				return res, fmt.Errorf("%s: reconnect after %v: %w", op.Path, code, err)
			}

		case actRefreshIdentity:
			klog.Warningf("%s %s: %v, refreshing identity", req.Method, op.Path, code)
			r, err := o.prov.Fetch()
			if err != nil {
				return res, fmt.Errorf("%s: identity refresh after %v: %w", op.Path, code, err)
			}
			if r == FetchNoAsset {
				klog.Warningf("%s %s: no identity available, resending", req.Method, op.Path)
			}

		case actNoAsset:
			res.Outcome = OutcomeNoAsset
			return res, nil

		case actBadPath:
			return res, fmt.Errorf("%w: %s", ErrBadUpdatePath, op.Path)

		case actDone:
			if len(payload) > 0 {
				if err := o.deliver(req, &res, payload); err != nil {
					return res, err
				}
			}
			return res, nil

		case actFail:
			return res, &StatusError{Code: code, Path: op.Path}
		}
	}
}

func (o *Orchestrator) deliver(req Request, res *Result, p []byte) error {
	if req.Sink != nil {
		return req.Sink.Write(p)
	}
	if len(res.Payload)+len(p) > MaxAccumulated {
		return fmt.Errorf("%w: %s exceeds %d bytes", ErrResponseTooLarge, req.Path, MaxAccumulated)
	}
	res.Payload = appendScrub(res.Payload, p)
	return nil
}

// appendScrub appends p to dst. When dst has to grow, its old backing array
// is zeroed so no stray copy of the accumulated response survives.
func appendScrub(dst, p []byte) []byte {
	if len(dst)+len(p) <= cap(dst) {
		return append(dst, p...)
	}
	n := make([]byte, len(dst), 2*(len(dst)+len(p)))
	copy(n, dst)
	clear(dst)
	return append(n, p...)
}
