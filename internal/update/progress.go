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
	"context"
	"io"
	"time"

	"github.com/machinebox/progress"
	"github.com/meshgate/ota/internal/commit"
	"github.com/meshgate/ota/internal/orchestrator"
	"k8s.io/klog/v2"
)

// progressSink forwards blocks to a commit.Sink and logs download progress
// once the total size is known.
type progressSink struct {
	target   Target
	sink     commit.Sink
	w        *progress.Writer
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

func newProgressSink(t Target, sink commit.Sink, interval time.Duration) *progressSink {
	return &progressSink{
		target:   t,
		sink:     sink,
		w:        progress.NewWriter(io.Discard),
		interval: interval,
	}
}

func (p *progressSink) Write(b []byte) error {
	if err := p.sink.Write(b); err != nil {
		return err
	}
	_, err := p.w.Write(b)
	return err
}

// SizeHint starts the progress ticker and passes the hint on.
func (p *progressSink) SizeHint(total int) {
	if h, ok := p.sink.(orchestrator.SizeHinter); ok {
		h.SizeHint(total)
	}
	if p.interval <= 0 || p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel, p.done = cancel, make(chan struct{})
	go func() {
		defer close(p.done)
		for pr := range progress.NewTicker(ctx, p.w, int64(total), p.interval) {
			klog.Infof("Downloading %v: %d%%, %v remaining...", p.target, int(pr.Percent()), pr.Remaining().Round(time.Second))
		}
	}()
}

// stop ends the progress ticker, if any.
func (p *progressSink) stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.cancel = nil
	klog.Infof("Downloading %v: finished after %d bytes", p.target, p.w.N())
}
