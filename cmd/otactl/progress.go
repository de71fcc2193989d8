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

package main

import (
	"os"

	"github.com/cheggaaa/pb/v3"
	"github.com/meshgate/ota/internal/commit"
	"github.com/meshgate/ota/internal/orchestrator"
	"github.com/meshgate/ota/internal/update"
)

// barSink shows the progress of a download on the terminal.
type barSink struct {
	commit.Sink
	target update.Target
	bar    *pb.ProgressBar
}

func newBarSink(t update.Target, s commit.Sink) commit.Sink {
	return &barSink{Sink: s, target: t}
}

// SizeHint starts the progress bar once the download size is known.
func (b *barSink) SizeHint(total int) {
	if h, ok := b.Sink.(orchestrator.SizeHinter); ok {
		h.SizeHint(total)
	}
	if b.bar != nil {
		return
	}
	b.bar = pb.Full.New(total)
	b.bar.Set(pb.Bytes, true)
	b.bar.Set("prefix", b.target.String()+" ")
	b.bar.SetWriter(os.Stderr)
	b.bar.Start()
}

func (b *barSink) Write(p []byte) error {
	if err := b.Sink.Write(p); err != nil {
		return err
	}
	if b.bar != nil {
		b.bar.Add(len(p))
	}
	return nil
}

func (b *barSink) Commit() error {
	b.finish()
	return b.Sink.Commit()
}

func (b *barSink) Abort() {
	b.finish()
	b.Sink.Abort()
}

func (b *barSink) finish() {
	if b.bar != nil {
		b.bar.Finish()
		b.bar = nil
	}
}
