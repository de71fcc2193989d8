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

package shadow

import (
	"fmt"

	"github.com/meshgate/ota/api"
	"github.com/meshgate/ota/coap"
	"github.com/meshgate/ota/internal/orchestrator"
	"golang.org/x/mod/sumdb/note"
	"k8s.io/klog/v2"
)

// Doer runs a request against the gateway. It is implemented by
// *orchestrator.Orchestrator.
type Doer interface {
	Do(req orchestrator.Request) (orchestrator.Result, error)
}

// Client exchanges shadow documents with the gateway.
type Client struct {
	o        Doer
	verifier note.Verifier
}

// NewClient returns a shadow client. If v is non-nil, desired state
// documents must be notes signed by the matching key.
func NewClient(o Doer, v note.Verifier) *Client {
	return &Client{o: o, verifier: v}
}

// PublishReported posts the reported state document.
func (c *Client) PublishReported(r ReportedState) error {
	doc, err := r.Document()
	if err != nil {
		return fmt.Errorf("encode reported state: %v", err)
	}
	return c.PublishShadow(doc)
}

// PublishShadow posts a raw shadow document.
func (c *Client) PublishShadow(doc []byte) error {
	_, err := c.o.Do(orchestrator.Request{Path: api.ResourceThing, Method: coap.POST, Payload: doc, JSON: true})
	return err
}

// GetShadow returns the raw shadow document held by the gateway.
func (c *Client) GetShadow() ([]byte, error) {
	res, err := c.o.Do(orchestrator.Request{Path: api.ResourceThing, Method: coap.GET})
	if err != nil {
		return nil, err
	}
	return res.Payload, nil
}

// FetchDesired asks the gateway to refresh the status document, then
// retrieves and parses it.
func (c *Client) FetchDesired() (DesiredState, error) {
	if _, err := c.o.Do(orchestrator.Request{Path: api.ResourceUpdateStatus, Method: coap.PUT}); err != nil {
		return DesiredState{}, fmt.Errorf("trigger status: %w", err)
	}
	res, err := c.o.Do(orchestrator.Request{Path: api.ResourceUpdateStatus, Method: coap.GET})
	if err != nil {
		return DesiredState{}, fmt.Errorf("get status: %w", err)
	}
	doc := res.Payload
	if c.verifier != nil {
		if doc, err = openSigned(doc, c.verifier); err != nil {
			return DesiredState{}, err
		}
	}
	return ParseDesired(doc)
}

// Check fetches the desired state and diffs it against r. Only a failure
// to obtain the desired state is an error.
func (c *Client) Check(r ReportedState) (UpdateFlags, DesiredState, error) {
	d, err := c.FetchDesired()
	if err != nil {
		return UpdateFlags{}, DesiredState{}, err
	}
	f := Diff(r, d)
	klog.Infof("Update check: %v", f)
	return f, d, nil
}
