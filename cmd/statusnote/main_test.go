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
	"crypto/rand"
	"testing"

	"golang.org/x/mod/sumdb/note"
)

func TestSignDocument(t *testing.T) {
	skey, vkey, err := note.GenerateKey(rand.Reader, "status-test")
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	signer, err := note.NewSigner(skey)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	verifier, err := note.NewVerifier(vkey)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	for _, test := range []struct {
		name    string
		doc     string
		wantErr bool
	}{
		{name: "valid", doc: `{"state":{"desired":{"firmware_system_ver":"c3d4"}}}` + "\n"},
		{name: "no newline", doc: `{"state":{"desired":{"script_user_ver":"s2"}}}`},
		{name: "empty", doc: `{"state":{"desired":{}}}`, wantErr: true},
		{name: "garbage", doc: `desired`, wantErr: true},
	} {
		t.Run(test.name, func(t *testing.T) {
			signed, err := signDocument([]byte(test.doc), signer)
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("signDocument() = %v, wantErr %t", err, test.wantErr)
			}
			if err != nil {
				return
			}
			if _, err := note.Open(signed, note.VerifierList(verifier)); err != nil {
				t.Errorf("Open: %v", err)
			}
		})
	}
}
