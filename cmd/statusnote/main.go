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

// The statusnote tool manages the keys used to sign desired state
// documents, and signs documents for publication by the gateway.
//
// Usage:
//
//	statusnote keygen [-name NAME] -private_key_file F -public_key_file F
//	statusnote sign -private_key_file F -input_file F -output_file F
//	statusnote verify -public_key_file F -input_file F
package main

import (
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goombaio/namegenerator"
	"github.com/meshgate/ota/internal/shadow"
	"golang.org/x/mod/sumdb/note"
	"k8s.io/klog/v2"
)

func main() {
	klog.InitFlags(nil)
	flag.Set("logtostderr", "true")
	flag.Parse()

	if flag.NArg() < 1 {
		klog.Exitf("Usage: %s keygen|sign|verify [flags]", os.Args[0])
	}
	args := flag.Args()[1:]
	switch flag.Arg(0) {
	case "keygen":
		keygen(args)
	case "sign":
		sign(args)
	case "verify":
		verify(args)
	default:
		klog.Exitf("Unknown command %q", flag.Arg(0))
	}
}

func keygen(args []string) {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	name := fs.String("name", "", "Key name, a random name is chosen if empty.")
	privFile := fs.String("private_key_file", "", "File to write the note signer key to.")
	pubFile := fs.String("public_key_file", "", "File to write the note verifier key to.")
	fs.Parse(args)

	if *name == "" {
		*name = namegenerator.NewNameGenerator(time.Now().UTC().UnixNano()).Generate()
		klog.Infof("Using key name %q", *name)
	}
	skey, vkey, err := note.GenerateKey(rand.Reader, *name)
	if err != nil {
		klog.Exitf("GenerateKey: %v", err)
	}
	if err := os.WriteFile(*privFile, []byte(skey+"\n"), 0o600); err != nil {
		klog.Exitf("WriteFile: %v", err)
	}
	if err := os.WriteFile(*pubFile, []byte(vkey+"\n"), 0o644); err != nil {
		klog.Exitf("WriteFile: %v", err)
	}
	fmt.Println(vkey)
}

func sign(args []string) {
	fs := flag.NewFlagSet("sign", flag.ExitOnError)
	privFile := fs.String("private_key_file", "", "File containing the note signer key.")
	inFile := fs.String("input_file", "", "Desired state document to sign.")
	outFile := fs.String("output_file", "", "File to write the signed document to.")
	fs.Parse(args)

	skey, err := os.ReadFile(*privFile)
	if err != nil {
		klog.Exitf("Failed to read signer key %q: %v", *privFile, err)
	}
	signer, err := note.NewSigner(strings.TrimSpace(string(skey)))
	if err != nil {
		klog.Exitf("Invalid note signer key: %v", err)
	}
	doc, err := os.ReadFile(*inFile)
	if err != nil {
		klog.Exitf("Failed to read document %q: %v", *inFile, err)
	}
	signed, err := signDocument(doc, signer)
	if err != nil {
		klog.Exitf("%v", err)
	}
	if err := os.WriteFile(*outFile, signed, 0o644); err != nil {
		klog.Exitf("WriteFile: %v", err)
	}
	klog.Infof("Wrote %d bytes of signed document to %q", len(signed), *outFile)
}

// signDocument checks that doc is a desired state document and signs it.
func signDocument(doc []byte, signer note.Signer) ([]byte, error) {
	d, err := shadow.ParseDesired(doc)
	if err != nil {
		return nil, fmt.Errorf("not a desired state document: %v", err)
	}
	if d == (shadow.DesiredState{}) {
		return nil, fmt.Errorf("document requests no update")
	}
	text := strings.TrimRight(string(doc), "\x00\n") + "\n"
	return note.Sign(&note.Note{Text: text}, signer)
}

func verify(args []string) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	pubFile := fs.String("public_key_file", "", "File containing the note verifier key.")
	inFile := fs.String("input_file", "", "Signed document to verify.")
	fs.Parse(args)

	vkey, err := os.ReadFile(*pubFile)
	if err != nil {
		klog.Exitf("Failed to read verifier key %q: %v", *pubFile, err)
	}
	v, err := shadow.NewVerifier(strings.TrimSpace(string(vkey)))
	if err != nil {
		klog.Exitf("%v", err)
	}
	b, err := os.ReadFile(*inFile)
	if err != nil {
		klog.Exitf("Failed to read document %q: %v", *inFile, err)
	}
	n, err := note.Open(b, note.VerifierList(v))
	if err != nil {
		klog.Exitf("Failed to verify document: %v", err)
	}
	d, err := shadow.ParseDesired([]byte(n.Text))
	if err != nil {
		klog.Exitf("%v", err)
	}
	fmt.Printf("%+v\n", d)
}
