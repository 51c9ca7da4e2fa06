// Copyright 2022 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package testing

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/go-sev-launch/certs"
	"github.com/google/go-sev-launch/kbs"
	"github.com/google/go-sev-launch/kds"
)

type testKdsType struct {
	value string
}

func (t *testKdsType) String() string { return t.value }
func (t *testKdsType) Set(value string) error {
	if value != "amd" && value != "fake" {
		return fmt.Errorf("--test_kds must be one of amd or fake. Got %q", value)
	}
	t.value = value
	return nil
}

var testKds = testKdsType{value: "fake"}

func init() {
	flag.Var(&testKds, "test_kds", "One of amd or fake. If amd, tests will attempt to retrieve "+
		"certificates from the AMD certificate services. If fake, a fake chain's certificates are "+
		"served locally.")
}

// TestUseKDS returns whether tests should use the network to reach the live AMD certificate
// services.
func TestUseKDS() bool {
	return testKds.value == "amd"
}

// KDS implements certs.HTTPSGetter to serve certificates like AMD's certificate services.
type KDS struct {
	// CEKs maps a hex encoded chip identifier to its CEK.
	CEKs map[string][]byte
	// AskArks maps a generation to its ASK and ARK bundle.
	AskArks map[kds.Generation][]byte
	// FailStatus, when non-zero, fails every request with this HTTP status.
	FailStatus int

	mu       sync.Mutex
	requests []string
}

// Requests returns the requested URLs in order.
func (f *KDS) Requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

func notFound(url string) error {
	return &kbs.TransportError{Method: http.MethodGet, URL: url, Status: http.StatusNotFound}
}

// Get translates a certificate URL into the certificate it names.
func (f *KDS) Get(_ context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	f.requests = append(f.requests, url)
	f.mu.Unlock()
	if f.FailStatus != 0 {
		return nil, &kbs.TransportError{Method: http.MethodGet, URL: url, Status: f.FailStatus}
	}
	if id, err := kds.ParseCEKURL(url); err == nil {
		cek, ok := f.CEKs[hex.EncodeToString(id)]
		if !ok {
			return nil, notFound(url)
		}
		return cek, nil
	}
	gen, err := kds.ParseAskArkURL(url)
	if err != nil {
		return nil, notFound(url)
	}
	bundle, ok := f.AskArks[gen]
	if !ok {
		return nil, notFound(url)
	}
	return bundle, nil
}

// GetKDS returns an HTTPSGetter that can produce the expected ASK/ARK bundles for a given URL in
// the test environment. Only the fake KDS knows the chain's CEK.
func GetKDS(chain *FakeChain) certs.HTTPSGetter {
	if TestUseKDS() {
		return kbs.NewClient(nil)
	}
	return chain.KDS()
}
