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
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/google/go-sev-launch/abi"
	"github.com/google/go-sev-launch/kbs"
	"github.com/google/go-sev-launch/owner"
	"github.com/google/uuid"
)

// Broker endpoints, for KBS.Fail.
const (
	AuthPath   = "/kbs/v0/auth"
	AttestPath = "/kbs/v0/attest"
	KeyPath    = "/kbs/v0/key/"
)

// KBS is a key broker that hands out one launch session per auth request and releases Secret
// to sessions that attested.
type KBS struct {
	server *httptest.Server

	// Start is sent in every challenge.
	Start *abi.Start
	// Secret is released by the key endpoint.
	Secret *kbs.SecretResponse
	// WorkloadID is the only workload the broker knows.
	WorkloadID string
	// Fail makes the endpoint with the given path fail with the given HTTP status. Key requests
	// match KeyPath.
	Fail map[string]int
	// Garbage makes the auth endpoint reply with a body that is not a challenge.
	Garbage bool

	mu       sync.Mutex
	sessions map[string]bool
	auth     int
	attest   int
	key      int
	request  *kbs.Request
	sevReq   *kbs.SevRequest
	evidence *kbs.SevEvidence
}

// NewKBS starts a broker whose challenges carry a session for the fake chain's PDH with the given
// policy.
func NewKBS(chain *FakeChain, policy abi.Policy, workloadID string) (*KBS, error) {
	sess, err := owner.NewSession(policy, nil)
	if err != nil {
		return nil, err
	}
	start, err := sess.Start(chain.PDH)
	if err != nil {
		return nil, err
	}
	secret := &kbs.SecretResponse{
		Header: kbs.SecretHeader{
			IV:  make([]byte, abi.IVSize),
			MAC: make([]byte, abi.MACSize),
		},
		Ciphertext: make([]byte, 64),
	}
	for _, b := range [][]byte{secret.Header.IV, secret.Header.MAC, secret.Ciphertext} {
		if _, err := rand.Read(b); err != nil {
			return nil, err
		}
	}
	k := &KBS{
		Start:      start,
		Secret:     secret,
		WorkloadID: workloadID,
		sessions:   make(map[string]bool),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+AuthPath, k.handleAuth)
	mux.HandleFunc("POST "+AttestPath, k.handleAttest)
	mux.HandleFunc("GET "+KeyPath+"{workload}", k.handleKey)
	k.server = httptest.NewServer(mux)
	return k, nil
}

// URL returns the broker's base URL.
func (k *KBS) URL() string {
	return k.server.URL
}

// Close shuts the broker down.
func (k *KBS) Close() {
	k.server.Close()
}

// Counts returns the number of auth, attest and key requests served.
func (k *KBS) Counts() (auth, attest, key int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.auth, k.attest, k.key
}

// Total returns the number of requests that reached the broker.
func (k *KBS) Total() int {
	auth, attest, key := k.Counts()
	return auth + attest + key
}

// Request returns the last auth request and its SEV part.
func (k *KBS) Request() (*kbs.Request, *kbs.SevRequest) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.request, k.sevReq
}

// Evidence returns the last attested measurement.
func (k *KBS) Evidence() *kbs.SevEvidence {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.evidence
}

func (k *KBS) failed(w http.ResponseWriter, path string) bool {
	if status, ok := k.Fail[path]; ok {
		http.Error(w, "injected failure", status)
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// session returns the session named by the request's cookie. Callers must hold k.mu.
func (k *KBS) session(r *http.Request) (string, error) {
	c, err := r.Cookie(kbs.SessionCookie)
	if err != nil {
		return "", fmt.Errorf("no session cookie: %v", err)
	}
	if _, ok := k.sessions[c.Value]; !ok {
		return "", fmt.Errorf("unknown session %q", c.Value)
	}
	return c.Value, nil
}

func (k *KBS) handleAuth(w http.ResponseWriter, r *http.Request) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.auth++
	if k.failed(w, AuthPath) {
		return
	}
	req := &kbs.Request{}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sevReq := &kbs.SevRequest{}
	if err := json.Unmarshal([]byte(req.ExtraParams), sevReq); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.WorkloadID != k.WorkloadID {
		http.Error(w, "unknown workload", http.StatusNotFound)
		return
	}
	k.request, k.sevReq = req, sevReq

	id := uuid.NewString()
	k.sessions[id] = false
	http.SetCookie(w, &http.Cookie{Name: kbs.SessionCookie, Value: id})
	if k.Garbage {
		writeJSON(w, &kbs.Challenge{ExtraParams: "{not json"})
		return
	}
	extra, err := json.Marshal(&kbs.SevChallenge{ID: id, Start: *k.Start})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, &kbs.Challenge{ExtraParams: string(extra)})
}

func (k *KBS) handleAttest(w http.ResponseWriter, r *http.Request) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.attest++
	if k.failed(w, AttestPath) {
		return
	}
	id, err := k.session(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	att := &kbs.Attestation{}
	if err := json.NewDecoder(r.Body).Decode(att); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if att.Nonce != id {
		http.Error(w, fmt.Sprintf("nonce %q does not match session %q", att.Nonce, id), http.StatusBadRequest)
		return
	}
	evidence := &kbs.SevEvidence{}
	if err := json.Unmarshal([]byte(att.TeeEvidence), evidence); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(evidence.Measure) != abi.MeasurementDigestSize || len(evidence.Mnonce) != abi.MnonceSize {
		http.Error(w, "malformed measurement", http.StatusBadRequest)
		return
	}
	k.evidence = evidence
	k.sessions[id] = true
	w.WriteHeader(http.StatusOK)
}

func (k *KBS) handleKey(w http.ResponseWriter, r *http.Request) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.key++
	if k.failed(w, KeyPath) {
		return
	}
	id, err := k.session(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	if !k.sessions[id] {
		http.Error(w, "session has not attested", http.StatusForbidden)
		return
	}
	if r.PathValue("workload") != k.WorkloadID {
		http.Error(w, "unknown workload", http.StatusNotFound)
		return
	}
	writeJSON(w, k.Secret)
}
