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

package kbs

import (
	"fmt"
	"strings"

	"github.com/google/go-sev-launch/abi"
	"github.com/google/go-sev-launch/certs"
)

// ProtocolVersion is the key broker protocol version this client speaks.
const ProtocolVersion = "0.0.0"

// Request is the generic envelope POSTed to the auth endpoint.
type Request struct {
	Version    string `json:"version"`
	WorkloadID string `json:"workload_id"`
	Tee        string `json:"tee"`
	// ExtraParams is the JSON encoding of the TEE specific request, e.g. SevRequest.
	ExtraParams string `json:"extra_params"`
}

// Challenge is the generic envelope returned by the auth endpoint.
type Challenge struct {
	// ExtraParams is the JSON encoding of the TEE specific challenge, e.g. SevChallenge.
	ExtraParams string `json:"extra_params"`
}

// SevRequest is the SEV specific part of a Request.
type SevRequest struct {
	Build abi.Build    `json:"build"`
	Chain *certs.Chain `json:"chain"`
}

// SevChallenge is the SEV specific part of a Challenge: the broker's session id and the launch
// parameters it generated for this workload.
type SevChallenge struct {
	ID    string    `json:"id"`
	Start abi.Start `json:"start"`
}

// TeePubKey describes a key the guest will use to talk to the broker. SEV launches leave it
// empty.
type TeePubKey struct {
	Algorithm    string `json:"algorithm"`
	PubkeyLength string `json:"pubkey_length"`
	Pubkey       string `json:"pubkey"`
}

// Attestation is the body POSTed to the attest endpoint.
type Attestation struct {
	Nonce     string    `json:"nonce"`
	Tee       string    `json:"tee"`
	TeePubKey TeePubKey `json:"tee_pubkey"`
	// TeeEvidence is the JSON encoding of the TEE specific evidence, e.g. SevEvidence.
	TeeEvidence string `json:"tee_evidence"`
}

// SevEvidence is the SEV launch measurement as attestation evidence.
type SevEvidence struct {
	Measure []byte `json:"measure"`
	Mnonce  []byte `json:"mnonce"`
}

// NewSevEvidence returns the evidence for a launch measurement.
func NewSevEvidence(m *abi.Measurement) *SevEvidence {
	return &SevEvidence{Measure: m.Digest[:], Mnonce: m.Mnonce[:]}
}

// SecretHeader is the JSON form of abi.SecretHeader.
type SecretHeader struct {
	Flags uint32 `json:"flags"`
	IV    []byte `json:"iv"`
	MAC   []byte `json:"mac"`
}

// SecretResponse is the body returned by the key endpoint.
type SecretResponse struct {
	Header     SecretHeader `json:"header"`
	Ciphertext []byte       `json:"ciphertext"`
}

// Secret returns the launch secret packet.
func (r *SecretResponse) Secret() (*abi.Secret, error) {
	if len(r.Header.IV) != abi.IVSize {
		return nil, fmt.Errorf("secret iv is %d bytes, want %d", len(r.Header.IV), abi.IVSize)
	}
	if len(r.Header.MAC) != abi.MACSize {
		return nil, fmt.Errorf("secret mac is %d bytes, want %d", len(r.Header.MAC), abi.MACSize)
	}
	if len(r.Ciphertext) == 0 {
		return nil, fmt.Errorf("secret ciphertext is empty")
	}
	s := &abi.Secret{Header: abi.SecretHeader{Flags: r.Header.Flags}, Ciphertext: r.Ciphertext}
	copy(s.Header.IV[:], r.Header.IV)
	copy(s.Header.MAC[:], r.Header.MAC)
	return s, nil
}

func endpoint(base, path string) string {
	return strings.TrimSuffix(base, "/") + path
}

// AuthURL returns the session request endpoint of the broker at base.
func AuthURL(base string) string {
	return endpoint(base, "/kbs/v0/auth")
}

// AttestURL returns the attestation endpoint of the broker at base.
func AttestURL(base string) string {
	return endpoint(base, "/kbs/v0/attest")
}

// KeyURL returns the secret endpoint for a workload of the broker at base.
func KeyURL(base, workloadID string) string {
	return endpoint(base, "/kbs/v0/key/"+workloadID)
}
