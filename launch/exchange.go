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

package launch

import (
	"context"
	"encoding/json"

	"github.com/google/go-sev-launch/abi"
	"github.com/google/go-sev-launch/kbs"
	"github.com/google/logger"
)

// Exchange trades a launch measurement for the workload's secret at the key broker.
type Exchange struct {
	Client *kbs.Client
	// Session carries the cookie of the negotiated broker session.
	Session    *kbs.Session
	BaseURL    string
	WorkloadID string
	Tee        string
	// SessionID is sent as the attestation nonce.
	SessionID string
}

// Run submits the measurement as evidence and retrieves the secret it unlocks.
func (e *Exchange) Run(ctx context.Context, m *abi.Measurement) (*abi.Secret, error) {
	evidence, err := json.Marshal(kbs.NewSevEvidence(m))
	if err != nil {
		return nil, &Error{Kind: KindProtocol, Op: OpAttestationRequest, Err: err}
	}
	body, err := json.Marshal(&kbs.Attestation{
		Nonce:       e.SessionID,
		Tee:         e.Tee,
		TeeEvidence: string(evidence),
	})
	if err != nil {
		return nil, &Error{Kind: KindProtocol, Op: OpAttestationRequest, Err: err}
	}
	logger.Infof("submitting SEV launch measurement %x", m.Digest)
	if _, err := e.Client.Post(ctx, e.Session, kbs.AttestURL(e.BaseURL), body); err != nil {
		return nil, &Error{Kind: KindTransport, Op: OpAttestationRequest, Err: err}
	}
	resp, err := e.Client.GetWithSession(ctx, e.Session, kbs.KeyURL(e.BaseURL, e.WorkloadID))
	if err != nil {
		return nil, &Error{Kind: KindTransport, Op: OpAttestationRequest, Err: err}
	}
	sr := &kbs.SecretResponse{}
	if err := json.Unmarshal(resp, sr); err != nil {
		return nil, &Error{Kind: KindProtocol, Op: OpParseAttestationSecret, Err: err}
	}
	secret, err := sr.Secret()
	if err != nil {
		return nil, &Error{Kind: KindProtocol, Op: OpParseAttestationSecret, Err: err}
	}
	return secret, nil
}
