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
	"errors"
	"io"

	"github.com/google/go-sev-launch/abi"
	"github.com/google/go-sev-launch/certs"
	"github.com/google/go-sev-launch/firmware"
	"github.com/google/go-sev-launch/kbs"
	"github.com/google/go-sev-launch/owner"
	"github.com/google/logger"
)

// Negotiation is the outcome of establishing a launch session.
type Negotiation struct {
	Start *abi.Start
	// SessionID is the key broker's session id. It is empty for locally derived sessions.
	SessionID string
	// EncryptedState is whether the guest launches with SEV-ES.
	EncryptedState bool
}

func negotiated(start *abi.Start, id string) *Negotiation {
	return &Negotiation{Start: start, SessionID: id, EncryptedState: start.Policy.EncryptedState()}
}

// Negotiate establishes the launch session. Without an attestation URL the session is derived
// locally from the chain's PDH and rand, which may be nil for crypto/rand. Otherwise the key
// broker generates it for the platform described by fw and chain.
func Negotiate(ctx context.Context, cfg *Config, chain *certs.Chain, fw firmware.Device, client *kbs.Client, sess *kbs.Session, rand io.Reader) (*Negotiation, error) {
	if !cfg.Remote() {
		return negotiateLocal(chain, rand)
	}
	return negotiateRemote(ctx, cfg, chain, fw, client, sess)
}

func negotiateLocal(chain *certs.Chain, rand io.Reader) (*Negotiation, error) {
	sess, err := owner.NewSession(abi.DefaultPolicy(), rand)
	if err != nil {
		return nil, &Error{Kind: KindPlatform, Op: OpDeriveSession, Err: err}
	}
	start, err := sess.Start(chain.PDH)
	if err != nil {
		return nil, &Error{Kind: KindPlatform, Op: OpDeriveSession, Err: err}
	}
	logger.Infof("derived local SEV launch session with policy %v", start.Policy)
	return negotiated(start, ""), nil
}

func negotiateRemote(ctx context.Context, cfg *Config, chain *certs.Chain, fw firmware.Device, client *kbs.Client, sess *kbs.Session) (*Negotiation, error) {
	status, err := firmware.PlatformStatus(fw)
	if err != nil {
		return nil, &Error{Kind: KindPlatform, Op: OpPlatformStatus, Err: err}
	}
	extra, err := json.Marshal(&kbs.SevRequest{Build: status.Build(), Chain: chain})
	if err != nil {
		return nil, &Error{Kind: KindProtocol, Op: OpSessionRequest, Err: err}
	}
	body, err := json.Marshal(&kbs.Request{
		Version:     kbs.ProtocolVersion,
		WorkloadID:  cfg.WorkloadID,
		Tee:         cfg.tee(),
		ExtraParams: string(extra),
	})
	if err != nil {
		return nil, &Error{Kind: KindProtocol, Op: OpSessionRequest, Err: err}
	}
	url := kbs.AuthURL(cfg.AttestationURL)
	logger.Infof("requesting SEV launch session for workload %q from %s", cfg.WorkloadID, url)
	resp, err := client.Post(ctx, sess, url, body)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Op: OpSessionRequest, Err: err}
	}

	challenge := &kbs.Challenge{}
	if err := json.Unmarshal(resp, challenge); err != nil {
		return nil, &Error{Kind: KindProtocol, Op: OpParseSessionResponse, Err: err}
	}
	sevChallenge := &kbs.SevChallenge{}
	if err := json.Unmarshal([]byte(challenge.ExtraParams), sevChallenge); err != nil {
		return nil, &Error{Kind: KindProtocol, Op: OpParseSessionResponse, Err: err}
	}
	if sevChallenge.ID == "" {
		return nil, &Error{Kind: KindProtocol, Op: OpParseSessionResponse, Err: errors.New("challenge has no session id")}
	}
	if err := sevChallenge.Start.Validate(); err != nil {
		return nil, &Error{Kind: KindProtocol, Op: OpParseSessionResponse, Err: err}
	}
	n := negotiated(&sevChallenge.Start, sevChallenge.ID)
	logger.Infof("key broker session %s: policy %v, encrypted state %v", n.SessionID, n.Start.Policy, n.EncryptedState)
	return n, nil
}
