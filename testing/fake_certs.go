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
	"crypto/ecdh"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/google/go-sev-launch/abi"
	"github.com/google/go-sev-launch/certs"
	"github.com/google/go-sev-launch/kds"
	"github.com/google/go-sev-launch/owner"
)

const (
	// Bits of the fake ASK and ARK keys. Real ones are 4096 bits.
	fakeCAKeyBits = 2048
	// Offset of the key usage field in a SEV format certificate.
	sevCertUsageOffset = 0x08
)

// FakeAPI is the firmware API version of fake platforms.
var FakeAPI = abi.Version{Major: 0, Minor: 24}

// FakeChain is a certificate chain whose PDH private key is known, so tests can play the
// firmware's side of a launch. Signatures are not real.
type FakeChain struct {
	*certs.Chain
	PDHKey *ecdh.PrivateKey
}

// sevCert returns an unsigned SEV format certificate for a random P-384 key with the given usage.
func sevCert(usage abi.KeyUsage) ([]byte, *ecdh.PrivateKey, error) {
	priv, err := ecdh.P384().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	pub, err := owner.CertPublicKey(abi.CurveP384, priv.PublicKey())
	if err != nil {
		return nil, nil, err
	}
	raw := abi.ECDHCert(pub, FakeAPI)
	binary.LittleEndian.PutUint32(raw[sevCertUsageOffset:], uint32(usage))
	return raw, priv, nil
}

// FakeCACert returns an AMD CA format certificate with random key material.
func FakeCACert(usage abi.KeyUsage) ([]byte, error) {
	c := &abi.CACert{Version: 1, Usage: usage, PubExpSize: fakeCAKeyBits, ModulusSize: fakeCAKeyBits}
	rand.Read(c.KeyID[:])
	c.CertifyingID = c.KeyID
	body := make([]byte, c.Size()-abi.CACertHeaderSize)
	if _, err := rand.Read(body); err != nil {
		return nil, err
	}
	return append(abi.CACertHeader(c), body...), nil
}

// NewFakeChain returns a well-formed chain with fresh keys.
func NewFakeChain() (*FakeChain, error) {
	pdh, pdhKey, err := sevCert(abi.UsagePDH)
	if err != nil {
		return nil, fmt.Errorf("could not create fake PDH: %v", err)
	}
	chain := &certs.Chain{PDH: pdh}
	for _, c := range []struct {
		out   *[]byte
		usage abi.KeyUsage
	}{{&chain.PEK, abi.UsagePEK}, {&chain.OCA, abi.UsageOCA}, {&chain.CEK, abi.UsageCEK}} {
		if *c.out, _, err = sevCert(c.usage); err != nil {
			return nil, fmt.Errorf("could not create fake %v: %v", c.usage, err)
		}
	}
	if chain.ASK, err = FakeCACert(abi.UsageASK); err != nil {
		return nil, err
	}
	if chain.ARK, err = FakeCACert(abi.UsageARK); err != nil {
		return nil, err
	}
	return &FakeChain{Chain: chain, PDHKey: pdhKey}, nil
}

// AskArk returns the ASK and ARK bundle as AMD serves it.
func (c *FakeChain) AskArk() []byte {
	return append(append([]byte{}, c.ASK...), c.ARK...)
}

// FakeID is the GET_ID2 identifier of fake platforms.
func FakeID() []byte {
	id := make([]byte, abi.IDSize)
	for i := range id {
		id[i] = byte(i)
	}
	return id
}

// Device returns a fake platform device that exports this chain's platform certificates.
func (c *FakeChain) Device() *Device {
	return &Device{
		Status: &abi.PlatformStatus{
			API:     FakeAPI,
			State:   abi.PlatformInit,
			Flags:   abi.StatusFlagEncryptedState,
			BuildID: 15,
		},
		PDH: c.PDH,
		PEK: c.PEK,
		OCA: c.OCA,
		CEK: c.CEK,
		ID:  FakeID(),
		Fd:  3,
	}
}

// KDS returns a fake AMD certificate service that serves this chain's CEK for FakeID and its ASK
// and ARK for every generation.
func (c *FakeChain) KDS() *KDS {
	return &KDS{
		CEKs: map[string][]byte{hex.EncodeToString(FakeID()): c.CEK},
		AskArks: map[kds.Generation][]byte{
			kds.Naples: c.AskArk(),
			kds.Rome:   c.AskArk(),
			kds.Milan:  c.AskArk(),
		},
	}
}
