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

// Package owner acts as the guest owner of an SEV launch: it wraps fresh transport keys for the
// platform's Diffie-Hellman key so that the firmware can start the launch without a remote key
// broker.
package owner

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"slices"

	"github.com/google/go-sev-launch/abi"
)

// KeySize is the size of the transport keys and the keys derived to wrap them.
const KeySize = 16

const (
	labelMaster = "sev-master-secret"
	labelKEK    = "sev-kek"
	labelKIK    = "sev-kik"
)

// Session is a guest owner's launch session: a policy, a nonce, and the transport encryption and
// integrity keys that protect secrets sent to the guest.
type Session struct {
	Policy abi.Policy
	Nonce  [abi.NonceSize]byte
	TEK    [KeySize]byte
	TIK    [KeySize]byte

	rand io.Reader
}

// NewSession generates fresh session keys. A nil rand means crypto/rand.
func NewSession(policy abi.Policy, rand io.Reader) (*Session, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %v", err)
	}
	if rand == nil {
		rand = defaultRand
	}
	s := &Session{Policy: policy, rand: rand}
	for _, buf := range [][]byte{s.Nonce[:], s.TEK[:], s.TIK[:]} {
		if _, err := io.ReadFull(rand, buf); err != nil {
			return nil, fmt.Errorf("could not generate session keys: %v", err)
		}
	}
	return s, nil
}

var defaultRand = rand.Reader

// KDF is the SP800-108 counter mode key derivation function with HMAC-SHA256 that SEV uses, with
// the counter and the output length in bits encoded little-endian.
func KDF(key []byte, size int, label string, context []byte) []byte {
	out := make([]byte, 0, size+sha256.Size)
	length := make([]byte, 4)
	binary.LittleEndian.PutUint32(length, uint32(size*8))
	for counter := uint32(1); len(out) < size; counter++ {
		mac := hmac.New(sha256.New, key)
		ctr := make([]byte, 4)
		binary.LittleEndian.PutUint32(ctr, counter)
		mac.Write(ctr)
		mac.Write([]byte(label))
		mac.Write([]byte{0})
		mac.Write(context)
		mac.Write(length)
		out = mac.Sum(out)
	}
	return out[:size]
}

func ecdhCurve(c abi.Curve) (ecdh.Curve, error) {
	switch c {
	case abi.CurveP256:
		return ecdh.P256(), nil
	case abi.CurveP384:
		return ecdh.P384(), nil
	}
	return nil, fmt.Errorf("unsupported ECDH curve %d", c)
}

// PublicKey converts a SEV certificate public key to a crypto/ecdh key.
func PublicKey(key *abi.ECPublicKey) (*ecdh.PublicKey, error) {
	curve, err := ecdhCurve(key.Curve)
	if err != nil {
		return nil, err
	}
	size := key.Curve.CoordSize()
	point := make([]byte, 0, 1+2*size)
	point = append(point, 4)
	point = append(point, reversed(key.X[:size])...)
	point = append(point, reversed(key.Y[:size])...)
	return curve.NewPublicKey(point)
}

// CertPublicKey converts a crypto/ecdh key to its SEV certificate form.
func CertPublicKey(c abi.Curve, pub *ecdh.PublicKey) (*abi.ECPublicKey, error) {
	size := c.CoordSize()
	point := pub.Bytes()
	if len(point) != 1+2*size || point[0] != 4 {
		return nil, fmt.Errorf("public key is not an uncompressed point on curve %d", c)
	}
	key := &abi.ECPublicKey{Curve: c}
	copy(key.X[:], reversed(point[1:1+size]))
	copy(key.Y[:], reversed(point[1+size:]))
	return key, nil
}

func reversed(b []byte) []byte {
	r := slices.Clone(b)
	slices.Reverse(r)
	return r
}

// SharedSecret returns the little-endian ECDH shared secret of priv and the public key in a SEV
// certificate.
func SharedSecret(priv *ecdh.PrivateKey, pub *abi.ECPublicKey) ([]byte, error) {
	pk, err := PublicKey(pub)
	if err != nil {
		return nil, err
	}
	z, err := priv.ECDH(pk)
	if err != nil {
		return nil, err
	}
	return reversed(z), nil
}

// WrappingKeys derives the key encryption and key integrity keys from a shared secret and the
// session nonce.
func WrappingKeys(z []byte, nonce []byte) (kek, kik []byte) {
	master := KDF(z, KeySize, labelMaster, nonce)
	return KDF(master, KeySize, labelKEK, nil), KDF(master, KeySize, labelKIK, nil)
}

func mac(key []byte, data ...[]byte) []byte {
	h := hmac.New(sha256.New, key)
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// Start returns the LAUNCH_START parameters that hand the session keys to the platform with the
// given PDH certificate.
func (s *Session) Start(pdh []byte) (*abi.Start, error) {
	cert, err := abi.ParseSevCert(pdh)
	if err != nil {
		return nil, fmt.Errorf("PDH: %v", err)
	}
	if cert.Usage != abi.UsagePDH {
		return nil, fmt.Errorf("PDH: key usage is %v", cert.Usage)
	}
	pdhKey, err := cert.ECDHPublicKey()
	if err != nil {
		return nil, fmt.Errorf("PDH: %v", err)
	}
	curve, err := ecdhCurve(pdhKey.Curve)
	if err != nil {
		return nil, err
	}
	priv, err := curve.GenerateKey(s.rand)
	if err != nil {
		return nil, fmt.Errorf("could not generate owner key: %v", err)
	}
	z, err := SharedSecret(priv, pdhKey)
	if err != nil {
		return nil, fmt.Errorf("could not agree on a shared secret with the PDH: %v", err)
	}
	ownerKey, err := CertPublicKey(pdhKey.Curve, priv.PublicKey())
	if err != nil {
		return nil, err
	}

	kek, kik := WrappingKeys(z, s.Nonce[:])
	blob := &abi.LaunchSession{Nonce: s.Nonce}
	if _, err := io.ReadFull(s.rand, blob.WrapIV[:]); err != nil {
		return nil, fmt.Errorf("could not generate wrapping IV: %v", err)
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, err
	}
	cipher.NewCTR(block, blob.WrapIV[:]).XORKeyStream(blob.WrapTK[:], slices.Concat(s.TEK[:], s.TIK[:]))
	copy(blob.WrapMAC[:], mac(kik, blob.WrapTK[:]))
	copy(blob.PolicyMAC[:], mac(s.TIK[:], s.Policy.Bytes()))

	return &abi.Start{
		Policy:  s.Policy,
		Cert:    abi.ECDHCert(ownerKey, abi.Version{Major: cert.APIMajor, Minor: cert.APIMinor}),
		Session: blob.Bytes(),
	}, nil
}
