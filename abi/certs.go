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

package abi

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/multierr"
)

const (
	// SevCertSize is the size in bytes of a certificate in the SEV certificate format.
	SevCertSize = 0x824
	// SevCertVersion is the only SEV certificate format version.
	SevCertVersion = 1
	// EcdhCoordSize is the size of each little-endian public key coordinate in a SEV certificate.
	EcdhCoordSize = 0x48

	sevCertVersionOffset  = 0x00
	sevCertAPIMajorOffset = 0x04
	sevCertAPIMinorOffset = 0x05
	sevCertUsageOffset    = 0x08
	sevCertAlgoOffset     = 0x0C
	sevCertPubkeyOffset   = 0x10
	sevCertSig1Usage      = 0x414
	sevCertSig1Algo       = 0x418
	sevCertSig2Usage      = 0x61C
	sevCertSig2Algo       = 0x620

	ecdhCurveOffset = sevCertPubkeyOffset
	ecdhQxOffset    = sevCertPubkeyOffset + 0x04
	ecdhQyOffset    = ecdhQxOffset + EcdhCoordSize

	// CACertHeaderSize is the fixed part of an AMD CA (ASK or ARK) certificate.
	CACertHeaderSize = 0x40

	caCertVersionOffset      = 0x00
	caCertKeyIDOffset        = 0x04
	caCertCertifyingIDOffset = 0x14
	caCertUsageOffset        = 0x24
	caCertPubExpSizeOffset   = 0x38
	caCertModulusSizeOffset  = 0x3C
	caCertMaxKeyBits         = 4096
)

// KeyUsage identifies the role of a key in the SEV certificate chain.
type KeyUsage uint32

const (
	// UsageARK is the AMD root key.
	UsageARK KeyUsage = 0x0000
	// UsageASK is the AMD SEV signing key.
	UsageASK KeyUsage = 0x0013
	// UsageInvalid marks an unused signature slot.
	UsageInvalid KeyUsage = 0x1000
	// UsageOCA is the owner certificate authority.
	UsageOCA KeyUsage = 0x1001
	// UsagePEK is the platform endorsement key.
	UsagePEK KeyUsage = 0x1002
	// UsagePDH is the platform Diffie-Hellman key.
	UsagePDH KeyUsage = 0x1003
	// UsageCEK is the chip endorsement key.
	UsageCEK KeyUsage = 0x1004
)

func (u KeyUsage) String() string {
	switch u {
	case UsageARK:
		return "ARK"
	case UsageASK:
		return "ASK"
	case UsageInvalid:
		return "invalid"
	case UsageOCA:
		return "OCA"
	case UsagePEK:
		return "PEK"
	case UsagePDH:
		return "PDH"
	case UsageCEK:
		return "CEK"
	}
	return fmt.Sprintf("KeyUsage(0x%x)", uint32(u))
}

// Algorithm is a SEV certificate public key or signature algorithm.
type Algorithm uint32

const (
	// AlgoInvalid marks an unused key or signature slot.
	AlgoInvalid Algorithm = 0x0
	// AlgoRsaSha256 is RSA-PSS with SHA-256.
	AlgoRsaSha256 Algorithm = 0x1
	// AlgoEcdsaSha256 is ECDSA with SHA-256.
	AlgoEcdsaSha256 Algorithm = 0x2
	// AlgoEcdhSha256 is ECDH with SHA-256.
	AlgoEcdhSha256 Algorithm = 0x3
	// AlgoRsaSha384 is RSA-PSS with SHA-384.
	AlgoRsaSha384 Algorithm = 0x101
	// AlgoEcdsaSha384 is ECDSA with SHA-384.
	AlgoEcdsaSha384 Algorithm = 0x102
	// AlgoEcdhSha384 is ECDH with SHA-384.
	AlgoEcdhSha384 Algorithm = 0x103
)

// Curve is the elliptic curve of a SEV certificate ECDH or ECDSA key.
type Curve uint32

const (
	// CurveP256 is NIST P-256.
	CurveP256 Curve = 1
	// CurveP384 is NIST P-384.
	CurveP384 Curve = 2
)

// CoordSize returns the size in bytes of a coordinate on the curve, or 0 if unknown.
func (c Curve) CoordSize() int {
	switch c {
	case CurveP256:
		return 32
	case CurveP384:
		return 48
	}
	return 0
}

// ECPublicKey is an elliptic curve point as stored in a SEV certificate. Coordinates are
// little-endian and zero-padded to EcdhCoordSize.
type ECPublicKey struct {
	Curve Curve
	X     [EcdhCoordSize]byte
	Y     [EcdhCoordSize]byte
}

// SevCert is the header information of a certificate in the SEV certificate format.
type SevCert struct {
	Version  uint32
	APIMajor uint8
	APIMinor uint8
	Usage    KeyUsage
	Algo     Algorithm
	raw      []byte
}

// ParseSevCert interprets the first SevCertSize bytes of data as a SEV format certificate.
func ParseSevCert(data []byte) (*SevCert, error) {
	if len(data) < SevCertSize {
		return nil, fmt.Errorf("SEV certificate is %d bytes, want %d", len(data), SevCertSize)
	}
	c := &SevCert{
		Version:  binary.LittleEndian.Uint32(data[sevCertVersionOffset:]),
		APIMajor: data[sevCertAPIMajorOffset],
		APIMinor: data[sevCertAPIMinorOffset],
		Usage:    KeyUsage(binary.LittleEndian.Uint32(data[sevCertUsageOffset:])),
		Algo:     Algorithm(binary.LittleEndian.Uint32(data[sevCertAlgoOffset:])),
		raw:      data[:SevCertSize],
	}
	if c.Version != SevCertVersion {
		return nil, fmt.Errorf("SEV certificate version is %d, want %d", c.Version, SevCertVersion)
	}
	return c, nil
}

// ECDHPublicKey returns the certificate's public key if it is an ECDH key.
func (c *SevCert) ECDHPublicKey() (*ECPublicKey, error) {
	if c.Algo != AlgoEcdhSha256 && c.Algo != AlgoEcdhSha384 {
		return nil, fmt.Errorf("%v certificate key algorithm 0x%x is not ECDH", c.Usage, uint32(c.Algo))
	}
	key := &ECPublicKey{Curve: Curve(binary.LittleEndian.Uint32(c.raw[ecdhCurveOffset:]))}
	if key.Curve.CoordSize() == 0 {
		return nil, fmt.Errorf("unsupported ECDH curve %d", key.Curve)
	}
	copy(key.X[:], c.raw[ecdhQxOffset:ecdhQxOffset+EcdhCoordSize])
	copy(key.Y[:], c.raw[ecdhQyOffset:ecdhQyOffset+EcdhCoordSize])
	return key, nil
}

// CheckSevCert returns an error if data is not a SEV format certificate with the given usage.
func CheckSevCert(name string, data []byte, usage KeyUsage) error {
	cert, err := ParseSevCert(data)
	if err != nil {
		return fmt.Errorf("%s: %v", name, err)
	}
	if cert.Usage != usage {
		return fmt.Errorf("%s: key usage is %v, want %v", name, cert.Usage, usage)
	}
	return nil
}

// ECDHCert returns an unsigned SEV format certificate for the given ECDH public key. The
// signature slots are marked invalid, which is what the firmware expects from a guest owner's
// ephemeral Diffie-Hellman certificate.
func ECDHCert(key *ECPublicKey, api Version) []byte {
	data := make([]byte, SevCertSize)
	binary.LittleEndian.PutUint32(data[sevCertVersionOffset:], SevCertVersion)
	data[sevCertAPIMajorOffset] = api.Major
	data[sevCertAPIMinorOffset] = api.Minor
	binary.LittleEndian.PutUint32(data[sevCertUsageOffset:], uint32(UsagePDH))
	binary.LittleEndian.PutUint32(data[sevCertAlgoOffset:], uint32(AlgoEcdhSha256))
	binary.LittleEndian.PutUint32(data[ecdhCurveOffset:], uint32(key.Curve))
	copy(data[ecdhQxOffset:], key.X[:])
	copy(data[ecdhQyOffset:], key.Y[:])
	binary.LittleEndian.PutUint32(data[sevCertSig1Usage:], uint32(UsageInvalid))
	binary.LittleEndian.PutUint32(data[sevCertSig1Algo:], uint32(AlgoInvalid))
	binary.LittleEndian.PutUint32(data[sevCertSig2Usage:], uint32(UsageInvalid))
	binary.LittleEndian.PutUint32(data[sevCertSig2Algo:], uint32(AlgoInvalid))
	return data
}

// CACert is the header of an AMD CA certificate, the format of the ASK and ARK.
type CACert struct {
	Version      uint32
	KeyID        [16]byte
	CertifyingID [16]byte
	Usage        KeyUsage
	// PubExpSize is the size of the public exponent in bits.
	PubExpSize uint32
	// ModulusSize is the size of the modulus in bits.
	ModulusSize uint32
}

// Size returns the size in bytes of the whole certificate: header, exponent, modulus and signature.
func (c *CACert) Size() int {
	return CACertHeaderSize + int(c.PubExpSize/8) + 2*int(c.ModulusSize/8)
}

// ParseCACert interprets the start of data as an AMD CA certificate and returns it along with the
// index of the first byte following it.
func ParseCACert(data []byte) (*CACert, int, error) {
	if len(data) < CACertHeaderSize {
		return nil, 0, fmt.Errorf("AMD CA certificate header is %d bytes, want at least %d", len(data), CACertHeaderSize)
	}
	c := &CACert{
		Version:     binary.LittleEndian.Uint32(data[caCertVersionOffset:]),
		Usage:       KeyUsage(binary.LittleEndian.Uint32(data[caCertUsageOffset:])),
		PubExpSize:  binary.LittleEndian.Uint32(data[caCertPubExpSizeOffset:]),
		ModulusSize: binary.LittleEndian.Uint32(data[caCertModulusSizeOffset:]),
	}
	copy(c.KeyID[:], data[caCertKeyIDOffset:])
	copy(c.CertifyingID[:], data[caCertCertifyingIDOffset:])
	checkBits := func(name string, bits uint32) error {
		if bits == 0 || bits%8 != 0 || bits > caCertMaxKeyBits {
			return fmt.Errorf("%s size %d bits is not a positive multiple of 8 up to %d", name, bits, caCertMaxKeyBits)
		}
		return nil
	}
	if err := multierr.Combine(checkBits("public exponent", c.PubExpSize), checkBits("modulus", c.ModulusSize)); err != nil {
		return nil, 0, fmt.Errorf("malformed AMD CA certificate: %v", err)
	}
	size := c.Size()
	if len(data) < size {
		return nil, 0, fmt.Errorf("AMD CA certificate is truncated: %d bytes, want %d", len(data), size)
	}
	return c, size, nil
}

// CACertHeader returns the fixed header of an AMD CA certificate with the given fields. The caller
// appends the exponent, modulus and signature.
func CACertHeader(c *CACert) []byte {
	data := make([]byte, CACertHeaderSize)
	binary.LittleEndian.PutUint32(data[caCertVersionOffset:], c.Version)
	copy(data[caCertKeyIDOffset:], c.KeyID[:])
	copy(data[caCertCertifyingIDOffset:], c.CertifyingID[:])
	binary.LittleEndian.PutUint32(data[caCertUsageOffset:], uint32(c.Usage))
	binary.LittleEndian.PutUint32(data[caCertPubExpSizeOffset:], c.PubExpSize)
	binary.LittleEndian.PutUint32(data[caCertModulusSizeOffset:], c.ModulusSize)
	return data
}
