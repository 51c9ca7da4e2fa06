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

// Package abi encapsulates the data formats of the AMD SEV launch API.
package abi

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/multierr"
)

const (
	// SessionSize is the size of the LAUNCH_START session data blob.
	SessionSize = 0x80
	// NonceSize is the size of the session nonce.
	NonceSize = 16
	// WrapTKSize is the size of the wrapped transport encryption and integrity keys.
	WrapTKSize = 32
	// IVSize is the size of an AES-128-CTR counter block.
	IVSize = 16
	// MACSize is the size of an HMAC-SHA256 tag.
	MACSize = 32
	// MeasurementSize is the size of the LAUNCH_MEASURE output.
	MeasurementSize = 48
	// MeasurementDigestSize is the size of the launch digest inside the measurement.
	MeasurementDigestSize = 32
	// MnonceSize is the size of the measurement nonce.
	MnonceSize = 16
	// SecretHeaderSize is the packed size of the LAUNCH_SECRET packet header.
	SecretHeaderSize = 52
	// PlatformStatusSize is the packed size of the PLATFORM_STATUS output.
	PlatformStatusSize = 12
	// IDSize is the size of a chip identifier returned by GET_ID2.
	IDSize = 64

	sessionNonceOffset     = 0x00
	sessionWrapTKOffset    = 0x10
	sessionWrapIVOffset    = 0x30
	sessionWrapMACOffset   = 0x40
	sessionPolicyMACOffset = 0x60

	statusAPIMajorOffset   = 0
	statusAPIMinorOffset   = 1
	statusStateOffset      = 2
	statusFlagsOffset      = 3
	statusBuildOffset      = 7
	statusGuestCountOffset = 8

	// StatusFlagOwned is set when the platform is externally owned.
	StatusFlagOwned = 1 << 0
	// StatusFlagEncryptedState is set when the platform supports SEV-ES.
	StatusFlagEncryptedState = 1 << 8
)

// LaunchSession is the session data blob that carries the wrapped transport keys to the firmware.
type LaunchSession struct {
	Nonce     [NonceSize]byte
	WrapTK    [WrapTKSize]byte
	WrapIV    [IVSize]byte
	WrapMAC   [MACSize]byte
	PolicyMAC [MACSize]byte
}

// Bytes returns the firmware representation of the session blob.
func (s *LaunchSession) Bytes() []byte {
	data := make([]byte, SessionSize)
	copy(data[sessionNonceOffset:], s.Nonce[:])
	copy(data[sessionWrapTKOffset:], s.WrapTK[:])
	copy(data[sessionWrapIVOffset:], s.WrapIV[:])
	copy(data[sessionWrapMACOffset:], s.WrapMAC[:])
	copy(data[sessionPolicyMACOffset:], s.PolicyMAC[:])
	return data
}

// ParseLaunchSession interprets data as a session blob.
func ParseLaunchSession(data []byte) (*LaunchSession, error) {
	if len(data) != SessionSize {
		return nil, fmt.Errorf("session blob is %d bytes, want %d", len(data), SessionSize)
	}
	s := &LaunchSession{}
	copy(s.Nonce[:], data[sessionNonceOffset:])
	copy(s.WrapTK[:], data[sessionWrapTKOffset:])
	copy(s.WrapIV[:], data[sessionWrapIVOffset:])
	copy(s.WrapMAC[:], data[sessionWrapMACOffset:])
	copy(s.PolicyMAC[:], data[sessionPolicyMACOffset:])
	return s, nil
}

// Start is everything LAUNCH_START needs from the guest owner: the policy, the owner's
// Diffie-Hellman certificate and the session blob.
type Start struct {
	Policy  Policy `json:"policy"`
	Cert    []byte `json:"cert"`
	Session []byte `json:"session"`
}

// Validate returns an error if the start parameters cannot be given to the firmware as is.
func (s *Start) Validate() error {
	var certErr, sessionErr error
	if len(s.Cert) != SevCertSize {
		certErr = fmt.Errorf("owner certificate is %d bytes, want %d", len(s.Cert), SevCertSize)
	}
	if len(s.Session) != SessionSize {
		sessionErr = fmt.Errorf("session blob is %d bytes, want %d", len(s.Session), SessionSize)
	}
	return multierr.Combine(certErr, sessionErr, s.Policy.Validate())
}

// Measurement is the output of LAUNCH_MEASURE.
type Measurement struct {
	Digest [MeasurementDigestSize]byte
	Mnonce [MnonceSize]byte
}

// ParseMeasurement interprets data as a LAUNCH_MEASURE output.
func ParseMeasurement(data []byte) (*Measurement, error) {
	if len(data) != MeasurementSize {
		return nil, fmt.Errorf("measurement is %d bytes, want %d", len(data), MeasurementSize)
	}
	m := &Measurement{}
	copy(m.Digest[:], data[:MeasurementDigestSize])
	copy(m.Mnonce[:], data[MeasurementDigestSize:])
	return m, nil
}

// Bytes returns the firmware representation of the measurement.
func (m *Measurement) Bytes() []byte {
	data := make([]byte, MeasurementSize)
	copy(data, m.Digest[:])
	copy(data[MeasurementDigestSize:], m.Mnonce[:])
	return data
}

// SecretHeader is the header of a LAUNCH_SECRET packet.
type SecretHeader struct {
	Flags uint32
	IV    [IVSize]byte
	MAC   [MACSize]byte
}

// Bytes returns the packed firmware representation of the header.
func (h *SecretHeader) Bytes() []byte {
	data := make([]byte, SecretHeaderSize)
	binary.LittleEndian.PutUint32(data, h.Flags)
	copy(data[4:], h.IV[:])
	copy(data[4+IVSize:], h.MAC[:])
	return data
}

// ParseSecretHeader interprets data as a packed LAUNCH_SECRET header.
func ParseSecretHeader(data []byte) (*SecretHeader, error) {
	if len(data) != SecretHeaderSize {
		return nil, fmt.Errorf("secret header is %d bytes, want %d", len(data), SecretHeaderSize)
	}
	h := &SecretHeader{Flags: binary.LittleEndian.Uint32(data)}
	copy(h.IV[:], data[4:])
	copy(h.MAC[:], data[4+IVSize:])
	return h, nil
}

// Secret is an encrypted secret packet for injection with LAUNCH_SECRET.
type Secret struct {
	Header     SecretHeader
	Ciphertext []byte
}

// PlatformState is the state of the SEV platform.
type PlatformState uint8

const (
	// PlatformUninit is the state before INIT.
	PlatformUninit PlatformState = iota
	// PlatformInit is the state after INIT.
	PlatformInit
	// PlatformWorking is the state while any guest is active.
	PlatformWorking
)

// Build is the firmware API version and build number the key broker uses to pick launch parameters.
type Build struct {
	Version Version `json:"version"`
	Build   uint8   `json:"build"`
}

func (b Build) String() string {
	return fmt.Sprintf("%s (build %d)", b.Version, b.Build)
}

// PlatformStatus is the output of the PLATFORM_STATUS command.
type PlatformStatus struct {
	API        Version
	State      PlatformState
	Flags      uint32
	BuildID    uint8
	GuestCount uint32
}

// Build returns the firmware build information.
func (s *PlatformStatus) Build() Build {
	return Build{Version: s.API, Build: s.BuildID}
}

// EncryptedStateCapable returns whether the platform reports SEV-ES support.
func (s *PlatformStatus) EncryptedStateCapable() bool {
	return s.Flags&StatusFlagEncryptedState != 0
}

// ParsePlatformStatus interprets data as the packed PLATFORM_STATUS output.
func ParsePlatformStatus(data []byte) (*PlatformStatus, error) {
	if len(data) != PlatformStatusSize {
		return nil, fmt.Errorf("platform status is %d bytes, want %d", len(data), PlatformStatusSize)
	}
	return &PlatformStatus{
		API:        Version{Major: data[statusAPIMajorOffset], Minor: data[statusAPIMinorOffset]},
		State:      PlatformState(data[statusStateOffset]),
		Flags:      binary.LittleEndian.Uint32(data[statusFlagsOffset:]),
		BuildID:    data[statusBuildOffset],
		GuestCount: binary.LittleEndian.Uint32(data[statusGuestCountOffset:]),
	}, nil
}

// Bytes returns the packed firmware representation of the status.
func (s *PlatformStatus) Bytes() []byte {
	data := make([]byte, PlatformStatusSize)
	data[statusAPIMajorOffset] = s.API.Major
	data[statusAPIMinorOffset] = s.API.Minor
	data[statusStateOffset] = uint8(s.State)
	binary.LittleEndian.PutUint32(data[statusFlagsOffset:], s.Flags)
	data[statusBuildOffset] = s.BuildID
	binary.LittleEndian.PutUint32(data[statusGuestCountOffset:], s.GuestCount)
	return data
}
