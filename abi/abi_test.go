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
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPolicy(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		wantES  bool
		wantFw  Version
		wantErr string
	}{
		{
			name:   "default",
			policy: DefaultPolicy(),
		},
		{
			name:   "encrypted state",
			policy: PolicyNoDebug | PolicyEncryptedState,
			wantES: true,
		},
		{
			name:   "min firmware",
			policy: PolicyNoSend | Policy(0x18010000),
			wantFw: Version{Major: 1, Minor: 0x18},
		},
		{
			name:    "reserved bit",
			policy:  Policy(1 << 6),
			wantErr: "reserved bits 6-15 are not zero",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.policy.EncryptedState(); got != tc.wantES {
				t.Errorf("%v.EncryptedState() = %v, want %v", tc.policy, got, tc.wantES)
			}
			if got := tc.policy.MinFirmware(); got != tc.wantFw {
				t.Errorf("%v.MinFirmware() = %v, want %v", tc.policy, got, tc.wantFw)
			}
			err := tc.policy.Validate()
			if (err == nil) != (tc.wantErr == "") || (err != nil && !strings.Contains(err.Error(), tc.wantErr)) {
				t.Errorf("%v.Validate() = %v, want %q", tc.policy, err, tc.wantErr)
			}
		})
	}
}

func TestPolicyWithMinFirmware(t *testing.T) {
	p := (PolicyNoDebug | PolicyEncryptedState).WithMinFirmware(Version{Major: 0, Minor: 24})
	if got := uint32(p); got != 0x18000005 {
		t.Errorf("WithMinFirmware(0.24) = 0x%08x, want 0x18000005", got)
	}
	if !bytes.Equal(p.Bytes(), []byte{0x05, 0x00, 0x00, 0x18}) {
		t.Errorf("Bytes() = %v, want little-endian encoding", p.Bytes())
	}
}

func TestECDHCertRoundTrip(t *testing.T) {
	key := &ECPublicKey{Curve: CurveP384}
	key.X[0] = 0xaa
	key.Y[EcdhCoordSize-1] = 0xbb
	raw := ECDHCert(key, Version{Major: 0, Minor: 24})
	if len(raw) != SevCertSize {
		t.Fatalf("ECDHCert() is %d bytes, want %d", len(raw), SevCertSize)
	}
	cert, err := ParseSevCert(raw)
	if err != nil {
		t.Fatalf("ParseSevCert(ECDHCert()) = %v", err)
	}
	if cert.Usage != UsagePDH || cert.Algo != AlgoEcdhSha256 || cert.APIMinor != 24 {
		t.Errorf("ParseSevCert(ECDHCert()) = %+v, want PDH ECDH-SHA256 API 0.24", cert)
	}
	got, err := cert.ECDHPublicKey()
	if err != nil {
		t.Fatalf("ECDHPublicKey() = %v", err)
	}
	if diff := cmp.Diff(key, got); diff != "" {
		t.Errorf("ECDHPublicKey() diff (-want +got):\n%s", diff)
	}
	if err := CheckSevCert("PDH", raw, UsagePEK); err == nil || !strings.Contains(err.Error(), "key usage is PDH, want PEK") {
		t.Errorf("CheckSevCert(PDH as PEK) = %v, want usage error", err)
	}
}

func TestParseSevCertErrors(t *testing.T) {
	if _, err := ParseSevCert(make([]byte, 10)); err == nil {
		t.Error("ParseSevCert(short) = nil, want error")
	}
	if _, err := ParseSevCert(make([]byte, SevCertSize)); err == nil || !strings.Contains(err.Error(), "version is 0") {
		t.Errorf("ParseSevCert(zero) = %v, want version error", err)
	}
	raw := ECDHCert(&ECPublicKey{Curve: Curve(7)}, Version{})
	cert, err := ParseSevCert(raw)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cert.ECDHPublicKey(); err == nil || !strings.Contains(err.Error(), "unsupported ECDH curve 7") {
		t.Errorf("ECDHPublicKey() = %v, want unsupported curve", err)
	}
}

func TestParseCACert(t *testing.T) {
	header := CACertHeader(&CACert{Version: 1, Usage: UsageASK, PubExpSize: 2048, ModulusSize: 4096})
	full := append(header, make([]byte, 256+512+512)...)
	full = append(full, 0xff) // trailing byte belongs to the next certificate
	cert, next, err := ParseCACert(full)
	if err != nil {
		t.Fatalf("ParseCACert() = %v", err)
	}
	if next != 0x40+256+1024 || cert.Usage != UsageASK {
		t.Errorf("ParseCACert() = %+v, %d, want ASK ending at %d", cert, next, 0x40+256+1024)
	}

	tests := []struct {
		name    string
		data    []byte
		wantErr string
	}{
		{
			name:    "short",
			data:    header[:8],
			wantErr: "want at least 64",
		},
		{
			name:    "truncated",
			data:    full[:100],
			wantErr: "truncated",
		},
		{
			name:    "bad sizes",
			data:    CACertHeader(&CACert{PubExpSize: 3, ModulusSize: 8192}),
			wantErr: "public exponent size 3 bits",
		},
	}
	for _, tc := range tests {
		if _, _, err := ParseCACert(tc.data); err == nil || !strings.Contains(err.Error(), tc.wantErr) {
			t.Errorf("%s: ParseCACert() = %v, want %q", tc.name, err, tc.wantErr)
		}
	}
}

func TestStartValidate(t *testing.T) {
	good := &Start{Policy: DefaultPolicy(), Cert: make([]byte, SevCertSize), Session: make([]byte, SessionSize)}
	if err := good.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
	bad := &Start{Policy: Policy(1 << 9), Cert: make([]byte, 3)}
	err := bad.Validate()
	for _, want := range []string{"owner certificate is 3 bytes", "session blob is 0 bytes", "reserved bits"} {
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() = %v, want it to contain %q", err, want)
		}
	}
}

func TestLaunchSessionLayout(t *testing.T) {
	s := &LaunchSession{}
	s.Nonce[0] = 1
	s.WrapTK[0] = 2
	s.WrapIV[0] = 3
	s.WrapMAC[0] = 4
	s.PolicyMAC[0] = 5
	raw := s.Bytes()
	for offset, want := range map[int]byte{0x00: 1, 0x10: 2, 0x30: 3, 0x40: 4, 0x60: 5} {
		if raw[offset] != want {
			t.Errorf("session[0x%x] = %d, want %d", offset, raw[offset], want)
		}
	}
	got, err := ParseLaunchSession(raw)
	if err != nil {
		t.Fatal(err)
	}
	if *got != *s {
		t.Errorf("ParseLaunchSession(Bytes()) = %v, want %v", got, s)
	}
}

func TestSecretHeaderPacking(t *testing.T) {
	h := &SecretHeader{Flags: 0x01020304}
	h.IV[0] = 0xee
	h.MAC[MACSize-1] = 0xdd
	raw := h.Bytes()
	if len(raw) != SecretHeaderSize {
		t.Fatalf("Bytes() is %d bytes, want %d", len(raw), SecretHeaderSize)
	}
	if binary.LittleEndian.Uint32(raw) != 0x01020304 || raw[4] != 0xee || raw[SecretHeaderSize-1] != 0xdd {
		t.Errorf("Bytes() = %v, want packed flags, iv, mac", raw)
	}
}

func TestParsePlatformStatus(t *testing.T) {
	raw := []byte{0, 24, 1, 0x00, 0x01, 0, 0, 15, 3, 0, 0, 0}
	got, err := ParsePlatformStatus(raw)
	if err != nil {
		t.Fatal(err)
	}
	want := &PlatformStatus{API: Version{Major: 0, Minor: 24}, State: PlatformInit, Flags: StatusFlagEncryptedState, BuildID: 15, GuestCount: 3}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParsePlatformStatus() diff (-want +got):\n%s", diff)
	}
	if !got.EncryptedStateCapable() {
		t.Error("EncryptedStateCapable() = false, want true")
	}
	if got.Build().String() != "0.24 (build 15)" {
		t.Errorf("Build() = %v, want 0.24 (build 15)", got.Build())
	}
	if !bytes.Equal(got.Bytes(), raw) {
		t.Errorf("Bytes() = %v, want %v", got.Bytes(), raw)
	}
}

func TestSevFirmwareErr(t *testing.T) {
	tests := []struct {
		status SevFirmwareStatus
		want   string
	}{
		{InvalidGuestState, "guest state is invalid"},
		{BadMeasurement, "measurement mismatch"},
		{SecureDataInvalid, "integrity checks"},
		{SevFirmwareStatus(0x99), "unexpected firmware status (see SEV API spec): 99"},
	}
	for _, tc := range tests {
		if got := (SevFirmwareErr{Status: tc.status}).Error(); !strings.Contains(got, tc.want) {
			t.Errorf("SevFirmwareErr{%d}.Error() = %q, want %q", tc.status, got, tc.want)
		}
	}
}

func TestCommandString(t *testing.T) {
	if got := CmdLaunchMeasure.String(); got != "LAUNCH_MEASURE" {
		t.Errorf("CmdLaunchMeasure.String() = %q", got)
	}
	if got := Command(42).String(); got != "Command(42)" {
		t.Errorf("Command(42).String() = %q", got)
	}
}
