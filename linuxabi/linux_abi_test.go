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

package linuxabi

import (
	"bytes"
	"testing"

	"github.com/google/go-sev-launch/abi"
)

func TestIoctlNumbers(t *testing.T) {
	tests := []struct {
		name string
		got  uint64
		want uint64
	}{
		{"KVM_MEMORY_ENCRYPT_OP", IocKvmMemoryEncryptOp, 0xC008AEBA},
		{"KVM_MEMORY_ENCRYPT_REG_REGION", IocKvmMemoryEncryptRegRegion, 0x8010AEBB},
		{"SEV_ISSUE_CMD", IocSevIssueCmd, 0xC0105300},
	}
	for _, tc := range tests {
		if tc.got != tc.want {
			t.Errorf("%s = 0x%x, want 0x%x", tc.name, tc.got, tc.want)
		}
	}
}

func TestSevCommandIDs(t *testing.T) {
	want := map[abi.Command]uint32{
		abi.CmdInit:             0,
		abi.CmdEsInit:           1,
		abi.CmdLaunchStart:      2,
		abi.CmdLaunchUpdateData: 3,
		abi.CmdLaunchUpdateVmsa: 4,
		abi.CmdLaunchSecret:     5,
		abi.CmdLaunchMeasure:    6,
		abi.CmdLaunchFinish:     7,
	}
	for cmd, id := range want {
		got, err := SevCommandID(cmd)
		if err != nil || got != id {
			t.Errorf("SevCommandID(%v) = %d, %v, want %d", cmd, got, err, id)
		}
		back, err := SevCommandFromID(id)
		if err != nil || back != cmd {
			t.Errorf("SevCommandFromID(%d) = %v, %v, want %v", id, back, err, cmd)
		}
	}
	if _, err := SevCommandID(abi.CmdRegisterRegion); err == nil {
		t.Error("SevCommandID(REGISTER_REGION) = nil error, want error")
	}
	if _, err := SevCommandFromID(42); err == nil {
		t.Error("SevCommandFromID(42) = nil error, want error")
	}
}

func TestLaunchStartRecord(t *testing.T) {
	cert := make([]byte, abi.SevCertSize)
	session := make([]byte, abi.SessionSize)
	d := LaunchStart(abi.DefaultPolicy(), cert, session)
	if d.Size() != 40 {
		t.Errorf("launch start record is %d bytes, want 40", d.Size())
	}
	if got := d.Uint32(16); got != abi.SevCertSize {
		t.Errorf("dh_len = %d, want %d", got, abi.SevCertSize)
	}
	if got := d.Uint32(32); got != abi.SessionSize {
		t.Errorf("session_len = %d, want %d", got, abi.SessionSize)
	}
	policy, gotCert, gotSession := LaunchStartFields(d)
	if policy != abi.DefaultPolicy() || len(gotCert) != len(cert) || len(gotSession) != len(session) {
		t.Errorf("LaunchStartFields() = %v, %d, %d", policy, len(gotCert), len(gotSession))
	}
	SetLaunchStartHandle(d, 7)
	if LaunchStartHandle(d) != 7 {
		t.Errorf("LaunchStartHandle() = %d, want 7", LaunchStartHandle(d))
	}
}

func TestLaunchSecretRecord(t *testing.T) {
	header := make([]byte, abi.SecretHeaderSize)
	ciphertext := []byte("secret!!")
	d := LaunchSecret(header, 0x7f0000020000, ciphertext)
	if d.Size() != 48 {
		t.Errorf("launch secret record is %d bytes, want 48", d.Size())
	}
	if d.Uint32(8) != abi.SecretHeaderSize || d.Uint32(24) != 8 || d.Uint32(40) != 8 {
		t.Errorf("secret record lengths = %d, %d, %d", d.Uint32(8), d.Uint32(24), d.Uint32(40))
	}
	gotHeader, guest, gotCiphertext := LaunchSecretFields(d)
	if guest != 0x7f0000020000 || !bytes.Equal(gotCiphertext, ciphertext) || len(gotHeader) != abi.SecretHeaderSize {
		t.Errorf("LaunchSecretFields() = %v, 0x%x, %q", gotHeader, guest, gotCiphertext)
	}
}

func TestCommandRecords(t *testing.T) {
	data := LaunchMeasure(make([]byte, abi.MeasurementSize))
	cmd := &SevCmd{ID: 6, Data: data, SevFD: 9}
	rec := cmd.record()
	if rec.Size() != 24 || rec.Uint32(0) != 6 || rec.Uint32(20) != 9 {
		t.Errorf("kvm_sev_cmd = %v, want id 6 and sev_fd 9", rec.Bytes())
	}
	if rec.Record(8) != data {
		t.Error("kvm_sev_cmd data does not reference the measure record")
	}
	if got := len(LaunchMeasureBuffer(rec.Record(8))); got != abi.MeasurementSize {
		t.Errorf("measure buffer is %d bytes, want %d", got, abi.MeasurementSize)
	}

	issue := &SevIssueCmd{Cmd: SevGetID2, Data: GetID2(nil)}
	irec := issue.record()
	if irec.Size() != 16 || irec.Uint32(0) != SevGetID2 {
		t.Errorf("sev_issue_cmd = %v, want cmd %d", irec.Bytes(), SevGetID2)
	}
	if GetID2Length(irec.Record(4)) != 0 {
		t.Errorf("GET_ID2 length query has length %d, want 0", GetID2Length(irec.Record(4)))
	}
}

func TestPdhCertExportRecord(t *testing.T) {
	pdh := make([]byte, abi.SevCertSize)
	chain := make([]byte, 3*abi.SevCertSize)
	d := PdhCertExport(pdh, chain)
	if d.Size() != 24 || d.Uint32(8) != abi.SevCertSize || d.Uint32(20) != 3*abi.SevCertSize {
		t.Errorf("pdh_cert_export = %v", d.Bytes())
	}
	gotPdh, gotChain := PdhCertExportBuffers(d)
	gotPdh[0] = 1
	gotChain[0] = 2
	if pdh[0] != 1 || chain[0] != 2 {
		t.Error("PdhCertExportBuffers() does not alias the output buffers")
	}
}
