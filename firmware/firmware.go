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

// Package firmware provides an interface to the AMD secure processor's platform commands through
// the host's /dev/sev device.
package firmware

import (
	"fmt"

	"github.com/google/go-sev-launch/abi"
	labi "github.com/google/go-sev-launch/linuxabi"
	"github.com/pkg/errors"
)

// DefaultDevicePath is the PSP driver's device node.
const DefaultDevicePath = "/dev/sev"

// Device encapsulates the possible commands to the AMD SEV platform device.
type Device interface {
	Open(path string) error
	Close() error
	Ioctl(command uintptr, argument any) (uintptr, error)
	// FD returns the file descriptor that KVM names as sev_fd in guest launch commands.
	FD() uint32
}

// Certificates are the platform-owned certificates exported by PDH_CERT_EXPORT.
type Certificates struct {
	PDH []byte
	PEK []byte
	OCA []byte
	CEK []byte
}

func message(d Device, req *labi.SevIssueCmd) error {
	_, err := d.Ioctl(labi.IocSevIssueCmd, req)
	if req.Error != 0 {
		return abi.SevFirmwareErr{Status: abi.SevFirmwareStatus(req.Error)}
	}
	return err
}

// PlatformStatus returns the platform's firmware version, state and capabilities.
func PlatformStatus(d Device) (*abi.PlatformStatus, error) {
	data := labi.PlatformStatus()
	if err := message(d, &labi.SevIssueCmd{Cmd: labi.SevPlatformStatus, Data: data}); err != nil {
		return nil, fmt.Errorf("PLATFORM_STATUS: %w", err)
	}
	return abi.ParsePlatformStatus(data.Bytes())
}

// ExportPDH returns the platform Diffie-Hellman key certificate and the PEK, OCA and CEK
// certificates that sign it.
func ExportPDH(d Device) (*Certificates, error) {
	pdh := make([]byte, abi.SevCertSize)
	chain := make([]byte, 3*abi.SevCertSize)
	req := &labi.SevIssueCmd{Cmd: labi.SevPdhCertExport, Data: labi.PdhCertExport(pdh, chain)}
	if err := message(d, req); err != nil {
		return nil, fmt.Errorf("PDH_CERT_EXPORT: %w", err)
	}
	return &Certificates{
		PDH: pdh,
		PEK: chain[:abi.SevCertSize],
		OCA: chain[abi.SevCertSize : 2*abi.SevCertSize],
		CEK: chain[2*abi.SevCertSize:],
	}, nil
}

// getIDIn issues GET_ID2 with out as the destination. If out is empty, this function returns the
// length the firmware requires.
func getIDIn(d Device, out []byte) (uint32, error) {
	data := labi.GetID2(out)
	if err := message(d, &labi.SevIssueCmd{Cmd: labi.SevGetID2, Data: data}); err != nil {
		var fwErr abi.SevFirmwareErr
		if len(out) == 0 && errors.As(err, &fwErr) && fwErr.Status == abi.InvalidLength {
			return labi.GetID2Length(data), nil
		}
		return 0, err
	}
	return labi.GetID2Length(data), nil
}

// GetIdentifier returns the unique identifier of the platform's chip, which names its CEK at the
// AMD key distribution service.
func GetIdentifier(d Device) ([]byte, error) {
	length, err := getIDIn(d, nil)
	if err != nil {
		return nil, fmt.Errorf("GET_ID2 length query: %w", err)
	}
	if length == 0 {
		length = abi.IDSize
	}
	id := make([]byte, length)
	if _, err := getIDIn(d, id); err != nil {
		return nil, fmt.Errorf("GET_ID2: %w", err)
	}
	return id, nil
}
