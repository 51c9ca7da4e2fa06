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

// Package testing provides fakes of the SEV platform device, a KVM virtual machine, AMD's
// certificate services and a key broker.
package testing

import (
	"fmt"

	"github.com/google/go-sev-launch/abi"
	labi "github.com/google/go-sev-launch/linuxabi"
	"github.com/pkg/errors"
)

var errIO = errors.New("input/output error")

// Device represents a /dev/sev driver implementation with pre-programmed platform state.
type Device struct {
	isOpen bool
	// Status is returned by PLATFORM_STATUS.
	Status *abi.PlatformStatus
	// PDH, PEK, OCA and CEK are returned by PDH_CERT_EXPORT.
	PDH, PEK, OCA, CEK []byte
	// ID is returned by GET_ID2.
	ID []byte
	// FwErr makes the SEV_ISSUE_CMD command with the given id fail with the given status.
	FwErr map[uint32]abi.SevFirmwareStatus
	// Fd is reported as the device's file descriptor.
	Fd uint32
	// Commands lists the SEV_ISSUE_CMD command ids in issue order.
	Commands []uint32
}

// Open changes the mock device's state to open.
func (d *Device) Open(path string) error {
	if d.isOpen {
		return errors.New("device already open")
	}
	d.isOpen = true
	return nil
}

// Close changes the mock device's state to closed.
func (d *Device) Close() error {
	if !d.isOpen {
		return errors.New("device already closed")
	}
	d.isOpen = false
	return nil
}

// FD returns the configured file descriptor.
func (d *Device) FD() uint32 {
	return d.Fd
}

func (d *Device) platformStatus(data *labi.Descriptor) error {
	if d.Status == nil {
		return fmt.Errorf("test error: no platform status")
	}
	copy(data.Bytes(), d.Status.Bytes())
	return nil
}

func (d *Device) pdhCertExport(req *labi.SevIssueCmd) error {
	pdh, chain := labi.PdhCertExportBuffers(req.Data)
	want := len(d.PEK) + len(d.OCA) + len(d.CEK)
	if len(pdh) < len(d.PDH) || len(chain) < want {
		req.Error = uint32(abi.InvalidLength)
		return errIO
	}
	copy(pdh, d.PDH)
	copy(chain, d.PEK)
	copy(chain[len(d.PEK):], d.OCA)
	copy(chain[len(d.PEK)+len(d.OCA):], d.CEK)
	return nil
}

func (d *Device) getID2(req *labi.SevIssueCmd) error {
	out := labi.GetID2Buffer(req.Data)
	if len(out) < len(d.ID) {
		labi.SetGetID2Length(req.Data, uint32(len(d.ID)))
		req.Error = uint32(abi.InvalidLength)
		return errIO
	}
	copy(out, d.ID)
	labi.SetGetID2Length(req.Data, uint32(len(d.ID)))
	return nil
}

// Ioctl mocks SEV_ISSUE_CMD with the device's pre-programmed state.
func (d *Device) Ioctl(command uintptr, req any) (uintptr, error) {
	sreq, ok := req.(*labi.SevIssueCmd)
	if !ok {
		return 0, fmt.Errorf("unexpected request: %v", req)
	}
	if command != labi.IocSevIssueCmd {
		return 0, fmt.Errorf("invalid command 0x%x", command)
	}
	d.Commands = append(d.Commands, sreq.Cmd)
	if status, ok := d.FwErr[sreq.Cmd]; ok {
		sreq.Error = uint32(status)
		return 0, errIO
	}
	var err error
	switch sreq.Cmd {
	case labi.SevPlatformStatus:
		err = d.platformStatus(sreq.Data)
	case labi.SevPdhCertExport:
		err = d.pdhCertExport(sreq)
	case labi.SevGetID2:
		err = d.getID2(sreq)
	default:
		sreq.Error = uint32(abi.InvalidCommand)
		err = errIO
	}
	return 0, err
}
