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
	"bytes"
	"fmt"

	"github.com/google/go-sev-launch/abi"
	labi "github.com/google/go-sev-launch/linuxabi"
)

// LaunchStart is what the fake VM received in LAUNCH_START.
type LaunchStart struct {
	Policy  abi.Policy
	Cert    []byte
	Session []byte
}

// LaunchSecret is what the fake VM received in LAUNCH_SECRET.
type LaunchSecret struct {
	Header     []byte
	GuestAddr  uint64
	Ciphertext []byte
}

// VM is a KVM virtual machine that records the launch commands it receives.
type VM struct {
	// Measurement is written into the LAUNCH_MEASURE output.
	Measurement abi.Measurement
	// Handle is returned by LAUNCH_START.
	Handle uint32
	// FailOn makes a command fail with the given firmware status.
	FailOn map[abi.Command]abi.SevFirmwareStatus

	// Commands lists every command received, in order.
	Commands []abi.Command
	// SevFDs lists the sev_fd of every KVM_MEMORY_ENCRYPT_OP command.
	SevFDs []uint32
	// Regions lists the registered encrypted regions.
	Regions []labi.EncRegion
	// Updates lists the host ranges given to LAUNCH_UPDATE_DATA.
	Updates []labi.EncRegion
	// Start is the last LAUNCH_START.
	Start *LaunchStart
	// Secret is the last LAUNCH_SECRET.
	Secret *LaunchSecret
}

// Count returns how many times cmd was received.
func (v *VM) Count(cmd abi.Command) int {
	n := 0
	for _, c := range v.Commands {
		if c == cmd {
			n++
		}
	}
	return n
}

func (v *VM) encryptOp(req *labi.SevCmd) (uintptr, error) {
	cmd, err := labi.SevCommandFromID(req.ID)
	if err != nil {
		return 0, err
	}
	v.Commands = append(v.Commands, cmd)
	v.SevFDs = append(v.SevFDs, req.SevFD)
	if status, ok := v.FailOn[cmd]; ok {
		req.Error = uint32(status)
		return 0, errIO
	}
	switch cmd {
	case abi.CmdLaunchStart:
		policy, cert, session := labi.LaunchStartFields(req.Data)
		v.Start = &LaunchStart{Policy: policy, Cert: bytes.Clone(cert), Session: bytes.Clone(session)}
		labi.SetLaunchStartHandle(req.Data, v.Handle)
	case abi.CmdLaunchUpdateData:
		addr, size := labi.LaunchUpdateDataFields(req.Data)
		v.Updates = append(v.Updates, labi.EncRegion{Addr: addr, Size: uint64(size)})
	case abi.CmdLaunchMeasure:
		out := labi.LaunchMeasureBuffer(req.Data)
		if len(out) < abi.MeasurementSize {
			req.Error = uint32(abi.InvalidLength)
			return 0, errIO
		}
		copy(out, v.Measurement.Bytes())
	case abi.CmdLaunchSecret:
		header, guest, ciphertext := labi.LaunchSecretFields(req.Data)
		v.Secret = &LaunchSecret{Header: bytes.Clone(header), GuestAddr: guest, Ciphertext: bytes.Clone(ciphertext)}
	}
	return 0, nil
}

// Ioctl mocks the KVM memory encryption ioctls.
func (v *VM) Ioctl(command uintptr, req any) (uintptr, error) {
	switch sreq := req.(type) {
	case *labi.SevCmd:
		if command != labi.IocKvmMemoryEncryptOp {
			return 0, fmt.Errorf("invalid command 0x%x", command)
		}
		return v.encryptOp(sreq)
	case *labi.EncRegion:
		if command != labi.IocKvmMemoryEncryptRegRegion {
			return 0, fmt.Errorf("invalid command 0x%x", command)
		}
		v.Commands = append(v.Commands, abi.CmdRegisterRegion)
		if _, ok := v.FailOn[abi.CmdRegisterRegion]; ok {
			return 0, errIO
		}
		v.Regions = append(v.Regions, *sreq)
		return 0, nil
	}
	return 0, fmt.Errorf("unexpected request: %v", req)
}
