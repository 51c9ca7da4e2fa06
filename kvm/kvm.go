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

// Package kvm issues SEV guest launch commands to a KVM virtual machine.
package kvm

import (
	"fmt"

	"github.com/google/go-sev-launch/abi"
	labi "github.com/google/go-sev-launch/linuxabi"
)

// VM is a KVM virtual machine file descriptor that accepts memory encryption commands.
type VM interface {
	Ioctl(command uintptr, argument any) (uintptr, error)
}

// CommandError is the failure of a single launch command.
type CommandError struct {
	Command abi.Command
	// Err is an abi.SevFirmwareErr when the firmware reported a status, else the kernel error.
	Err error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%v failed: %v", e.Command, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Issue sends a KVM_MEMORY_ENCRYPT_OP command. sevFD is the /dev/sev file descriptor and data is
// the command's record, or nil for commands without one.
func Issue(vm VM, sevFD uint32, cmd abi.Command, data *labi.Descriptor) error {
	id, err := labi.SevCommandID(cmd)
	if err != nil {
		return &CommandError{Command: cmd, Err: err}
	}
	req := &labi.SevCmd{ID: id, Data: data, SevFD: sevFD}
	_, err = vm.Ioctl(labi.IocKvmMemoryEncryptOp, req)
	if req.Error != 0 {
		return &CommandError{Command: cmd, Err: abi.SevFirmwareErr{Status: abi.SevFirmwareStatus(req.Error)}}
	}
	if err != nil {
		return &CommandError{Command: cmd, Err: err}
	}
	return nil
}

// RegisterRegion marks the host memory range [addr, addr+size) as encrypted guest memory.
func RegisterRegion(vm VM, addr, size uint64) error {
	if _, err := vm.Ioctl(labi.IocKvmMemoryEncryptRegRegion, &labi.EncRegion{Addr: addr, Size: size}); err != nil {
		return &CommandError{Command: abi.CmdRegisterRegion, Err: err}
	}
	return nil
}
