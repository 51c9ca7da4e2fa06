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

//go:build linux

package kvm

import (
	"fmt"

	labi "github.com/google/go-sev-launch/linuxabi"
)

// LinuxVM implements the VM interface on a VM file descriptor that the VMM owns.
type LinuxVM struct {
	fd int
}

// NewLinuxVM wraps a VM file descriptor. The descriptor is not closed by this package.
func NewLinuxVM(fd int) *LinuxVM {
	return &LinuxVM{fd: fd}
}

// Ioctl sends a memory encryption command to the VM.
func (v *LinuxVM) Ioctl(command uintptr, req any) (uintptr, error) {
	switch sreq := req.(type) {
	case *labi.SevCmd:
		return labi.EncryptOp(v.fd, sreq)
	case *labi.EncRegion:
		return 0, labi.RegisterRegion(v.fd, sreq)
	}
	return 0, fmt.Errorf("unexpected request value: %v", req)
}
