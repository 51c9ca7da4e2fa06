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

package linuxabi

import (
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// bind pins the record and everything it references, writes the referenced addresses into the
// address fields and returns the record's own address. The pins must outlive the ioctl.
func (d *Descriptor) bind(p *runtime.Pinner) uintptr {
	for _, r := range d.refs {
		var addr uintptr
		switch {
		case r.record != nil:
			addr = r.record.bind(p)
		case len(r.buf) != 0:
			p.Pin(&r.buf[0])
			addr = uintptr(unsafe.Pointer(&r.buf[0]))
		}
		d.PutUint64(r.addrOffset, uint64(addr))
	}
	p.Pin(&d.raw[0])
	return uintptr(unsafe.Pointer(&d.raw[0]))
}

func ioctl(fd int, request uintptr, record *Descriptor) (uintptr, unix.Errno) {
	var pinner runtime.Pinner
	defer pinner.Unpin()
	defer record.clearAddresses()
	addr := record.bind(&pinner)
	result, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), request, addr)
	return result, errno
}

// EncryptOp issues KVM_MEMORY_ENCRYPT_OP on a VM file descriptor. On return cmd.Error holds the
// firmware status.
func EncryptOp(vmFD int, cmd *SevCmd) (uintptr, error) {
	record := cmd.record()
	result, errno := ioctl(vmFD, IocKvmMemoryEncryptOp, record)
	cmd.Error = record.Uint32(kvmSevCmdErrorOffset)
	if errno != 0 {
		return 0, errno
	}
	return result, nil
}

// RegisterRegion issues KVM_MEMORY_ENCRYPT_REG_REGION on a VM file descriptor.
func RegisterRegion(vmFD int, region *EncRegion) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(vmFD), IocKvmMemoryEncryptRegRegion, uintptr(unsafe.Pointer(region)))
	if errno != 0 {
		return errno
	}
	return nil
}

// IssueCmd issues SEV_ISSUE_CMD on the /dev/sev file descriptor. On return cmd.Error holds the
// firmware status.
func IssueCmd(sevFD int, cmd *SevIssueCmd) (uintptr, error) {
	record := cmd.record()
	result, errno := ioctl(sevFD, IocSevIssueCmd, record)
	cmd.Error = record.Uint32(sevIssueCmdErrorOffset)
	if errno != 0 {
		return 0, errno
	}
	return result, nil
}
