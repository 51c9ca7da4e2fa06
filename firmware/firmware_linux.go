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

package firmware

import (
	"fmt"

	labi "github.com/google/go-sev-launch/linuxabi"
	"golang.org/x/sys/unix"
)

// LinuxDevice implements the Device interface with Linux ioctls.
type LinuxDevice struct {
	fd int
}

// Options provides flexible configuration to how this library will interact with the SEV
// platform device.
type Options struct {
	// DevicePath is the path to the PSP driver device. If empty, defaults to "/dev/sev".
	DevicePath string
}

// Open opens the SEV platform device from a given path.
func (d *LinuxDevice) Open(path string) error {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		d.fd = -1
		return fmt.Errorf("could not open AMD SEV platform device at %s: %v", path, err)
	}
	d.fd = fd
	return nil
}

// OpenDevice opens the SEV platform device.
func OpenDevice(opts *Options) (*LinuxDevice, error) {
	path := DefaultDevicePath
	if opts != nil && opts.DevicePath != "" {
		path = opts.DevicePath
	}
	result := &LinuxDevice{}
	if err := result.Open(path); err != nil {
		return nil, err
	}
	return result, nil
}

// Close closes the SEV platform device.
func (d *LinuxDevice) Close() error {
	if d.fd == -1 { // Not open
		return nil
	}
	if err := unix.Close(d.fd); err != nil {
		return err
	}
	// Prevent double-close.
	d.fd = -1
	return nil
}

// FD returns the open file descriptor.
func (d *LinuxDevice) FD() uint32 {
	return uint32(d.fd)
}

// Ioctl sends a command with its wrapped request and response values to the Linux device.
func (d *LinuxDevice) Ioctl(command uintptr, req any) (uintptr, error) {
	switch sreq := req.(type) {
	case *labi.SevIssueCmd:
		if command != labi.IocSevIssueCmd {
			return 0, fmt.Errorf("unexpected command 0x%x for SEV_ISSUE_CMD request", command)
		}
		return labi.IssueCmd(d.fd, sreq)
	}
	return 0, fmt.Errorf("unexpected request value: %v", req)
}
