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

package kvm_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-sev-launch/abi"
	"github.com/google/go-sev-launch/kvm"
	labi "github.com/google/go-sev-launch/linuxabi"
	test "github.com/google/go-sev-launch/testing"
)

func TestIssue(t *testing.T) {
	vm := &test.VM{Handle: 42}
	data := labi.LaunchStart(abi.DefaultPolicy(), make([]byte, abi.SevCertSize), make([]byte, abi.SessionSize))
	if err := kvm.Issue(vm, 5, abi.CmdLaunchStart, data); err != nil {
		t.Fatalf("Issue(LAUNCH_START) = %v", err)
	}
	if got := labi.LaunchStartHandle(data); got != 42 {
		t.Errorf("LAUNCH_START handle = %d, want 42", got)
	}
	if diff := cmp.Diff([]uint32{5}, vm.SevFDs); diff != "" {
		t.Errorf("sev_fd differs (-want +got): %s", diff)
	}
	if vm.Start.Policy != abi.DefaultPolicy() {
		t.Errorf("LAUNCH_START policy = %v, want %v", vm.Start.Policy, abi.DefaultPolicy())
	}
}

func TestIssueFirmwareError(t *testing.T) {
	vm := &test.VM{FailOn: map[abi.Command]abi.SevFirmwareStatus{abi.CmdLaunchFinish: abi.InvalidGuestState}}
	err := kvm.Issue(vm, 5, abi.CmdLaunchFinish, nil)
	var cerr *kvm.CommandError
	if !errors.As(err, &cerr) || cerr.Command != abi.CmdLaunchFinish {
		t.Fatalf("Issue() = %v, want a LAUNCH_FINISH CommandError", err)
	}
	var fwErr abi.SevFirmwareErr
	if !errors.As(err, &fwErr) || fwErr.Status != abi.InvalidGuestState {
		t.Errorf("Issue() = %v, want firmware status %v", err, abi.InvalidGuestState)
	}
	if !strings.HasPrefix(err.Error(), "LAUNCH_FINISH failed") {
		t.Errorf("Issue() error %q does not name the command", err.Error())
	}
}

func TestIssueUnknownCommand(t *testing.T) {
	vm := &test.VM{}
	if err := kvm.Issue(vm, 5, abi.CmdUnknown, nil); err == nil {
		t.Error("Issue(unknown) succeeded")
	}
	if len(vm.Commands) != 0 {
		t.Errorf("unknown command reached the VM: %v", vm.Commands)
	}
}

func TestRegisterRegion(t *testing.T) {
	vm := &test.VM{}
	if err := kvm.RegisterRegion(vm, 0x7f0000000000, 0x1000); err != nil {
		t.Fatalf("RegisterRegion() = %v", err)
	}
	want := []labi.EncRegion{{Addr: 0x7f0000000000, Size: 0x1000}}
	if diff := cmp.Diff(want, vm.Regions); diff != "" {
		t.Errorf("registered regions differ (-want +got): %s", diff)
	}

	vm.FailOn = map[abi.Command]abi.SevFirmwareStatus{abi.CmdRegisterRegion: 0}
	err := kvm.RegisterRegion(vm, 0, 0x1000)
	var cerr *kvm.CommandError
	if !errors.As(err, &cerr) || cerr.Command != abi.CmdRegisterRegion {
		t.Errorf("RegisterRegion() = %v, want a CommandError", err)
	}
}
