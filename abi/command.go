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

import "fmt"

// Command names a hypervisor operation of the SEV launch flow. Wire encodings live with the
// kernel interface that carries them.
type Command int

const (
	// CmdUnknown is the zero value and never issued.
	CmdUnknown Command = iota
	// CmdInit initializes the platform for an SEV guest.
	CmdInit
	// CmdEsInit initializes the platform for an SEV-ES guest.
	CmdEsInit
	// CmdRegisterRegion registers a guest memory region as encrypted.
	CmdRegisterRegion
	// CmdLaunchStart creates the guest's launch context.
	CmdLaunchStart
	// CmdLaunchUpdateData encrypts a region of guest memory in place.
	CmdLaunchUpdateData
	// CmdLaunchUpdateVmsa encrypts the vCPU save areas.
	CmdLaunchUpdateVmsa
	// CmdLaunchMeasure returns the launch measurement.
	CmdLaunchMeasure
	// CmdLaunchSecret injects a secret into guest memory.
	CmdLaunchSecret
	// CmdLaunchFinish completes the launch. Nothing may follow it.
	CmdLaunchFinish
)

var commandNames = map[Command]string{
	CmdInit:             "INIT",
	CmdEsInit:           "ES_INIT",
	CmdRegisterRegion:   "REGISTER_REGION",
	CmdLaunchStart:      "LAUNCH_START",
	CmdLaunchUpdateData: "LAUNCH_UPDATE_DATA",
	CmdLaunchUpdateVmsa: "LAUNCH_UPDATE_VMSA",
	CmdLaunchMeasure:    "LAUNCH_MEASURE",
	CmdLaunchSecret:     "LAUNCH_SECRET",
	CmdLaunchFinish:     "LAUNCH_FINISH",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Command(%d)", int(c))
}
