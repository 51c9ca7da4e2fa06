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

// SevFirmwareStatus is the type of all AMD-SP firmware status codes, as documented in the SEV API
// https://www.amd.com/system/files/TechDocs/55766_SEV-KM_API_Specification.pdf
type SevFirmwareStatus uint32

const (
	// Success denotes successful completion of a firmware command.
	Success SevFirmwareStatus = iota
	// InvalidPlatformState is the code for the platform to be in the wrong state for a given command.
	InvalidPlatformState
	// InvalidGuestState is the code for the guest to be in the wrong state for a given command.
	InvalidGuestState
	// InvalidConfig is the code for a platform configuration that does not permit the command.
	InvalidConfig
	// InvalidLength is the code for a provided buffer size is too small to complete the command.
	InvalidLength
	// AlreadyOwned is the code for a platform that is already owned.
	AlreadyOwned
	// InvalidCertificate is the code for a certificate that failed validation.
	InvalidCertificate
	// PolicyFailure is the code for when the guest policy disallows the command.
	PolicyFailure
	// Inactive is the code for when a command is sent for a guest, but the guest is inactive.
	Inactive
	// InvalidAddress is the code for when a provided address is invalid.
	InvalidAddress
	// BadSignature is the code for a signature that did not verify.
	BadSignature
	// BadMeasurement is the code for a measurement that did not match.
	BadMeasurement
	// Kernel error, unexpected.
	asidOwned
	// Kernel error, unexpected.
	invalidAsid
	// Kernel error, unexpected.
	wbinvdRequired
	// Kernel error, unexpected.
	dfFlushRequired
	// Kernel error, unexpected.
	invalidGuest
	// InvalidCommand is the code for when the command code is invalid.
	InvalidCommand
	// Kernel error, unexpected.
	active
	// HwErrorPlatform is the code for when the hardware failed but it's okay to update its buffers.
	HwErrorPlatform
	// HwErrorUnsafe is the code for when the hardware failed and it's unsafe to update its buffers.
	HwErrorUnsafe
	// Unsupported is for an unsupported feature.
	Unsupported
	// InvalidParam is the code for an invalid parameter in a command.
	InvalidParam
	// ResourceLimit is the code for when the firmware has reached a resource limit and can't complete the command.
	ResourceLimit
	// SecureDataInvalid is the code for when a hardware integrity check has failed.
	SecureDataInvalid
)

// SevFirmwareErr is an error that interprets firmware status codes from the AMD secure processor.
type SevFirmwareErr struct {
	error
	Status SevFirmwareStatus
}

func (e SevFirmwareErr) Error() string {
	switch e.Status {
	case Success:
		return "success"
	case InvalidPlatformState:
		return "platform state is invalid for this command"
	case InvalidGuestState:
		return "guest state is invalid for this command"
	case InvalidConfig:
		return "platform configuration is invalid"
	case InvalidLength:
		return "memory buffer is too small"
	case AlreadyOwned:
		return "platform is already owned"
	case InvalidCertificate:
		return "certificate is invalid"
	case PolicyFailure:
		return "request is not allowed by guest policy"
	case Inactive:
		return "guest is inactive"
	case InvalidAddress:
		return "address provided is invalid (library bug, please report)"
	case BadSignature:
		return "signature is invalid"
	case BadMeasurement:
		return "measurement mismatch"
	case InvalidCommand:
		return "invalid command (library bug, please report)"
	case HwErrorPlatform:
		return "hardware condition has occurred affecting the platform (report to sysadmin)"
	case HwErrorUnsafe:
		return "hardware condition has occurred affecting the platform. Buffers unsafe (report to sysadmin)"
	case Unsupported:
		return "unsupported feature"
	case InvalidParam:
		return "invalid parameter (library bug, please report)"
	case ResourceLimit:
		return "SEV firmware has run out of resources necessary to complete the command"
	case SecureDataInvalid:
		return "part-specific SEV data failed integrity checks (report to sysadmin)"
	}
	return fmt.Sprintf("unexpected firmware status (see SEV API spec): %x", uint32(e.Status))
}
