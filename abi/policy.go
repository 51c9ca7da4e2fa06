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

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Policy is the 32-bit SEV guest policy given to LAUNCH_START.
//
// Bits 0-5 are flags, bits 16-23 and 24-31 are the minimum firmware API major and minor version.
type Policy uint32

const (
	// PolicyNoDebug disallows debugging of the guest.
	PolicyNoDebug Policy = 1 << 0
	// PolicyNoKeySharing disallows sharing keys with other guests.
	PolicyNoKeySharing Policy = 1 << 1
	// PolicyEncryptedState requires SEV-ES, i.e., the guest register state is encrypted.
	PolicyEncryptedState Policy = 1 << 2
	// PolicyNoSend disallows sending the guest to another platform.
	PolicyNoSend Policy = 1 << 3
	// PolicyDomain restricts migration to the same domain.
	PolicyDomain Policy = 1 << 4
	// PolicySEV restricts migration to SEV-capable platforms.
	PolicySEV Policy = 1 << 5

	policyFlagsMask   = Policy(0x3f)
	policyReserved    = Policy(0xffc0) // bits 6-15
	policyMajorShift  = 16
	policyMinorShift  = 24
	policyVersionMask = 0xff
)

// DefaultPolicy returns the policy used when no remote party supplies one: no debugging and no key
// sharing, with no minimum firmware version.
func DefaultPolicy() Policy {
	return PolicyNoDebug | PolicyNoKeySharing
}

// EncryptedState returns whether the policy requires SEV-ES.
func (p Policy) EncryptedState() bool {
	return p&PolicyEncryptedState != 0
}

// MinFirmware returns the minimum firmware API version the policy permits.
func (p Policy) MinFirmware() Version {
	return Version{
		Major: uint8((uint32(p) >> policyMajorShift) & policyVersionMask),
		Minor: uint8((uint32(p) >> policyMinorShift) & policyVersionMask),
	}
}

// WithMinFirmware returns p with its minimum firmware version fields replaced.
func (p Policy) WithMinFirmware(v Version) Policy {
	p &= policyFlagsMask | policyReserved
	return p | Policy(uint32(v.Major)<<policyMajorShift) | Policy(uint32(v.Minor)<<policyMinorShift)
}

// Validate returns an error if reserved policy bits are set.
func (p Policy) Validate() error {
	if p&policyReserved != 0 {
		return fmt.Errorf("malformed guest policy 0x%08x: reserved bits 6-15 are not zero", uint32(p))
	}
	return nil
}

// Bytes returns the little-endian encoding of the policy as the firmware reads it.
func (p Policy) Bytes() []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(p))
	return b[:]
}

func (p Policy) String() string {
	var flags []string
	names := []struct {
		bit  Policy
		name string
	}{
		{PolicyNoDebug, "NODBG"},
		{PolicyNoKeySharing, "NOKS"},
		{PolicyEncryptedState, "ES"},
		{PolicyNoSend, "NOSEND"},
		{PolicyDomain, "DOMAIN"},
		{PolicySEV, "SEV"},
	}
	for _, n := range names {
		if p&n.bit != 0 {
			flags = append(flags, n.name)
		}
	}
	return fmt.Sprintf("{%s minfw=%s}", strings.Join(flags, "|"), p.MinFirmware())
}

// Version is an AMD-SP firmware API version.
type Version struct {
	Major uint8 `json:"major"`
	Minor uint8 `json:"minor"`
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}
