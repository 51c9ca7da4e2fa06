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

// Package linuxabi describes the KVM and /dev/sev ioctl command ABI used to launch SEV guests.
package linuxabi

import (
	"fmt"

	"github.com/google/go-sev-launch/abi"
)

// ioctl bits for x86-64
const (
	iocNrbits    = 8
	iocTypebits  = 8
	iocSizebits  = 14
	iocNrshift   = 0
	iocTypeshift = (iocNrshift + iocNrbits)
	iocSizeshift = (iocTypeshift + iocTypebits)
	iocDirshift  = (iocSizeshift + iocSizebits)
	iocWrite     = 1
	iocRead      = 2

	iocTypeKvm = 0xAE
	iocTypePsp = 'S'

	// IocKvmMemoryEncryptOp is KVM_MEMORY_ENCRYPT_OP on a VM fd. The argument is a kvm_sev_cmd.
	IocKvmMemoryEncryptOp = ((iocWrite | iocRead) << iocDirshift) |
		(iocTypeKvm << iocTypeshift) |
		// sizeof(unsigned long)
		(8 << iocSizeshift) |
		(0xba << iocNrshift)

	// IocKvmMemoryEncryptRegRegion is KVM_MEMORY_ENCRYPT_REG_REGION on a VM fd.
	IocKvmMemoryEncryptRegRegion = (iocRead << iocDirshift) |
		(iocTypeKvm << iocTypeshift) |
		// sizeof(struct kvm_enc_region)
		(16 << iocSizeshift) |
		(0xbb << iocNrshift)

	// IocSevIssueCmd is SEV_ISSUE_CMD on /dev/sev. The argument is a packed sev_issue_cmd.
	IocSevIssueCmd = ((iocWrite | iocRead) << iocDirshift) |
		(iocTypePsp << iocTypeshift) |
		(sevIssueCmdSize << iocSizeshift) |
		(0x0 << iocNrshift)
)

// PSP driver command ids for SEV_ISSUE_CMD, see include/uapi/linux/psp-sev.h.
const (
	SevPlatformStatus uint32 = 1
	SevPdhCertExport  uint32 = 5
	SevGetID2         uint32 = 8
)

// struct kvm_sev_cmd
const (
	kvmSevCmdSize        = 24
	kvmSevCmdIDOffset    = 0
	kvmSevCmdDataOffset  = 8
	kvmSevCmdErrorOffset = 16
	kvmSevCmdSevFDOffset = 20
)

// struct sev_issue_cmd, packed
const (
	sevIssueCmdSize        = 16
	sevIssueCmdCmdOffset   = 0
	sevIssueCmdDataOffset  = 4
	sevIssueCmdErrorOffset = 12
)

// struct kvm_sev_launch_start
const (
	launchStartSize          = 40
	launchStartHandleOffset  = 0
	launchStartPolicyOffset  = 4
	launchStartDhAddrOffset  = 8
	launchStartDhLenOffset   = 16
	launchStartSessAddrOff   = 24
	launchStartSessLenOffset = 32
)

// struct kvm_sev_launch_update_data and struct kvm_sev_launch_measure share a layout.
const (
	addrLenSize       = 16
	addrLenAddrOffset = 0
	addrLenLenOffset  = 8
)

// struct kvm_sev_launch_secret
const (
	launchSecretSize            = 48
	launchSecretHdrAddrOffset   = 0
	launchSecretHdrLenOffset    = 8
	launchSecretGuestAddrOffset = 16
	launchSecretGuestLenOffset  = 24
	launchSecretTransAddrOffset = 32
	launchSecretTransLenOffset  = 40
)

// struct sev_user_data_pdh_cert_export and struct sev_user_data_get_id2, packed
const (
	pdhCertExportSize           = 24
	pdhCertExportPdhAddrOffset  = 0
	pdhCertExportPdhLenOffset   = 8
	pdhCertExportCertAddrOffset = 12
	pdhCertExportCertLenOffset  = 20

	getID2Size       = 12
	getID2AddrOffset = 0
	getID2LenOffset  = 8
)

var sevCommandIDs = map[abi.Command]uint32{
	abi.CmdInit:             0,
	abi.CmdEsInit:           1,
	abi.CmdLaunchStart:      2,
	abi.CmdLaunchUpdateData: 3,
	abi.CmdLaunchUpdateVmsa: 4,
	abi.CmdLaunchSecret:     5,
	abi.CmdLaunchMeasure:    6,
	abi.CmdLaunchFinish:     7,
}

// SevCommandID returns the KVM_SEV_* id for a launch command.
func SevCommandID(cmd abi.Command) (uint32, error) {
	id, ok := sevCommandIDs[cmd]
	if !ok {
		return 0, fmt.Errorf("%v is not a KVM_MEMORY_ENCRYPT_OP command", cmd)
	}
	return id, nil
}

// SevCommandFromID returns the launch command for a KVM_SEV_* id.
func SevCommandFromID(id uint32) (abi.Command, error) {
	for cmd, cmdID := range sevCommandIDs {
		if cmdID == id {
			return cmd, nil
		}
	}
	return abi.CmdUnknown, fmt.Errorf("unknown KVM_SEV command id %d", id)
}

// SevCmd is KVM's kvm_sev_cmd with its data pointer replaced by a Descriptor.
type SevCmd struct {
	ID uint32
	// Data is nil for commands that take no argument.
	Data *Descriptor
	// Error is the firmware status code on failure.
	Error uint32
	// SevFD is the file descriptor of /dev/sev.
	SevFD uint32
}

// record returns the packed kvm_sev_cmd.
func (c *SevCmd) record() *Descriptor {
	d := NewDescriptor(kvmSevCmdSize).
		PutUint32(kvmSevCmdIDOffset, c.ID).
		PutUint32(kvmSevCmdSevFDOffset, c.SevFD)
	if c.Data != nil {
		d.RefRecord(kvmSevCmdDataOffset, c.Data)
	}
	return d
}

// SevIssueCmd is the PSP driver's sev_issue_cmd with its data pointer replaced by a Descriptor.
type SevIssueCmd struct {
	Cmd   uint32
	Data  *Descriptor
	Error uint32
}

func (c *SevIssueCmd) record() *Descriptor {
	d := NewDescriptor(sevIssueCmdSize).PutUint32(sevIssueCmdCmdOffset, c.Cmd)
	if c.Data != nil {
		d.RefRecord(sevIssueCmdDataOffset, c.Data)
	}
	return d
}

// EncRegion is KVM's kvm_enc_region. Addr is a host virtual address of guest memory, so it is
// not a Go pointer.
type EncRegion struct {
	Addr uint64
	Size uint64
}

// LaunchStart returns the kvm_sev_launch_start record.
func LaunchStart(policy abi.Policy, dhCert, session []byte) *Descriptor {
	return NewDescriptor(launchStartSize).
		PutUint32(launchStartPolicyOffset, uint32(policy)).
		Ref(launchStartDhAddrOffset, launchStartDhLenOffset, dhCert).
		Ref(launchStartSessAddrOff, launchStartSessLenOffset, session)
}

// LaunchStartFields returns the policy, owner certificate and session of a launch start record.
func LaunchStartFields(d *Descriptor) (abi.Policy, []byte, []byte) {
	return abi.Policy(d.Uint32(launchStartPolicyOffset)),
		d.Referenced(launchStartDhAddrOffset),
		d.Referenced(launchStartSessAddrOff)
}

// LaunchStartHandle returns the guest handle the firmware wrote back.
func LaunchStartHandle(d *Descriptor) uint32 {
	return d.Uint32(launchStartHandleOffset)
}

// SetLaunchStartHandle sets the guest handle output field.
func SetLaunchStartHandle(d *Descriptor, handle uint32) {
	d.PutUint32(launchStartHandleOffset, handle)
}

// LaunchUpdateData returns the kvm_sev_launch_update_data record for a host memory range.
func LaunchUpdateData(hostAddr uint64, size uint32) *Descriptor {
	return NewDescriptor(addrLenSize).
		PutUint64(addrLenAddrOffset, hostAddr).
		PutUint32(addrLenLenOffset, size)
}

// LaunchUpdateDataFields returns the host address and length of an update data record.
func LaunchUpdateDataFields(d *Descriptor) (uint64, uint32) {
	return d.Uint64(addrLenAddrOffset), d.Uint32(addrLenLenOffset)
}

// LaunchMeasure returns the kvm_sev_launch_measure record that makes the firmware write the
// measurement into out.
func LaunchMeasure(out []byte) *Descriptor {
	return NewDescriptor(addrLenSize).Ref(addrLenAddrOffset, addrLenLenOffset, out)
}

// LaunchMeasureBuffer returns the measurement output buffer of a measure record.
func LaunchMeasureBuffer(d *Descriptor) []byte {
	return d.Referenced(addrLenAddrOffset)
}

// LaunchSecret returns the kvm_sev_launch_secret record. guestAddr is the host virtual address
// of the guest page that receives the secret.
func LaunchSecret(header []byte, guestAddr uint64, ciphertext []byte) *Descriptor {
	return NewDescriptor(launchSecretSize).
		Ref(launchSecretHdrAddrOffset, launchSecretHdrLenOffset, header).
		PutUint64(launchSecretGuestAddrOffset, guestAddr).
		PutUint32(launchSecretGuestLenOffset, uint32(len(ciphertext))).
		Ref(launchSecretTransAddrOffset, launchSecretTransLenOffset, ciphertext)
}

// LaunchSecretFields returns the header, guest target address and ciphertext of a secret record.
func LaunchSecretFields(d *Descriptor) ([]byte, uint64, []byte) {
	return d.Referenced(launchSecretHdrAddrOffset),
		d.Uint64(launchSecretGuestAddrOffset),
		d.Referenced(launchSecretTransAddrOffset)
}

// PlatformStatus returns the output record of SEV_PLATFORM_STATUS.
func PlatformStatus() *Descriptor {
	return NewDescriptor(abi.PlatformStatusSize)
}

// PdhCertExport returns the sev_user_data_pdh_cert_export record for the given output buffers.
func PdhCertExport(pdh, certChain []byte) *Descriptor {
	return NewDescriptor(pdhCertExportSize).
		Ref(pdhCertExportPdhAddrOffset, pdhCertExportPdhLenOffset, pdh).
		Ref(pdhCertExportCertAddrOffset, pdhCertExportCertLenOffset, certChain)
}

// PdhCertExportBuffers returns the PDH and certificate chain output buffers of an export record.
func PdhCertExportBuffers(d *Descriptor) ([]byte, []byte) {
	return d.Referenced(pdhCertExportPdhAddrOffset), d.Referenced(pdhCertExportCertAddrOffset)
}

// GetID2 returns the sev_user_data_get_id2 record for the given output buffer. An empty buffer
// queries the required length.
func GetID2(out []byte) *Descriptor {
	return NewDescriptor(getID2Size).Ref(getID2AddrOffset, getID2LenOffset, out)
}

// GetID2Length returns the length field of a get id record, which the driver updates when the
// buffer is too small.
func GetID2Length(d *Descriptor) uint32 {
	return d.Uint32(getID2LenOffset)
}

// SetGetID2Length sets the length field of a get id record.
func SetGetID2Length(d *Descriptor, length uint32) {
	d.PutUint32(getID2LenOffset, length)
}

// GetID2Buffer returns the output buffer of a get id record.
func GetID2Buffer(d *Descriptor) []byte {
	return d.Referenced(getID2AddrOffset)
}
