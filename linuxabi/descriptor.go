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

package linuxabi

import "encoding/binary"

// ref is a buffer or nested record whose address belongs at addrOffset of the parent record.
type ref struct {
	addrOffset int
	buf        []byte
	record     *Descriptor
}

// Descriptor is a fixed-layout command record packed into a plain byte buffer. Fields that hold
// user addresses are not written directly: the referenced buffer is attached with Ref and its
// address is filled in only while the record is bound to an in-flight ioctl, during which every
// referenced buffer is pinned.
//
// Fakes read the referenced buffers back with Referenced rather than through addresses.
type Descriptor struct {
	raw  []byte
	refs []ref
}

// NewDescriptor returns a zeroed record of the given size.
func NewDescriptor(size int) *Descriptor {
	return &Descriptor{raw: make([]byte, size)}
}

// PutUint32 writes a little-endian uint32 at offset.
func (d *Descriptor) PutUint32(offset int, v uint32) *Descriptor {
	binary.LittleEndian.PutUint32(d.raw[offset:], v)
	return d
}

// PutUint64 writes a little-endian uint64 at offset.
func (d *Descriptor) PutUint64(offset int, v uint64) *Descriptor {
	binary.LittleEndian.PutUint64(d.raw[offset:], v)
	return d
}

// Ref attaches buf as the buffer whose address belongs in the uint64 at addrOffset. If lenOffset
// is non-negative, the uint32 there is set to len(buf).
func (d *Descriptor) Ref(addrOffset, lenOffset int, buf []byte) *Descriptor {
	if lenOffset >= 0 {
		d.PutUint32(lenOffset, uint32(len(buf)))
	}
	d.refs = append(d.refs, ref{addrOffset: addrOffset, buf: buf})
	return d
}

// RefRecord attaches a nested record whose address belongs in the uint64 at addrOffset.
func (d *Descriptor) RefRecord(addrOffset int, record *Descriptor) *Descriptor {
	d.refs = append(d.refs, ref{addrOffset: addrOffset, record: record})
	return d
}

// Uint32 reads the little-endian uint32 at offset.
func (d *Descriptor) Uint32(offset int) uint32 {
	return binary.LittleEndian.Uint32(d.raw[offset:])
}

// Uint64 reads the little-endian uint64 at offset.
func (d *Descriptor) Uint64(offset int) uint64 {
	return binary.LittleEndian.Uint64(d.raw[offset:])
}

// Referenced returns the buffer attached at addrOffset, or nil.
func (d *Descriptor) Referenced(addrOffset int) []byte {
	for _, r := range d.refs {
		if r.addrOffset == addrOffset {
			if r.record != nil {
				return r.record.raw
			}
			return r.buf
		}
	}
	return nil
}

// Record returns the nested record attached at addrOffset, or nil.
func (d *Descriptor) Record(addrOffset int) *Descriptor {
	for _, r := range d.refs {
		if r.addrOffset == addrOffset {
			return r.record
		}
	}
	return nil
}

// Bytes returns the packed record. Address fields of attached buffers read as zero outside of an
// ioctl.
func (d *Descriptor) Bytes() []byte {
	return d.raw
}

// Size returns the record size in bytes.
func (d *Descriptor) Size() int {
	return len(d.raw)
}

// clearAddresses zeroes every address field so that no stale pointer outlives the ioctl.
func (d *Descriptor) clearAddresses() {
	for _, r := range d.refs {
		d.PutUint64(r.addrOffset, 0)
		if r.record != nil {
			r.record.clearAddresses()
		}
	}
}
