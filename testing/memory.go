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

package testing

import (
	"fmt"

	"github.com/google/go-sev-launch/launch"
)

// FakeHostBase is where Memory maps guest physical address 0.
const FakeHostBase = 0x7f0000000000

// Memory is a guest memory map at a fixed offset in the host's address space.
type Memory struct {
	Layout []launch.GuestRegion
}

// TwoRegionMemory returns a guest with low memory below the legacy hole and 16MiB above 1MiB.
func TwoRegionMemory() *Memory {
	return &Memory{Layout: []launch.GuestRegion{
		{GuestAddr: 0, Size: 0xa0000},
		{GuestAddr: 0x100000, Size: 0x1000000},
	}}
}

// Regions returns the memory layout.
func (m *Memory) Regions() []launch.GuestRegion {
	return m.Layout
}

// HostAddress translates gpa if it is mapped.
func (m *Memory) HostAddress(gpa uint64) (uint64, error) {
	for _, r := range m.Layout {
		if gpa >= r.GuestAddr && gpa-r.GuestAddr < r.Size {
			return FakeHostBase + gpa, nil
		}
	}
	return 0, fmt.Errorf("guest address 0x%x is not mapped", gpa)
}

// Measured returns every region of the layout as host ranges.
func (m *Memory) Measured() []launch.MeasuredRegion {
	var out []launch.MeasuredRegion
	for _, r := range m.Layout {
		out = append(out, launch.MeasuredRegion{HostAddr: FakeHostBase + r.GuestAddr, Size: r.Size})
	}
	return out
}
