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

import "github.com/prometheus/procfs"

// CPUInfo reports a single core with the given decimal family and model.
type CPUInfo struct {
	Family string
	Model  string
	Err    error
}

// MilanCPU is the CPU information of an EPYC Milan host.
func MilanCPU() *CPUInfo {
	return &CPUInfo{Family: "25", Model: "1"}
}

// CPUInfo implements kds.CPUInfoReader.
func (c *CPUInfo) CPUInfo() ([]procfs.CPUInfo, error) {
	if c.Err != nil {
		return nil, c.Err
	}
	return []procfs.CPUInfo{{
		VendorID:  "AuthenticAMD",
		CPUFamily: c.Family,
		Model:     c.Model,
	}}, nil
}
