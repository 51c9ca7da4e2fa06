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

//go:build !linux

package firmware

import (
	"fmt"
	"runtime"
)

// Options provides flexible configuration to how this library will interact with the SEV
// platform device.
type Options struct {
	// DevicePath is the path to the PSP driver device. If empty, defaults to "/dev/sev".
	DevicePath string
}

// OpenDevice fails outside of Linux hosts.
func OpenDevice(opts *Options) (Device, error) {
	return nil, fmt.Errorf("the SEV platform device is not supported on %s", runtime.GOOS)
}
