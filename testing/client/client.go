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

// Package client (in testing) allows tests to get a fake or real SEV platform device.
package client

import (
	"flag"
	"testing"

	"github.com/google/go-sev-launch/certs"
	"github.com/google/go-sev-launch/firmware"
	"github.com/google/go-sev-launch/kbs"
	"github.com/google/go-sev-launch/kds"
	test "github.com/google/go-sev-launch/testing"
)

var sevDevice = flag.String("sev_device", "",
	"Path to a real SEV platform device. If empty, tests use a fake platform.")

// UseFakeDevice returns whether tests run against a fake platform.
func UseFakeDevice() bool {
	return *sevDevice == ""
}

// GetDevice is a testing helper that returns the SEV platform device selected by the flags passed
// into "go test", and the certificate service that matches it.
//
// The fake platform exports the given chain's certificates and the chain's fake KDS serves the
// rest of it. A real platform's certificates are only served by AMD, so it is paired with the live
// certificate services.
func GetDevice(chain *test.FakeChain, tb testing.TB) (firmware.Device, certs.HTTPSGetter) {
	tb.Helper()
	if UseFakeDevice() {
		d := chain.Device()
		if err := d.Open(firmware.DefaultDevicePath); err != nil {
			tb.Fatalf("failed to open fake device: %v", err)
		}
		tb.Cleanup(func() { d.Close() })
		return d, chain.KDS()
	}
	d, err := firmware.OpenDevice(&firmware.Options{DevicePath: *sevDevice})
	if err != nil {
		tb.Fatalf("Failed to open SEV platform device: %v", err)
	}
	tb.Cleanup(func() { d.Close() })
	return d, kbs.NewClient(nil)
}

// GetCPUInfo returns the processor description that selects the ASK/ARK bundle for the device
// GetDevice returns. Nil means the host's /proc/cpuinfo.
func GetCPUInfo() kds.CPUInfoReader {
	if UseFakeDevice() {
		return test.MilanCPU()
	}
	return nil
}
