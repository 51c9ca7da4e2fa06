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

package kds

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-sev-launch/abi"
	"github.com/prometheus/procfs"
)

type cpuInfo struct {
	cpus []procfs.CPUInfo
	err  error
}

func (c *cpuInfo) CPUInfo() ([]procfs.CPUInfo, error) {
	return c.cpus, c.err
}

func core(family, model string) *cpuInfo {
	return &cpuInfo{cpus: []procfs.CPUInfo{{CPUFamily: family, Model: model}}}
}

func TestResolveGeneration(t *testing.T) {
	tcs := []struct {
		name    string
		reader  CPUInfoReader
		want    Generation
		wantErr error
	}{
		{name: "naples", reader: core("23", "1"), want: Naples},
		{name: "rome", reader: core("23", "49"), want: Rome},
		{name: "milan", reader: core("25", "1"), want: Milan},
		{name: "zen2 desktop", reader: core("23", "113"), wantErr: ErrUnknownModel},
		{name: "genoa", reader: core("25", "17"), wantErr: ErrUnknownModel},
		{name: "intel", reader: core("6", "85"), wantErr: ErrUnknownModel},
		{name: "missing model", reader: core("23", ""), wantErr: ErrInvalidPlatformData},
		{name: "missing family", reader: core("", "1"), wantErr: ErrInvalidPlatformData},
		{name: "no cores", reader: &cpuInfo{}, wantErr: ErrPlatformDataUnavailable},
		{name: "unreadable", reader: &cpuInfo{err: errors.New("permission denied")}, wantErr: ErrPlatformDataUnavailable},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ResolveGeneration(tc.reader)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("ResolveGeneration() = %v, %v, want error %v", got, err, tc.wantErr)
			}
			if got != tc.want {
				t.Errorf("ResolveGeneration() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestResolveGenerationUsesFirstCore(t *testing.T) {
	r := &cpuInfo{cpus: []procfs.CPUInfo{
		{CPUFamily: "25", Model: "1"},
		{CPUFamily: "23", Model: "1"},
	}}
	if got, err := ResolveGeneration(r); err != nil || got != Milan {
		t.Errorf("ResolveGeneration() = %v, %v, want milan", got, err)
	}
}

func TestCEKURL(t *testing.T) {
	id := make([]byte, abi.IDSize)
	id[0] = 0xab
	id[abi.IDSize-1] = 0x0c
	got := CEKURL("", id)
	want := "https://kdsintf.amd.com/cek/id/AB" + strings.Repeat("00", abi.IDSize-2) + "0C"
	if got != want {
		t.Errorf("CEKURL() = %q, want %q", got, want)
	}
	back, err := ParseCEKURL(got)
	if err != nil {
		t.Fatalf("ParseCEKURL(%q) = %v", got, err)
	}
	if diff := cmp.Diff(id, back); diff != "" {
		t.Errorf("ParseCEKURL() diff (-want +got):\n%s", diff)
	}
	if got := CEKURL("http://localhost:8080/cek/id/", id[:1]); got != "http://localhost:8080/cek/id/AB" {
		t.Errorf("CEKURL(override) = %q", got)
	}
}

func TestAskArkURL(t *testing.T) {
	tcs := []struct {
		gen  Generation
		want string
	}{
		{Naples, "https://developer.amd.com/wp-content/resources/ask_ark_naples.cert"},
		{Rome, "https://developer.amd.com/wp-content/resources/ask_ark_rome.cert"},
		{Milan, "https://developer.amd.com/wp-content/resources/ask_ark_milan.cert"},
	}
	for _, tc := range tcs {
		got := AskArkURL("", tc.gen)
		if got != tc.want {
			t.Errorf("AskArkURL(%v) = %q, want %q", tc.gen, got, tc.want)
		}
		back, err := ParseAskArkURL(got)
		if err != nil || back != tc.gen {
			t.Errorf("ParseAskArkURL(%q) = %v, %v, want %v", got, back, err, tc.gen)
		}
	}
}

func TestParseURLErrors(t *testing.T) {
	tcs := []struct {
		name    string
		parse   func(string) error
		url     string
		wantErr string
	}{
		{
			name:    "cek scheme",
			parse:   func(u string) error { _, err := ParseCEKURL(u); return err },
			url:     "ftp://kdsintf.amd.com/cek/id/AB",
			wantErr: "unexpected AMD certificate URL scheme \"ftp\"",
		},
		{
			name:    "cek path",
			parse:   func(u string) error { _, err := ParseCEKURL(u); return err },
			url:     "https://kdsintf.amd.com/vcek/v1/Milan/cert_chain",
			wantErr: "not a CEK URL",
		},
		{
			name:    "cek hex",
			parse:   func(u string) error { _, err := ParseCEKURL(u); return err },
			url:     "https://kdsintf.amd.com/cek/id/XYZ",
			wantErr: "not a hex string",
		},
		{
			name:    "cek size",
			parse:   func(u string) error { _, err := ParseCEKURL(u); return err },
			url:     "https://kdsintf.amd.com/cek/id/ABCD",
			wantErr: "has size 2, want 64",
		},
		{
			name:    "ask ark name",
			parse:   func(u string) error { _, err := ParseAskArkURL(u); return err },
			url:     "https://developer.amd.com/wp-content/resources/ark_milan.cert",
			wantErr: "not an ASK/ARK URL",
		},
		{
			name:    "ask ark generation",
			parse:   func(u string) error { _, err := ParseAskArkURL(u); return err },
			url:     "https://developer.amd.com/wp-content/resources/ask_ark_genoa.cert",
			wantErr: "unknown processor generation \"genoa\"",
		},
	}
	for _, tc := range tcs {
		if err := tc.parse(tc.url); err == nil || !strings.Contains(err.Error(), tc.wantErr) {
			t.Errorf("%s: parse(%q) = %v, want %q", tc.name, tc.url, err, tc.wantErr)
		}
	}
}
