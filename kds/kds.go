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

// Package kds provides the AMD certificate service URLs for SEV platforms and the processor
// generation that selects among them.
package kds

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/google/go-sev-launch/abi"
	"github.com/prometheus/procfs"
)

const (
	// DefaultCEKService is the AMD key distribution service endpoint for chip endorsement keys.
	DefaultCEKService = "https://kdsintf.amd.com/cek/id"
	// DefaultAskArkService is where AMD publishes the ASK and ARK of each processor generation.
	DefaultAskArkService = "https://developer.amd.com/wp-content/resources"

	askArkPrefix = "ask_ark_"
	askArkSuffix = ".cert"
)

var (
	// ErrPlatformDataUnavailable is returned when the CPU information cannot be read.
	ErrPlatformDataUnavailable = errors.New("CPU information is unavailable")
	// ErrInvalidPlatformData is returned when the CPU information lacks a family or a model.
	ErrInvalidPlatformData = errors.New("CPU information is missing the family or model")
	// ErrUnknownModel is returned for CPU family and model pairs with no AMD SEV certificates.
	ErrUnknownModel = errors.New("unknown AMD SEV processor model")
)

// Generation is an AMD EPYC processor generation, the granularity at which AMD publishes its SEV
// signing and root keys.
type Generation int

const (
	// GenerationUnknown is the zero value.
	GenerationUnknown Generation = iota
	// Naples is the first EPYC generation (family 17h, model 01h).
	Naples
	// Rome is the second EPYC generation (family 17h, model 31h).
	Rome
	// Milan is the third EPYC generation (family 19h, model 01h).
	Milan
)

func (g Generation) String() string {
	switch g {
	case Naples:
		return "naples"
	case Rome:
		return "rome"
	case Milan:
		return "milan"
	}
	return "unknown"
}

// ParseGeneration returns the generation for its lowercase name.
func ParseGeneration(name string) (Generation, error) {
	for _, g := range []Generation{Naples, Rome, Milan} {
		if g.String() == name {
			return g, nil
		}
	}
	return GenerationUnknown, fmt.Errorf("unknown processor generation %q", name)
}

// cpuid (family, model) -> generation, as reported by /proc/cpuinfo in decimal.
var generations = map[string]map[string]Generation{
	"23": {"1": Naples, "49": Rome},
	"25": {"1": Milan},
}

// CPUInfoReader provides per-core CPU information. procfs.FS implements it.
type CPUInfoReader interface {
	CPUInfo() ([]procfs.CPUInfo, error)
}

// NewCPUInfoReader returns a reader of the cpuinfo file under the given procfs mount point.
func NewCPUInfoReader(mountPoint string) (CPUInfoReader, error) {
	if mountPoint == "" {
		mountPoint = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPlatformDataUnavailable, err)
	}
	return fs, nil
}

// ResolveGeneration returns the processor generation of the first core.
func ResolveGeneration(r CPUInfoReader) (Generation, error) {
	cpus, err := r.CPUInfo()
	if err != nil {
		return GenerationUnknown, fmt.Errorf("%w: %v", ErrPlatformDataUnavailable, err)
	}
	if len(cpus) == 0 {
		return GenerationUnknown, fmt.Errorf("%w: no cores listed", ErrPlatformDataUnavailable)
	}
	family := strings.TrimSpace(cpus[0].CPUFamily)
	model := strings.TrimSpace(cpus[0].Model)
	if family == "" {
		return GenerationUnknown, fmt.Errorf("%w: no cpu family", ErrInvalidPlatformData)
	}
	models, ok := generations[family]
	if !ok {
		return GenerationUnknown, fmt.Errorf("%w: family %s", ErrUnknownModel, family)
	}
	if model == "" {
		return GenerationUnknown, fmt.Errorf("%w: no model for family %s", ErrInvalidPlatformData, family)
	}
	g, ok := models[model]
	if !ok {
		return GenerationUnknown, fmt.Errorf("%w: family %s model %s", ErrUnknownModel, family, model)
	}
	return g, nil
}

func serviceBase(base, fallback string) string {
	if base == "" {
		base = fallback
	}
	return strings.TrimSuffix(base, "/")
}

// CEKURL returns the URL of the chip endorsement key for the chip with the given GET_ID2
// identifier. An empty base selects DefaultCEKService.
func CEKURL(base string, id []byte) string {
	return fmt.Sprintf("%s/%s", serviceBase(base, DefaultCEKService), strings.ToUpper(hex.EncodeToString(id)))
}

// AskArkURL returns the URL of the ASK and ARK bundle for the given generation. An empty base
// selects DefaultAskArkService.
func AskArkURL(base string, g Generation) string {
	return fmt.Sprintf("%s/%s%s%s", serviceBase(base, DefaultAskArkService), askArkPrefix, g, askArkSuffix)
}

func lastSegments(rawURL string) (string, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid AMD certificate URL %q: %v", rawURL, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return "", "", fmt.Errorf("unexpected AMD certificate URL scheme %q", u.Scheme)
	}
	dir, file := path.Split(u.Path)
	return path.Base(dir), file, nil
}

// ParseCEKURL returns the chip identifier named by a CEK URL.
func ParseCEKURL(rawURL string) ([]byte, error) {
	dir, file, err := lastSegments(rawURL)
	if err != nil {
		return nil, err
	}
	if dir != "id" {
		return nil, fmt.Errorf("not a CEK URL: %s", rawURL)
	}
	id, err := hex.DecodeString(file)
	if err != nil {
		return nil, fmt.Errorf("chip identifier of CEK URL is not a hex string: %q", file)
	}
	if len(id) != abi.IDSize {
		return nil, fmt.Errorf("chip identifier of CEK URL has size %d, want %d", len(id), abi.IDSize)
	}
	return id, nil
}

// ParseAskArkURL returns the generation named by an ASK and ARK bundle URL.
func ParseAskArkURL(rawURL string) (Generation, error) {
	_, file, err := lastSegments(rawURL)
	if err != nil {
		return GenerationUnknown, err
	}
	if !strings.HasPrefix(file, askArkPrefix) || !strings.HasSuffix(file, askArkSuffix) {
		return GenerationUnknown, fmt.Errorf("not an ASK/ARK URL: %s", rawURL)
	}
	return ParseGeneration(strings.TrimSuffix(strings.TrimPrefix(file, askArkPrefix), askArkSuffix))
}
