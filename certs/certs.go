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

package certs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/google/go-sev-launch/firmware"
	"github.com/google/go-sev-launch/kds"
	"github.com/google/logger"
	"go.uber.org/multierr"
)

// Op names the step of obtaining a chain that failed.
type Op string

// Steps of Obtain.
const (
	OpOpenChainFile   Op = "OpenChainFile"
	OpDecodeChain     Op = "DecodeChain"
	OpExportPDH       Op = "ExportPDH"
	OpFetchIdentifier Op = "FetchIdentifier"
	OpDownloadCek     Op = "DownloadCek"
	OpDecodeCek       Op = "DecodeCek"
	OpResolveModel    Op = "ResolveModel"
	OpDownloadAskArk  Op = "DownloadAskArk"
	OpDecodeAskArk    Op = "DecodeAskArk"
	OpCreateCache     Op = "CreateCache"
	OpEncodeChain     Op = "EncodeChain"
)

// Error is a failure to obtain the certificate chain.
type Error struct {
	Op  Op
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPSGetter represents the ability to fetch data from the internet from an HTTP URL.
type HTTPSGetter interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// Options configures where Obtain looks for the chain.
type Options struct {
	// VendorChainPath is a file holding an encoded chain. If set, nothing else is consulted.
	VendorChainPath string
	// CachePath is where a fetched chain is stored and reused from. Empty disables caching.
	CachePath string
	// Getter downloads the CEK and the ASK/ARK bundle.
	Getter HTTPSGetter
	// CPUInfo selects the ASK/ARK bundle. If nil, /proc/cpuinfo is read.
	CPUInfo kds.CPUInfoReader
	// CEKService overrides kds.DefaultCEKService.
	CEKService string
	// AskArkService overrides kds.DefaultAskArkService.
	AskArkService string
}

// ReadFile reads and decodes an encoded chain.
func ReadFile(path string) (*Chain, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Op: OpOpenChainFile, Err: err}
	}
	chain, err := DecodeChain(data)
	if err != nil {
		return nil, &Error{Op: OpDecodeChain, Err: fmt.Errorf("%s: %w", path, err)}
	}
	return chain, nil
}

// WriteFile stores the encoded chain at path.
func WriteFile(path string, chain *Chain) (err error) {
	data, err := chain.Encode()
	if err != nil {
		return &Error{Op: OpEncodeChain, Err: err}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return &Error{Op: OpCreateCache, Err: err}
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			err = multierr.Append(err, &Error{Op: OpCreateCache, Err: cerr})
		}
	}()
	if _, err := f.Write(data); err != nil {
		return &Error{Op: OpEncodeChain, Err: err}
	}
	return nil
}

// Fetch assembles the chain from the platform's own certificates and AMD's certificate services.
func Fetch(ctx context.Context, fw firmware.Device, opts *Options) (*Chain, error) {
	if opts.Getter == nil {
		return nil, &Error{Op: OpDownloadCek, Err: errors.New("no HTTPS getter configured")}
	}
	platform, err := firmware.ExportPDH(fw)
	if err != nil {
		return nil, &Error{Op: OpExportPDH, Err: err}
	}
	id, err := firmware.GetIdentifier(fw)
	if err != nil {
		return nil, &Error{Op: OpFetchIdentifier, Err: err}
	}
	cekURL := kds.CEKURL(opts.CEKService, id)
	logger.V(1).Infof("downloading CEK from %s", cekURL)
	body, err := opts.Getter.Get(ctx, cekURL)
	if err != nil {
		return nil, &Error{Op: OpDownloadCek, Err: err}
	}
	cek, err := DecodeCEK(body)
	if err != nil {
		return nil, &Error{Op: OpDecodeCek, Err: err}
	}

	cpuInfo := opts.CPUInfo
	if cpuInfo == nil {
		if cpuInfo, err = kds.NewCPUInfoReader(""); err != nil {
			return nil, &Error{Op: OpResolveModel, Err: err}
		}
	}
	gen, err := kds.ResolveGeneration(cpuInfo)
	if err != nil {
		return nil, &Error{Op: OpResolveModel, Err: err}
	}
	askArkURL := kds.AskArkURL(opts.AskArkService, gen)
	logger.V(1).Infof("downloading %v ASK/ARK from %s", gen, askArkURL)
	body, err = opts.Getter.Get(ctx, askArkURL)
	if err != nil {
		return nil, &Error{Op: OpDownloadAskArk, Err: err}
	}
	ask, ark, err := DecodeAskArk(body)
	if err != nil {
		return nil, &Error{Op: OpDecodeAskArk, Err: err}
	}
	return &Chain{
		PDH: platform.PDH,
		PEK: platform.PEK,
		OCA: platform.OCA,
		CEK: cek,
		ASK: ask,
		ARK: ark,
	}, nil
}

// Obtain returns the platform's certificate chain. A configured vendor chain file wins. Otherwise
// a decodable chain at the cache path is reused, and failing that the chain is fetched and, when
// a cache path is set, stored there.
func Obtain(ctx context.Context, fw firmware.Device, opts *Options) (*Chain, error) {
	if opts == nil {
		opts = &Options{}
	}
	if opts.VendorChainPath != "" {
		logger.Infof("reading SEV certificate chain from %s", opts.VendorChainPath)
		return ReadFile(opts.VendorChainPath)
	}
	if opts.CachePath != "" {
		chain, err := ReadFile(opts.CachePath)
		if err == nil {
			logger.Infof("using cached SEV certificate chain %s", opts.CachePath)
			return chain, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Warningf("ignoring unusable cached SEV certificate chain: %v", err)
		}
	}
	chain, err := Fetch(ctx, fw, opts)
	if err != nil {
		return nil, err
	}
	if opts.CachePath != "" {
		if err := WriteFile(opts.CachePath, chain); err != nil {
			return nil, err
		}
		logger.Infof("cached SEV certificate chain at %s", opts.CachePath)
	}
	return chain, nil
}
