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

// Package main implements a CLI tool that exports the host's AMD SEV certificate chain, completing
// it from AMD's certificate services, in the encoding a launch's vendor_chain option reads.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/go-sev-launch/certs"
	"github.com/google/go-sev-launch/firmware"
	"github.com/google/go-sev-launch/kbs"
	"github.com/google/logger"
)

var (
	device      = flag.String("device", firmware.DefaultDevicePath, "Path to the SEV platform device.")
	vendorChain = flag.String("vendor_chain", "",
		"Path to an encoded chain to convert instead of exporting the host's chain.")
	chainCache = flag.String("chain_cache", "",
		"Path at which a fetched chain is cached and from which a cached chain is reused.")
	cekService    = flag.String("cek_service", "", "Overrides the AMD CEK service base URL.")
	askArkService = flag.String("ask_ark_service", "", "Overrides the AMD ASK/ARK service base URL.")
	timeout       = flag.Duration("timeout", 30*time.Second, "Timeout of each certificate download.")
	showStatus    = flag.Bool("status", false, "Log the platform's firmware status.")
	outfile       = flag.String("out", "-", "Path to output file, or - for stdout.")
	outform       = flag.String("outform", "bin", "Format of the output file. One of bin, json.")
)

func obtain(ctx context.Context) (*certs.Chain, error) {
	if *vendorChain != "" {
		return certs.ReadFile(*vendorChain)
	}
	d, err := firmware.OpenDevice(&firmware.Options{DevicePath: *device})
	if err != nil {
		return nil, err
	}
	defer d.Close()
	if *showStatus {
		status, err := firmware.PlatformStatus(d)
		if err != nil {
			return nil, err
		}
		logger.Infof("SEV firmware %v, state %d, SEV-ES capable %v, %d guests",
			status.Build(), status.State, status.EncryptedStateCapable(), status.GuestCount)
	}
	return certs.Obtain(ctx, d, &certs.Options{
		CachePath:     *chainCache,
		Getter:        kbs.NewClient(&http.Client{Timeout: *timeout}),
		CEKService:    *cekService,
		AskArkService: *askArkService,
	})
}

func encode(chain *certs.Chain) ([]byte, error) {
	switch *outform {
	case "bin":
		return chain.Encode()
	case "json":
		if err := chain.Validate(); err != nil {
			return nil, err
		}
		return json.MarshalIndent(chain, "", "  ")
	}
	return nil, fmt.Errorf("unknown -outform %q", *outform)
}

func main() {
	logger.Init("", false, false, os.Stderr)
	flag.Parse()

	chain, err := obtain(context.Background())
	if err != nil {
		logger.Fatal(err)
	}
	bin, err := encode(chain)
	if err != nil {
		logger.Fatal(err)
	}

	out := os.Stdout
	if *outfile != "-" {
		out, err = os.OpenFile(*outfile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			logger.Fatalf("Could not open %q: %v", *outfile, err)
		}
	}
	if _, err := out.Write(bin); err != nil {
		logger.Fatalf("Could not write certificate chain to %q: %v", *outfile, err)
	}
}
