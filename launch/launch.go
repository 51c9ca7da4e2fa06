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

// Package launch drives the host side of an AMD SEV or SEV-ES guest launch. It negotiates a launch
// session, locally or with a key broker, then issues the launch commands that encrypt and measure
// guest memory, and injects the key broker's secret when the launch is attested.
package launch

import (
	"context"
	"io"

	"github.com/google/go-sev-launch/certs"
	"github.com/google/go-sev-launch/firmware"
	"github.com/google/go-sev-launch/kbs"
	"github.com/google/go-sev-launch/kds"
	"github.com/google/logger"
	"go.uber.org/multierr"
)

// Options provides the collaborators of a launch. The zero value uses the host's devices and the
// network.
type Options struct {
	// Device is the SEV platform device. If nil, the device at DevicePath is opened and closed by
	// Controller.Close.
	Device     firmware.Device
	DevicePath string
	// Client talks to the key broker. If nil, http.DefaultClient is used.
	Client *kbs.Client
	// Getter downloads certificates. If nil, Client is used.
	Getter certs.HTTPSGetter
	// CPUInfo selects the ASK/ARK bundle. If nil, /proc/cpuinfo is read.
	CPUInfo       kds.CPUInfoReader
	CEKService    string
	AskArkService string
	// Rand is the entropy of a locally derived session. If nil, crypto/rand is used.
	Rand io.Reader
}

// New obtains the platform's certificate chain and negotiates a launch session, returning the
// controller that launches the guest with it.
func New(ctx context.Context, cfg *Config, opts *Options) (*Controller, error) {
	if opts == nil {
		opts = &Options{}
	}
	certCfg, err := cfg.CertConfig()
	if err != nil {
		return nil, err
	}
	fw, closer, err := openDevice(opts)
	if err != nil {
		return nil, err
	}
	c, err := newController(ctx, cfg, certCfg, fw, opts)
	if err != nil {
		if closer != nil {
			err = multierr.Append(err, closer())
		}
		return nil, err
	}
	c.closer = closer
	return c, nil
}

func openDevice(opts *Options) (firmware.Device, func() error, error) {
	if opts.Device != nil {
		return opts.Device, nil, nil
	}
	d, err := firmware.OpenDevice(&firmware.Options{DevicePath: opts.DevicePath})
	if err != nil {
		return nil, nil, &Error{Kind: KindPlatform, Op: OpOpenDevice, Err: err}
	}
	return d, d.Close, nil
}

func newController(ctx context.Context, cfg *Config, certCfg *CertConfig, fw firmware.Device, opts *Options) (*Controller, error) {
	client := opts.Client
	if client == nil {
		client = kbs.NewClient(nil)
	}
	getter := opts.Getter
	if getter == nil {
		getter = client
	}
	chain, err := certs.Obtain(ctx, fw, &certs.Options{
		VendorChainPath: certCfg.VendorChain,
		CachePath:       cfg.ChainCachePath,
		Getter:          getter,
		CPUInfo:         opts.CPUInfo,
		CEKService:      opts.CEKService,
		AskArkService:   opts.AskArkService,
	})
	if err != nil {
		return nil, chainError(err)
	}

	sess := &kbs.Session{}
	n, err := Negotiate(ctx, cfg, chain, fw, client, sess, opts.Rand)
	if err != nil {
		return nil, err
	}
	var exchange *Exchange
	if cfg.Remote() {
		exchange = &Exchange{
			Client:     client,
			Session:    sess,
			BaseURL:    cfg.AttestationURL,
			WorkloadID: cfg.WorkloadID,
			Tee:        cfg.tee(),
			SessionID:  n.SessionID,
		}
	}
	logger.V(1).Infof("SEV launch controller ready (remote attestation %v)", cfg.Remote())
	return NewController(fw.FD(), n, exchange, cfg.secretGuestAddress()), nil
}
