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

// Package certs obtains the AMD SEV certificate chain of the host platform.
package certs

import (
	"bytes"
	"fmt"

	"github.com/google/go-sev-launch/abi"
	"go.uber.org/multierr"
)

// Chain is the full SEV certificate chain of a platform. PDH, PEK, OCA and CEK are in the SEV
// certificate format. ASK and ARK are in the AMD CA certificate format.
type Chain struct {
	PDH []byte `json:"pdh"`
	PEK []byte `json:"pek"`
	OCA []byte `json:"oca"`
	CEK []byte `json:"cek"`
	ASK []byte `json:"ask"`
	ARK []byte `json:"ark"`
}

func checkCACert(name string, data []byte, usage abi.KeyUsage) error {
	cert, size, err := abi.ParseCACert(data)
	if err != nil {
		return fmt.Errorf("%s: %v", name, err)
	}
	if size != len(data) {
		return fmt.Errorf("%s: %d trailing bytes", name, len(data)-size)
	}
	if cert.Usage != usage {
		return fmt.Errorf("%s: key usage is %v, want %v", name, cert.Usage, usage)
	}
	return nil
}

// Validate returns an error for every certificate that is malformed or has the wrong key usage.
func (c *Chain) Validate() error {
	sevCert := func(name string, data []byte, usage abi.KeyUsage) error {
		if len(data) != abi.SevCertSize {
			return fmt.Errorf("%s: SEV certificate is %d bytes, want %d", name, len(data), abi.SevCertSize)
		}
		return abi.CheckSevCert(name, data, usage)
	}
	return multierr.Combine(
		sevCert("PDH", c.PDH, abi.UsagePDH),
		sevCert("PEK", c.PEK, abi.UsagePEK),
		sevCert("OCA", c.OCA, abi.UsageOCA),
		sevCert("CEK", c.CEK, abi.UsageCEK),
		checkCACert("ASK", c.ASK, abi.UsageASK),
		checkCACert("ARK", c.ARK, abi.UsageARK),
	)
}

// Encode returns the binary chain encoding PDH‖PEK‖OCA‖CEK‖ASK‖ARK.
func (c *Chain) Encode() ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid certificate chain: %v", err)
	}
	return bytes.Join([][]byte{c.PDH, c.PEK, c.OCA, c.CEK, c.ASK, c.ARK}, nil), nil
}

// DecodeChain interprets data as a binary chain encoding.
func DecodeChain(data []byte) (*Chain, error) {
	if len(data) < 4*abi.SevCertSize {
		return nil, fmt.Errorf("certificate chain is %d bytes, want at least %d", len(data), 4*abi.SevCertSize)
	}
	sev := func(i int) []byte {
		return bytes.Clone(data[i*abi.SevCertSize : (i+1)*abi.SevCertSize])
	}
	c := &Chain{PDH: sev(0), PEK: sev(1), OCA: sev(2), CEK: sev(3)}
	var err error
	if c.ASK, c.ARK, err = DecodeAskArk(data[4*abi.SevCertSize:]); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid certificate chain: %v", err)
	}
	return c, nil
}

// DecodeAskArk splits an AMD CA bundle into its ASK and ARK.
func DecodeAskArk(data []byte) ([]byte, []byte, error) {
	_, askSize, err := abi.ParseCACert(data)
	if err != nil {
		return nil, nil, fmt.Errorf("ASK: %v", err)
	}
	_, arkSize, err := abi.ParseCACert(data[askSize:])
	if err != nil {
		return nil, nil, fmt.Errorf("ARK: %v", err)
	}
	if rest := len(data) - askSize - arkSize; rest != 0 {
		return nil, nil, fmt.Errorf("unexpected trailing bytes after ARK: %d bytes", rest)
	}
	ask := bytes.Clone(data[:askSize])
	ark := bytes.Clone(data[askSize : askSize+arkSize])
	if err := multierr.Combine(
		checkCACert("ASK", ask, abi.UsageASK),
		checkCACert("ARK", ark, abi.UsageARK)); err != nil {
		return nil, nil, err
	}
	return ask, ark, nil
}

// DecodeCEK interprets the start of data as the chip endorsement key certificate.
func DecodeCEK(data []byte) ([]byte, error) {
	if err := abi.CheckSevCert("CEK", data, abi.UsageCEK); err != nil {
		return nil, err
	}
	return bytes.Clone(data[:abi.SevCertSize]), nil
}
