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

package launch

import (
	"encoding/json"
	"strings"

	"github.com/caarlos0/env/v11"
)

const (
	// DefaultTee is the TEE kind announced to the key broker.
	DefaultTee = "sev"
	// DefaultSecretGuestAddress is the guest physical page that receives the launch secret.
	DefaultSecretGuestAddress = 0x20000
)

// Config is the launch configuration supplied by the VMM.
type Config struct {
	// AttestationURL is the base URL of the key broker. If empty, the session is derived locally
	// and no secret is injected.
	AttestationURL string `env:"ATTESTATION_URL"`
	WorkloadID     string `env:"WORKLOAD_ID"`
	Tee            string `env:"TEE" envDefault:"sev"`
	// TeeData is the JSON encoding of a CertConfig.
	TeeData string `env:"TEE_DATA"`
	// ChainCachePath is where a fetched certificate chain is stored and reused from. If empty, the
	// chain is fetched on every launch.
	ChainCachePath string `env:"CHAIN_CACHE_PATH"`
	// SecretGuestAddress is the guest physical address LAUNCH_SECRET writes to. Zero selects
	// DefaultSecretGuestAddress.
	SecretGuestAddress uint64 `env:"SECRET_GUEST_ADDRESS" envDefault:"131072"`
}

// CertConfig is the SEV specific part of the configuration.
type CertConfig struct {
	// VendorChain is a file holding an encoded certificate chain to use instead of fetching one.
	VendorChain             string `json:"vendor_chain"`
	AttestationServerPubkey string `json:"attestation_server_pubkey"`
}

// ConfigFromEnv reads the configuration from environment variables named with the given prefix,
// e.g. prefix "SEV_" reads SEV_ATTESTATION_URL.
func ConfigFromEnv(prefix string) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: prefix}); err != nil {
		return nil, &Error{Kind: KindConfig, Op: OpReadConfig, Err: err}
	}
	return cfg, nil
}

// CertConfig decodes TeeData. An empty TeeData is an empty CertConfig.
func (c *Config) CertConfig() (*CertConfig, error) {
	out := &CertConfig{}
	if strings.TrimSpace(c.TeeData) == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(c.TeeData), out); err != nil {
		return nil, &Error{Kind: KindConfig, Op: OpParseTeeData, Err: err}
	}
	return out, nil
}

func (c *Config) tee() string {
	if c.Tee == "" {
		return DefaultTee
	}
	return c.Tee
}

func (c *Config) secretGuestAddress() uint64 {
	if c.SecretGuestAddress == 0 {
		return DefaultSecretGuestAddress
	}
	return c.SecretGuestAddress
}

// Remote returns whether the launch is attested by a key broker.
func (c *Config) Remote() bool {
	return c.AttestationURL != ""
}
