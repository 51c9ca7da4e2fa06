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

package certs_test

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-sev-launch/abi"
	"github.com/google/go-sev-launch/certs"
	"github.com/google/go-sev-launch/kbs"
	"github.com/google/go-sev-launch/kds"
	test "github.com/google/go-sev-launch/testing"
	"github.com/google/go-sev-launch/testing/client"
)

func newChain(t *testing.T) *test.FakeChain {
	t.Helper()
	chain, err := test.NewFakeChain()
	if err != nil {
		t.Fatal(err)
	}
	return chain
}

func opError(t *testing.T, err error) certs.Op {
	t.Helper()
	var cerr *certs.Error
	if !errors.As(err, &cerr) {
		t.Fatalf("error %v is not a *certs.Error", err)
	}
	return cerr.Op
}

func TestChainEncoding(t *testing.T) {
	chain := newChain(t)
	data, err := chain.Encode()
	if err != nil {
		t.Fatalf("Encode() = %v", err)
	}
	if want := 4*abi.SevCertSize + len(chain.ASK) + len(chain.ARK); len(data) != want {
		t.Errorf("Encode() is %d bytes, want %d", len(data), want)
	}
	got, err := certs.DecodeChain(data)
	if err != nil {
		t.Fatalf("DecodeChain() = %v", err)
	}
	if diff := cmp.Diff(chain.Chain, got); diff != "" {
		t.Errorf("DecodeChain(Encode()) differs (-want +got): %s", diff)
	}
}

func TestDecodeChainErrors(t *testing.T) {
	chain := newChain(t)
	data, err := chain.Encode()
	if err != nil {
		t.Fatal(err)
	}
	swapped := append([]byte{}, data[:4*abi.SevCertSize]...)
	swapped = append(append(swapped, chain.ARK...), chain.ASK...)
	tcs := []struct {
		name    string
		data    []byte
		wantErr string
	}{
		{name: "short", data: data[:abi.SevCertSize], wantErr: "want at least"},
		{name: "trailing bytes", data: append(append([]byte{}, data...), 0), wantErr: "trailing bytes"},
		{name: "truncated ARK", data: data[:len(data)-1], wantErr: "truncated"},
		{name: "swapped CA certificates", data: swapped, wantErr: "key usage"},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			_, err := certs.DecodeChain(tc.data)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("DecodeChain() = %v, want error containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestValidateReportsEveryCertificate(t *testing.T) {
	chain := newChain(t)
	bad := *chain.Chain
	bad.PEK, bad.OCA = bad.OCA, bad.PEK
	err := bad.Validate()
	if err == nil {
		t.Fatal("Validate() succeeded for swapped PEK and OCA")
	}
	for _, name := range []string{"PEK", "OCA"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("Validate() = %v, does not mention %s", err, name)
		}
	}
}

func TestObtainVendorChain(t *testing.T) {
	chain := newChain(t)
	path := filepath.Join(t.TempDir(), "vendor.bin")
	if err := certs.WriteFile(path, chain.Chain); err != nil {
		t.Fatal(err)
	}
	d := chain.Device()
	fake := chain.KDS()
	got, err := certs.Obtain(context.Background(), d, &certs.Options{VendorChainPath: path, Getter: fake})
	if err != nil {
		t.Fatalf("Obtain() = %v", err)
	}
	if diff := cmp.Diff(chain.Chain, got); diff != "" {
		t.Errorf("Obtain() differs (-want +got): %s", diff)
	}
	if len(d.Commands) != 0 || len(fake.Requests()) != 0 {
		t.Errorf("Obtain() with a vendor chain used the platform %v or network %v", d.Commands, fake.Requests())
	}
}

func TestObtainFetchesAndCaches(t *testing.T) {
	chain := newChain(t)
	fake := chain.KDS()
	cache := filepath.Join(t.TempDir(), "cache.bin")
	opts := &certs.Options{CachePath: cache, Getter: fake, CPUInfo: &test.CPUInfo{Family: "23", Model: "49"}}
	got, err := certs.Obtain(context.Background(), chain.Device(), opts)
	if err != nil {
		t.Fatalf("Obtain() = %v", err)
	}
	if diff := cmp.Diff(chain.Chain, got); diff != "" {
		t.Errorf("Obtain() differs (-want +got): %s", diff)
	}
	wantURLs := []string{kds.CEKURL("", test.FakeID()), kds.AskArkURL("", kds.Rome)}
	if diff := cmp.Diff(wantURLs, fake.Requests()); diff != "" {
		t.Errorf("Obtain() requests differ (-want +got): %s", diff)
	}
	if _, err := os.Stat(cache); err != nil {
		t.Fatalf("Obtain() did not cache the chain: %v", err)
	}

	d := chain.Device()
	if _, err := certs.Obtain(context.Background(), d, opts); err != nil {
		t.Fatalf("Obtain() from cache = %v", err)
	}
	if len(fake.Requests()) != 2 || len(d.Commands) != 0 {
		t.Errorf("Obtain() with a cached chain fetched it again")
	}
}

func TestObtainReplacesUnusableCache(t *testing.T) {
	chain := newChain(t)
	cache := filepath.Join(t.TempDir(), "cache.bin")
	if err := os.WriteFile(cache, []byte("garbage"), 0644); err != nil {
		t.Fatal(err)
	}
	opts := &certs.Options{CachePath: cache, Getter: chain.KDS(), CPUInfo: test.MilanCPU()}
	if _, err := certs.Obtain(context.Background(), chain.Device(), opts); err != nil {
		t.Fatalf("Obtain() = %v", err)
	}
	cached, err := certs.ReadFile(cache)
	if err != nil {
		t.Fatalf("ReadFile(cache) = %v", err)
	}
	if diff := cmp.Diff(chain.Chain, cached); diff != "" {
		t.Errorf("cached chain differs (-want +got): %s", diff)
	}
}

func TestObtainErrors(t *testing.T) {
	chain := newChain(t)
	other := newChain(t)
	tcs := []struct {
		name   string
		opts   func(*certs.Options, *test.Device, *test.KDS)
		wantOp certs.Op
	}{
		{
			name:   "missing vendor chain",
			opts:   func(o *certs.Options, _ *test.Device, _ *test.KDS) { o.VendorChainPath = "/nonexistent/chain.bin" },
			wantOp: certs.OpOpenChainFile,
		},
		{
			name: "no getter",
			opts: func(o *certs.Options, _ *test.Device, _ *test.KDS) {
				o.Getter = nil
			},
			wantOp: certs.OpDownloadCek,
		},
		{
			name: "export failure",
			opts: func(_ *certs.Options, d *test.Device, _ *test.KDS) {
				d.FwErr = map[uint32]abi.SevFirmwareStatus{5: abi.InvalidPlatformState}
			},
			wantOp: certs.OpExportPDH,
		},
		{
			name: "identifier failure",
			opts: func(_ *certs.Options, d *test.Device, _ *test.KDS) {
				d.FwErr = map[uint32]abi.SevFirmwareStatus{8: abi.Unsupported}
			},
			wantOp: certs.OpFetchIdentifier,
		},
		{
			name:   "cek download",
			opts:   func(_ *certs.Options, _ *test.Device, k *test.KDS) { k.FailStatus = http.StatusNotFound },
			wantOp: certs.OpDownloadCek,
		},
		{
			name: "bad cek",
			opts: func(_ *certs.Options, _ *test.Device, k *test.KDS) {
				for id := range k.CEKs {
					k.CEKs[id] = other.PEK
				}
			},
			wantOp: certs.OpDecodeCek,
		},
		{
			name:   "unknown model",
			opts:   func(o *certs.Options, _ *test.Device, _ *test.KDS) { o.CPUInfo = &test.CPUInfo{Family: "25", Model: "17"} },
			wantOp: certs.OpResolveModel,
		},
		{
			name: "ask ark download",
			opts: func(_ *certs.Options, _ *test.Device, k *test.KDS) {
				delete(k.AskArks, kds.Milan)
			},
			wantOp: certs.OpDownloadAskArk,
		},
		{
			name: "bad ask ark",
			opts: func(_ *certs.Options, _ *test.Device, k *test.KDS) {
				k.AskArks[kds.Milan] = chain.ASK
			},
			wantOp: certs.OpDecodeAskArk,
		},
		{
			name: "unwritable cache",
			opts: func(o *certs.Options, _ *test.Device, _ *test.KDS) {
				o.CachePath = filepath.Join(t.TempDir(), "missing", "cache.bin")
			},
			wantOp: certs.OpCreateCache,
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			d := chain.Device()
			fake := chain.KDS()
			opts := &certs.Options{Getter: fake, CPUInfo: test.MilanCPU()}
			tc.opts(opts, d, fake)
			_, err := certs.Obtain(context.Background(), d, opts)
			if err == nil {
				t.Fatal("Obtain() succeeded, want error")
			}
			if got := opError(t, err); got != tc.wantOp {
				t.Errorf("Obtain() = %v, want op %s", err, tc.wantOp)
			}
		})
	}
}

func TestObtainDownloadErrorCarriesStatus(t *testing.T) {
	chain := newChain(t)
	fake := chain.KDS()
	fake.FailStatus = http.StatusBadGateway
	_, err := certs.Obtain(context.Background(), chain.Device(), &certs.Options{Getter: fake})
	var terr *kbs.TransportError
	if !errors.As(err, &terr) || terr.Status != http.StatusBadGateway {
		t.Errorf("Obtain() = %v, want HTTP status %d", err, http.StatusBadGateway)
	}
}

func TestObtainFromPlatform(t *testing.T) {
	chain := newChain(t)
	d, getter := client.GetDevice(chain, t)
	got, err := certs.Obtain(context.Background(), d, &certs.Options{Getter: getter, CPUInfo: client.GetCPUInfo()})
	if err != nil {
		t.Fatalf("Obtain() = %v", err)
	}
	if err := got.Validate(); err != nil {
		t.Errorf("Obtain() returned an invalid chain: %v", err)
	}
	if client.UseFakeDevice() {
		if diff := cmp.Diff(chain.Chain, got); diff != "" {
			t.Errorf("Obtain() differs (-want +got): %s", diff)
		}
	}
}

func TestAskArkService(t *testing.T) {
	getter := test.GetKDS(newChain(t))
	for _, gen := range []kds.Generation{kds.Naples, kds.Rome, kds.Milan} {
		bundle, err := getter.Get(context.Background(), kds.AskArkURL("", gen))
		if err != nil {
			t.Fatalf("Get(%v ASK/ARK) = %v", gen, err)
		}
		if _, _, err := certs.DecodeAskArk(bundle); err != nil {
			t.Errorf("DecodeAskArk(%v) = %v", gen, err)
		}
	}
}
