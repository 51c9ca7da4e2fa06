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
	"errors"
	"fmt"

	"github.com/google/go-sev-launch/certs"
)

// Kind classifies a launch failure.
type Kind int

const (
	// KindConfig is a malformed configuration.
	KindConfig Kind = iota + 1
	// KindTransport is a failed exchange with the key broker or AMD's certificate services.
	KindTransport
	// KindProtocol is a malformed or unexpected response or certificate.
	KindProtocol
	// KindPlatform is an unrecognized CPU or an unusable SEV platform device.
	KindPlatform
	// KindCommand is a failed launch command.
	KindCommand
	// KindIO is a failure to read or write a local file.
	KindIO
)

var kindNames = map[Kind]string{
	KindConfig:    "configuration",
	KindTransport: "transport",
	KindProtocol:  "protocol",
	KindPlatform:  "platform",
	KindCommand:   "command",
	KindIO:        "I/O",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Operations that can fail outside of launch commands. A failed command is named by its
// abi.Command string, and a failure to obtain the chain by its certs.Op.
const (
	OpReadConfig             = "ReadConfig"
	OpOpenDevice             = "OpenDevice"
	OpParseTeeData           = "ParseTeeData"
	OpPlatformStatus         = "PlatformStatus"
	OpSessionRequest         = "SessionRequest"
	OpParseSessionResponse   = "ParseSessionResponse"
	OpDeriveSession          = "DeriveSession"
	OpAttestationRequest     = "AttestationRequest"
	OpParseAttestationSecret = "ParseAttestationSecret"
	OpTranslateAddress       = "TranslateAddress"
	OpIllegalCommand         = "IllegalCommand"
)

// Error is a failure of some step of a launch.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("sev launch %s error in %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

var certsKinds = map[certs.Op]Kind{
	certs.OpOpenChainFile:   KindIO,
	certs.OpCreateCache:     KindIO,
	certs.OpDecodeChain:     KindProtocol,
	certs.OpEncodeChain:     KindIO,
	certs.OpDecodeCek:       KindProtocol,
	certs.OpDecodeAskArk:    KindProtocol,
	certs.OpExportPDH:       KindPlatform,
	certs.OpFetchIdentifier: KindPlatform,
	certs.OpResolveModel:    KindPlatform,
	certs.OpDownloadCek:     KindTransport,
	certs.OpDownloadAskArk:  KindTransport,
}

// chainError classifies a failure of certs.Obtain.
func chainError(err error) error {
	var cerr *certs.Error
	if !errors.As(err, &cerr) {
		return &Error{Kind: KindIO, Op: "ObtainChain", Err: err}
	}
	kind, ok := certsKinds[cerr.Op]
	if !ok {
		kind = KindIO
	}
	return &Error{Kind: kind, Op: string(cerr.Op), Err: err}
}
