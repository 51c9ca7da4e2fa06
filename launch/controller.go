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
	"context"
	"fmt"
	"math"

	"github.com/google/go-sev-launch/abi"
	"github.com/google/go-sev-launch/kvm"
	labi "github.com/google/go-sev-launch/linuxabi"
	"github.com/google/logger"
)

// State is the progress of a launch.
type State int

// Launch states. Failed and Finished are terminal.
const (
	Created State = iota
	Initialized
	Started
	DataLoaded
	VmsaUpdated
	Measured
	SecretInjected
	Finished
	Failed
)

var stateNames = [...]string{
	Created:        "Created",
	Initialized:    "Initialized",
	Started:        "Started",
	DataLoaded:     "DataLoaded",
	VmsaUpdated:    "VmsaUpdated",
	Measured:       "Measured",
	SecretInjected: "SecretInjected",
	Finished:       "Finished",
	Failed:         "Failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// GuestRegion is a range of guest physical memory.
type GuestRegion struct {
	GuestAddr uint64
	Size      uint64
}

// GuestMemory is the guest's memory map.
type GuestMemory interface {
	// Regions returns every mapped region of guest memory.
	Regions() []GuestRegion
	// HostAddress translates a guest physical address into the VMM's virtual address space.
	HostAddress(gpa uint64) (uint64, error)
}

// MeasuredRegion is a range of host memory whose contents are encrypted into the guest and
// included in the launch measurement.
type MeasuredRegion struct {
	HostAddr uint64
	Size     uint64
}

type transition struct {
	from []State
	to   State
}

// transitions returns the legal launch command sequence. With encrypted state the VMSAs must be
// encrypted before measuring, and without it they must not be.
func transitions(encryptedState bool) map[abi.Command]transition {
	t := map[abi.Command]transition{
		abi.CmdRegisterRegion:   {from: []State{Initialized}, to: Initialized},
		abi.CmdLaunchStart:      {from: []State{Initialized}, to: Started},
		abi.CmdLaunchUpdateData: {from: []State{Started, DataLoaded}, to: DataLoaded},
		abi.CmdLaunchSecret:     {from: []State{Measured}, to: SecretInjected},
		abi.CmdLaunchFinish:     {from: []State{Measured, SecretInjected}, to: Finished},
	}
	if encryptedState {
		t[abi.CmdEsInit] = transition{from: []State{Created}, to: Initialized}
		t[abi.CmdLaunchUpdateVmsa] = transition{from: []State{Started, DataLoaded}, to: VmsaUpdated}
		t[abi.CmdLaunchMeasure] = transition{from: []State{VmsaUpdated}, to: Measured}
	} else {
		t[abi.CmdInit] = transition{from: []State{Created}, to: Initialized}
		t[abi.CmdLaunchMeasure] = transition{from: []State{Started, DataLoaded}, to: Measured}
	}
	return t
}

// Controller drives one guest through the SEV launch sequence. It is not safe for concurrent use.
type Controller struct {
	sevFD      uint32
	start      *abi.Start
	es         bool
	exchange   *Exchange
	secretAddr uint64
	table      map[abi.Command]transition

	state       State
	handle      uint32
	measurement *abi.Measurement
	closer      func() error
}

// NewController returns a controller for the negotiated session. sevFD is the SEV platform
// device's file descriptor. If exchange is nil, no secret is injected.
func NewController(sevFD uint32, n *Negotiation, exchange *Exchange, secretGuestAddress uint64) *Controller {
	return &Controller{
		sevFD:      sevFD,
		start:      n.Start,
		es:         n.EncryptedState,
		exchange:   exchange,
		secretAddr: secretGuestAddress,
		table:      transitions(n.EncryptedState),
	}
}

// State returns the launch's progress.
func (c *Controller) State() State {
	return c.state
}

// EncryptedState returns whether the guest launches with SEV-ES.
func (c *Controller) EncryptedState() bool {
	return c.es
}

// Handle returns the firmware's guest handle, valid once the launch started.
func (c *Controller) Handle() uint32 {
	return c.handle
}

// Measurement returns the launch measurement, or nil before LAUNCH_MEASURE succeeded.
func (c *Controller) Measurement() *abi.Measurement {
	return c.measurement
}

// Close releases the SEV platform device if the controller opened it.
func (c *Controller) Close() error {
	if c.closer == nil {
		return nil
	}
	closer := c.closer
	c.closer = nil
	return closer()
}

func (c *Controller) fail(op string, kind Kind, err error) error {
	c.state = Failed
	return &Error{Kind: kind, Op: op, Err: err}
}

// step runs cmd if the transition table allows it in the current state.
func (c *Controller) step(cmd abi.Command, run func() error) error {
	t, ok := c.table[cmd]
	legal := false
	for _, s := range t.from {
		legal = legal || s == c.state
	}
	if !ok || !legal {
		return &Error{Kind: KindCommand, Op: OpIllegalCommand, Err: fmt.Errorf("%v is not allowed in state %v", cmd, c.state)}
	}
	logger.V(1).Infof("SEV launch: %v", cmd)
	if err := run(); err != nil {
		return c.fail(cmd.String(), KindCommand, err)
	}
	c.state = t.to
	return nil
}

func (c *Controller) issue(vm kvm.VM, cmd abi.Command, data *labi.Descriptor) error {
	return c.step(cmd, func() error { return kvm.Issue(vm, c.sevFD, cmd, data) })
}

// Prepare initializes the guest context, registers all of guest memory as encrypted and starts
// the launch with the negotiated session.
func (c *Controller) Prepare(vm kvm.VM, mem GuestMemory) error {
	initCmd := abi.CmdInit
	if c.es {
		initCmd = abi.CmdEsInit
	}
	if err := c.issue(vm, initCmd, nil); err != nil {
		return err
	}
	for _, r := range mem.Regions() {
		host, err := mem.HostAddress(r.GuestAddr)
		if err != nil {
			return c.fail(OpTranslateAddress, KindPlatform, fmt.Errorf("guest region 0x%x: %w", r.GuestAddr, err))
		}
		if err := c.step(abi.CmdRegisterRegion, func() error { return kvm.RegisterRegion(vm, host, r.Size) }); err != nil {
			return err
		}
	}
	data := labi.LaunchStart(c.start.Policy, c.start.Cert, c.start.Session)
	if err := c.issue(vm, abi.CmdLaunchStart, data); err != nil {
		return err
	}
	c.handle = labi.LaunchStartHandle(data)
	logger.Infof("SEV launch started: handle %d, policy %v, encrypted state %v", c.handle, c.start.Policy, c.es)
	return nil
}

// Attest encrypts the measured regions, measures the launch, injects the key broker's secret when
// remote attestation is configured, and finishes the launch. On error the launch cannot be
// resumed and the VM must be discarded.
func (c *Controller) Attest(ctx context.Context, vm kvm.VM, mem GuestMemory, regions []MeasuredRegion) error {
	for _, r := range regions {
		if r.Size > math.MaxUint32 {
			return c.fail(abi.CmdLaunchUpdateData.String(), KindCommand,
				fmt.Errorf("region at 0x%x is 0x%x bytes, larger than one update allows", r.HostAddr, r.Size))
		}
		if err := c.issue(vm, abi.CmdLaunchUpdateData, labi.LaunchUpdateData(r.HostAddr, uint32(r.Size))); err != nil {
			return err
		}
	}
	if c.es {
		if err := c.issue(vm, abi.CmdLaunchUpdateVmsa, nil); err != nil {
			return err
		}
	}
	out := make([]byte, abi.MeasurementSize)
	if err := c.issue(vm, abi.CmdLaunchMeasure, labi.LaunchMeasure(out)); err != nil {
		return err
	}
	m, err := abi.ParseMeasurement(out)
	if err != nil {
		return c.fail(abi.CmdLaunchMeasure.String(), KindCommand, err)
	}
	c.measurement = m
	logger.Infof("SEV launch measurement %x", m.Digest)

	if c.exchange != nil {
		if err := c.injectSecret(ctx, vm, mem, m); err != nil {
			return err
		}
	}
	if err := c.issue(vm, abi.CmdLaunchFinish, nil); err != nil {
		return err
	}
	logger.Infof("SEV launch finished")
	return nil
}

func (c *Controller) injectSecret(ctx context.Context, vm kvm.VM, mem GuestMemory, m *abi.Measurement) error {
	secret, err := c.exchange.Run(ctx, m)
	if err != nil {
		c.state = Failed
		return err
	}
	host, err := mem.HostAddress(c.secretAddr)
	if err != nil {
		return c.fail(OpTranslateAddress, KindPlatform, fmt.Errorf("secret address 0x%x: %w", c.secretAddr, err))
	}
	data := labi.LaunchSecret(secret.Header.Bytes(), host, secret.Ciphertext)
	return c.issue(vm, abi.CmdLaunchSecret, data)
}
