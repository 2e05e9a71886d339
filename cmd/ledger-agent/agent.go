// SPDX-FileCopyrightText: 2026 Tillitis AB <tillitis.se>
// SPDX-License-Identifier: BSD-2-Clause

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/tillitis/ledger-agent/connection"
	"github.com/tillitis/ledger-agent/hwerr"
	"github.com/tillitis/ledger-agent/internal/config"
	"github.com/tillitis/ledger-agent/internal/util"
	"github.com/tillitis/ledger-agent/session"
	"github.com/tillitis/ledger-agent/vetapp"
)

// Agent ties a connection manager to a session for one device.
type Agent struct {
	cfg      config.Config
	deviceID string
	manager  *connection.Manager
	session  *session.Session
	notify   func(msg string)
}

func NewAgent(cfg config.Config, driver connection.Driver, deviceID string) *Agent {
	lock := session.NewLock()
	manager := connection.NewManager(driver, cfg.ManagerOptions(lock)...)

	return &Agent{
		cfg:      cfg,
		deviceID: deviceID,
		manager:  manager,
		session:  session.New(manager, cfg.SessionOptions(lock)...),
		notify: func(msg string) {
			util.Notify(progname, msg)
		},
	}
}

// Connect waits for the device to be ready, telling the user what to
// do while waiting.
func (a *Agent) Connect(ctx context.Context) error {
	a.manager.OnStateChange(func(ev connection.StateChange) {
		le.Debug().Str("from", ev.From.String()).Str("to", ev.To.String()).Msg("state")
		if msg := hint(ev.Err); msg != "" && ev.To == connection.StateFailed {
			le.Info().Msg(msg)
		}
	})

	if err := a.manager.Connect(ctx, a.deviceID); err != nil {
		return err
	}

	if a.cfg.ExpectedRoot == "" {
		le.Warn().Str("root", a.manager.RootAccount().Address).
			Msg("No expected root account configured, trusting the connected device")
	} else if !strings.EqualFold(a.cfg.ExpectedRoot, a.manager.RootAccount().Address) {
		return hwerr.New(hwerr.WrongRootAccount, "connect",
			fmt.Errorf("%w: device has %s", hwerr.ErrWrongRootAccount, a.manager.RootAccount().Address))
	}

	return nil
}

// Watch reports state changes until ctx is done.
func (a *Agent) Watch(ctx context.Context) error {
	events := a.manager.Subscribe()

	if err := a.manager.Connect(ctx, a.deviceID); err != nil && ctx.Err() == nil {
		le.Info().Err(err).Msg(hint(hwerr.Classify(err)))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			line := fmt.Sprintf("%s -> %s", ev.From, ev.To)
			if acc := a.manager.RootAccount(); ev.To == connection.StateReady && acc != nil {
				line += " " + acc.Address
			}
			if msg := hint(ev.Err); msg != "" {
				line += ": " + msg
			}
			fmt.Fprintln(os.Stdout, line)
		}
	}
}

func (a *Agent) expectedRoot() string {
	if a.cfg.ExpectedRoot != "" {
		return a.cfg.ExpectedRoot
	}
	if acc := a.manager.RootAccount(); acc != nil {
		return acc.Address
	}
	return ""
}

func (a *Agent) callbacks(label string) vetapp.Callbacks {
	progress := util.NewProgress(os.Stderr, label)

	return vetapp.Callbacks{
		OnAwaitingSignature: func() {
			le.Info().Msg("Please confirm on the device")
			a.notify("Please confirm on the device")
		},
		OnProgress: progress.Update,
	}
}

func (a *Agent) Account(ctx context.Context, index uint32, display, chainCode bool) (*vetapp.Account, error) {
	if display {
		le.Info().Msg("Please check the address shown on the device")
	}
	return a.session.GetAccount(ctx, index, display, chainCode)
}

func (a *Agent) SignTransaction(ctx context.Context, index uint32, rawTx []byte) ([]byte, error) {
	h := vetapp.SigningHash(rawTx)
	le.Info().Hex("hash", h[:]).Int("bytes", len(rawTx)).Msg("Signing transaction")

	return a.session.SignTransaction(ctx, index, rawTx, a.expectedRoot(), a.callbacks("Signing"))
}

// SignCertificate signs cert, filling in the signer from the account
// at index if missing.
func (a *Agent) SignCertificate(ctx context.Context, index uint32, cert vetapp.Certificate) ([]byte, error) {
	if cert.Signer == "" {
		acc, err := a.session.GetAccount(ctx, index, false, false)
		if err != nil {
			return nil, err
		}
		cert.Signer = acc.Address
	}

	return a.session.SignCertificate(ctx, index, cert, a.expectedRoot(), a.callbacks("Signing"))
}

func (a *Agent) Close() {
	a.manager.Close()
}

// hint tells the user what to do about a failure of kind.
func hint(kind hwerr.Kind) string {
	switch kind {
	case hwerr.DeviceOffOrLocked:
		return "Please connect and unlock the device"
	case hwerr.NoSigningAppOpen:
		return "Please open the VeChain app on the device"
	case hwerr.WrongRootAccount:
		return "The connected device is not the one expected"
	case hwerr.UserRejected:
		return "Rejected on the device"
	case hwerr.DeviceNotFound:
		return "Device not found"
	case hwerr.ConnectingTimeout:
		return "Timed out connecting to the device"
	case hwerr.AwaitingSignatureTimeout:
		return "Timed out waiting for confirmation on the device"
	case hwerr.ConditionsNotSatisfied:
		return "Please enable contract data in the app settings on the device"
	case hwerr.UnsupportedInstruction:
		return "The app on the device is too old, please update it"
	case hwerr.MalformedResponse, hwerr.InvalidSignatureLength:
		return "Unexpected answer from the device"
	case hwerr.Generic:
		return "Device error"
	}
	return ""
}

// exitCode maps err to the process exit code: 130 when interrupted,
// 3 when rejected on the device, 4 when retrying after acting on the
// device may succeed and 1 otherwise.
func exitCode(err error) int {
	if errors.Is(err, context.Canceled) {
		return 130
	}

	kind := hwerr.Classify(err)
	switch {
	case kind == hwerr.UserRejected:
		return 3
	case kind.Recoverable():
		return 4
	}
	return 1
}
