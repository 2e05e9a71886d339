// SPDX-FileCopyrightText: 2026 Tillitis AB <tillitis.se>
// SPDX-License-Identifier: BSD-2-Clause

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tillitis/ledger-agent/apdu"
	"github.com/tillitis/ledger-agent/connection"
	"github.com/tillitis/ledger-agent/hdpath"
	"github.com/tillitis/ledger-agent/hwerr"
	"github.com/tillitis/ledger-agent/internal/config"
	"github.com/tillitis/ledger-agent/internal/fakedevice"
	"github.com/tillitis/ledger-agent/session"
	"github.com/tillitis/ledger-agent/vetapp"
)

func init() {
	le = zerolog.Nop()
	apdu.SilenceLogging()
	session.SilenceLogging()
	connection.SilenceLogging()
}

const devID = "ledger-1"

var rootAddress = fakedevice.Address(hdpath.Parse(session.RootPath))

func newTestAgent(t *testing.T, expectedRoot string) (*Agent, *fakedevice.Device, *[]string) {
	t.Helper()

	dev := fakedevice.New()
	driver := fakedevice.NewDriver()
	driver.Add(devID, dev)

	cfg := config.Default()
	cfg.ExpectedRoot = expectedRoot
	cfg.PollInterval = 5 * time.Millisecond
	cfg.ReconnectDelay = 10 * time.Millisecond
	cfg.ConnectTimeout = time.Second

	a := NewAgent(cfg, driver, devID)
	var notes []string
	a.notify = func(msg string) {
		notes = append(notes, msg)
	}
	t.Cleanup(a.Close)

	return a, dev, &notes
}

func TestAgentSignTransaction(t *testing.T) {
	a, dev, notes := newTestAgent(t, strings.ToUpper(rootAddress))
	require.NoError(t, a.Connect(context.Background()))

	rawTx := bytes.Repeat([]byte{0x11}, 500)
	sig, err := a.SignTransaction(context.Background(), 1, rawTx)
	require.NoError(t, err)
	assert.Len(t, sig, vetapp.SignatureLen)
	assert.Equal(t, rawTx, dev.Signed())
	assert.Len(t, *notes, 1)
}

func TestAgentTrustsDeviceWithoutExpectedRoot(t *testing.T) {
	a, _, _ := newTestAgent(t, "")
	require.NoError(t, a.Connect(context.Background()))
	assert.Equal(t, rootAddress, a.expectedRoot())

	_, err := a.SignTransaction(context.Background(), 0, []byte{1})
	assert.NoError(t, err)
}

func TestAgentWrongDevice(t *testing.T) {
	a, _, _ := newTestAgent(t, "0x0000000000000000000000000000000000000001")

	err := a.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, hwerr.WrongRootAccount, hwerr.Classify(err))
}

func TestAgentSignCertificateFillsSigner(t *testing.T) {
	a, dev, _ := newTestAgent(t, rootAddress)
	require.NoError(t, a.Connect(context.Background()))

	cert := vetapp.Certificate{
		Domain:    "example.org",
		Payload:   vetapp.CertificatePayload{Type: "text", Content: "agree"},
		Purpose:   vetapp.PurposeAgreement,
		Timestamp: 1700000000,
	}
	_, err := a.SignCertificate(context.Background(), 2, cert)
	require.NoError(t, err)

	cert.Signer = fakedevice.Address(hdpath.Parse(session.RootPath).Child(2))
	want, err := cert.Encode()
	require.NoError(t, err)
	assert.Equal(t, want, dev.Signed())
}

func TestAgentAccount(t *testing.T) {
	a, _, _ := newTestAgent(t, rootAddress)
	require.NoError(t, a.Connect(context.Background()))

	acc, err := a.Account(context.Background(), 4, true, false)
	require.NoError(t, err)
	assert.Equal(t, fakedevice.Address(hdpath.Parse(session.RootPath).Child(4)), acc.Address)
}

func TestAgentRejected(t *testing.T) {
	a, dev, _ := newTestAgent(t, rootAddress)
	require.NoError(t, a.Connect(context.Background()))
	dev.SetSignStatus(apdu.StatusUserRejected)

	_, err := a.SignTransaction(context.Background(), 0, []byte{1})
	require.Error(t, err)
	assert.Equal(t, 3, exitCode(err))
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"interrupted", fmt.Errorf("Send: %w", context.Canceled), 130},
		{"rejected", hwerr.New(hwerr.UserRejected, "sign", nil), 3},
		{"locked", hwerr.New(hwerr.DeviceOffOrLocked, "sign", nil), 4},
		{"contract data off", hwerr.New(hwerr.ConditionsNotSatisfied, "sign", nil), 4},
		{"wrong device", hwerr.New(hwerr.WrongRootAccount, "sign", nil), 1},
		{"malformed", hwerr.New(hwerr.MalformedResponse, "sign", nil), 1},
		{"unclassified", errors.New("boom"), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestHint(t *testing.T) {
	assert.Empty(t, hint(hwerr.None))
	for k := hwerr.DeviceOffOrLocked; k <= hwerr.Generic; k++ {
		assert.NotEmpty(t, hint(k), k.String())
	}
}

func TestRunUsage(t *testing.T) {
	assert.Equal(t, 2, run([]string{"-a", "--watch"}))
	assert.Equal(t, 2, run([]string{"stray"}))
	assert.Equal(t, 2, run([]string{"--no-such-flag"}))
	assert.Equal(t, 0, run([]string{"--version"}))
}
