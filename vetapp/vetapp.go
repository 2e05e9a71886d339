// SPDX-FileCopyrightText: 2026 Tillitis AB <tillitis.se>
// SPDX-License-Identifier: BSD-2-Clause

// Package vetapp speaks the protocol of the VeChain signing app
// running on a hardware wallet. You're expected to pass an open
// channel to the device, so use it like this:
//
//	app := vetapp.New(transport)
//
// Then use it like this to get an account:
//
//	acc, err := app.GetAccount(ctx, hdpath.Parse("m/44'/818'/0'/0/0"), false, false)
//
// And like this to sign a transaction:
//
//	sig, err := app.SignTransaction(ctx, path, rawTx, vetapp.Callbacks{})
package vetapp

import (
	"context"
	"fmt"
	"math"

	"github.com/tillitis/ledger-agent/apdu"
	"github.com/tillitis/ledger-agent/hdpath"
)

const cla = 0xe0

var (
	cmdGetAppConfiguration = appCmd{0x06, "cmdGetAppConfiguration", false}
	cmdGetAccount          = appCmd{0x02, "cmdGetAccount", false}
	cmdSignTransaction     = appCmd{0x04, "cmdSignTransaction", true}
	cmdSignJSON            = appCmd{0x09, "cmdSignJSON", true}
)

// P1 values for sign frames.
const (
	p1FirstChunk = 0x00
	p1MoreChunks = 0x80
)

type appCmd struct {
	ins     byte
	name    string
	signing bool
}

func (c appCmd) Class() byte {
	return cla
}

func (c appCmd) Ins() byte {
	return c.ins
}

func (c appCmd) String() string {
	return c.name
}

// Signing reports whether the command carries data to be signed.
func (c appCmd) Signing() bool {
	return c.signing
}

// Callbacks lets the caller follow a sign exchange.
type Callbacks struct {
	// OnAwaitingSignature is called once per sign exchange, right
	// before the second to last frame is sent (before the only frame
	// if there is just one). The device may ask the user to confirm
	// from then on. It is not called again for the last frame.
	OnAwaitingSignature func()

	// OnProgress is called after every frame with the share of
	// frames sent so far, 0-100.
	OnProgress func(percent int)
}

// App is a client for the signing app on the device.
type App struct {
	t apdu.Transport
}

// New returns a client talking over t.
func New(t apdu.Transport) App {
	var app App

	app.t = t

	return app
}

// Close closes the channel to the device.
func (a App) Close() error {
	if err := a.t.Close(); err != nil {
		return fmt.Errorf("Close: %w", err)
	}
	return nil
}

// GetAppConfiguration asks the signing app for its settings and
// version. It fails with a status error if the app isn't open.
func (a App) GetAppConfiguration(ctx context.Context) (*AppConfig, error) {
	tx, err := apdu.NewFrame(cmdGetAppConfiguration, 0, 0, nil)
	if err != nil {
		return nil, fmt.Errorf("NewFrame: %w", err)
	}

	apdu.Dump("GetAppConfiguration tx", tx.Bytes())
	rx, err := a.t.Send(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("Send: %w", err)
	}
	apdu.Dump("GetAppConfiguration rx", rx)

	return parseAppConfig(rx)
}

// GetAccount derives the account at path. If display is set the
// device shows the address and waits for the user to approve it. If
// chainCode is set the chain code is returned too.
func (a App) GetAccount(ctx context.Context, path hdpath.Path, display, chainCode bool) (*Account, error) {
	var p1, p2 byte
	if display {
		p1 = 0x01
	}
	if chainCode {
		p2 = 0x01
	}

	tx, err := apdu.NewFrame(cmdGetAccount, p1, p2, path.Bytes())
	if err != nil {
		return nil, fmt.Errorf("NewFrame: %w", err)
	}

	apdu.Dump("GetAccount tx", tx.Bytes())
	rx, err := a.t.Send(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("Send: %w", err)
	}
	apdu.Dump("GetAccount rx", rx)

	return parseAccount(rx, chainCode)
}

// SignTransaction sends the encoded transaction in rawTx to be signed
// with the key at path, and returns the 65 byte signature.
func (a App) SignTransaction(ctx context.Context, path hdpath.Path, rawTx []byte, cb Callbacks) ([]byte, error) {
	ch, err := newSignChunker(cmdSignTransaction, path, rawTx, false)
	if err != nil {
		return nil, err
	}

	return a.sign(ctx, ch, cb)
}

// SignJSON sends a JSON document, prefixed with its length, to be
// signed with the key at path.
func (a App) SignJSON(ctx context.Context, path hdpath.Path, doc []byte, cb Callbacks) ([]byte, error) {
	ch, err := newSignChunker(cmdSignJSON, path, doc, true)
	if err != nil {
		return nil, err
	}

	return a.sign(ctx, ch, cb)
}

// SignCertificate encodes cert and signs it as JSON.
func (a App) SignCertificate(ctx context.Context, path hdpath.Path, cert Certificate, cb Callbacks) ([]byte, error) {
	doc, err := cert.Encode()
	if err != nil {
		return nil, fmt.Errorf("Encode: %w", err)
	}

	return a.SignJSON(ctx, path, doc, cb)
}

// sign sends the frames of ch one at a time, waiting for each response
// before the next frame is built. Only the last response holds the
// signature.
func (a App) sign(ctx context.Context, ch *signChunker, cb Callbacks) ([]byte, error) {
	count := ch.Count()
	awaitAt := max(count-2, 0)

	var rx []byte
	for i := 0; ch.More(); i++ {
		tx, err := ch.Next()
		if err != nil {
			return nil, fmt.Errorf("Next: %w", err)
		}

		if i == awaitAt && cb.OnAwaitingSignature != nil {
			cb.OnAwaitingSignature()
		}

		apdu.Dump(fmt.Sprintf("%v tx %d/%d", tx.Cmd, i+1, count), tx.Bytes())
		rx, err = a.t.Send(ctx, tx)
		if err != nil {
			return nil, fmt.Errorf("Send: %w", err)
		}

		if cb.OnProgress != nil {
			cb.OnProgress(progress(i+1, count))
		}
	}

	apdu.Dump("Sign rx", rx)

	return parseSignature(rx)
}

func progress(sent, total int) int {
	return int(math.Round(float64(sent) / float64(total) * 100))
}
