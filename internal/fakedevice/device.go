// SPDX-FileCopyrightText: 2026 Tillitis AB <tillitis.se>
// SPDX-License-Identifier: BSD-2-Clause

// Package fakedevice is an in-memory hardware wallet running the
// signing app, for tests. Keys are derived from the path alone, so
// every Device agrees on every account.
package fakedevice

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"sync"

	"golang.org/x/crypto/sha3"

	"github.com/tillitis/ledger-agent/apdu"
	"github.com/tillitis/ledger-agent/hdpath"
	"github.com/tillitis/ledger-agent/hwerr"
)

var ErrChannelClosed = errors.New("channel closed")

// Event is one frame received, or one channel closed, in the order
// they happened.
type Event struct {
	Channel int
	Frame   apdu.Frame
	Closed  bool
}

// Hook runs before the device answers f. A non-nil error is returned
// from Send instead of an answer.
type Hook func(ctx context.Context, f apdu.Frame) error

type Device struct {
	mu           sync.Mutex
	locked       bool
	appOpen      bool
	contractData bool
	signStatus   apdu.StatusWord
	version      [3]byte
	hook         Hook
	events       []Event
	channels     int
	signPath     []byte
	signed       []byte
	lengthPrefix bool
	badKey       bool
}

// New returns an unlocked device with the app open.
func New() *Device {
	return &Device{
		appOpen: true,
		version: [3]byte{1, 2, 0},
	}
}

func (d *Device) SetLocked(locked bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.locked = locked
}

func (d *Device) SetAppOpen(open bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.appOpen = open
}

func (d *Device) SetContractData(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.contractData = on
}

// SetSignStatus makes the device answer sign frames with sw, as if
// the user rejected (StatusUserRejected) or a setting is missing.
// StatusOK restores normal operation.
func (d *Device) SetSignStatus(sw apdu.StatusWord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.signStatus = sw
}

// SetMismatchedKey makes getAccount answer with a public key that the
// address isn't derived from.
func (d *Device) SetMismatchedKey(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.badKey = on
}

func (d *Device) SetHook(h Hook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hook = h
}

// Events returns a copy of everything the device has seen.
func (d *Device) Events() []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Event(nil), d.events...)
}

// Signed returns the content of the latest sign exchange, put back
// together from its frames.
func (d *Device) Signed() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.signed...)
}

// Address is the account address the device derives at path.
func Address(path hdpath.Path) string {
	_, addr := derive(path.Bytes())
	return addr
}

// OpenChannel opens a channel directly on the device.
func (d *Device) OpenChannel(ctx context.Context) (apdu.Transport, error) {
	return d.channel(nil), nil
}

func (d *Device) channel(l *Link) *channel {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels++
	return &channel{dev: d, link: l, id: d.channels}
}

func (d *Device) closeChannel(id int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, Event{Channel: id, Closed: true})
}

func (d *Device) exchange(ctx context.Context, id int, f apdu.Frame) ([]byte, error) {
	d.mu.Lock()
	d.events = append(d.events, Event{Channel: id, Frame: f})
	hook := d.hook
	d.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, f); err != nil {
			return nil, err
		}
	}

	d.mu.Lock()
	resp, sw := d.handle(f)
	d.mu.Unlock()

	rx := binary.BigEndian.AppendUint16(resp, uint16(sw))
	return rx, nil
}

func (d *Device) handle(f apdu.Frame) ([]byte, apdu.StatusWord) {
	if f.Cmd.Class() != 0xe0 {
		return nil, apdu.StatusClaNotSupported
	}
	if d.locked {
		return nil, apdu.StatusDeviceLocked
	}
	if !d.appOpen {
		return nil, apdu.StatusAppNotOpen
	}

	switch f.Cmd.Ins() {
	case 0x06:
		var flags byte
		if d.contractData {
			flags |= 0x01
		}
		return []byte{flags, d.version[0], d.version[1], d.version[2]}, apdu.StatusOK

	case 0x02:
		path, ok := splitPath(f.Data)
		if !ok || len(path) != len(f.Data) {
			return nil, apdu.StatusWrongLength
		}
		pub, addr := derive(path)
		if d.badKey {
			pub[len(pub)-1] ^= 0xff
		}
		rx := append([]byte{byte(len(pub))}, pub...)
		rx = append(rx, byte(len(addr)-2))
		rx = append(rx, addr[2:]...)
		if f.P2 == 0x01 {
			cc := sha256.Sum256(append([]byte("chain"), path...))
			rx = append(rx, cc[:]...)
		}
		return rx, apdu.StatusOK

	case 0x04, 0x09:
		return d.sign(f)
	}

	return nil, apdu.StatusInsNotSupported
}

func (d *Device) sign(f apdu.Frame) ([]byte, apdu.StatusWord) {
	if d.signStatus != 0 && d.signStatus != apdu.StatusOK {
		return nil, d.signStatus
	}

	switch f.P1 {
	case 0x00:
		path, ok := splitPath(f.Data)
		if !ok {
			return nil, apdu.StatusWrongLength
		}
		rest := f.Data[len(path):]
		d.lengthPrefix = f.Cmd.Ins() == 0x09
		if d.lengthPrefix {
			if len(rest) < 4 {
				return nil, apdu.StatusWrongLength
			}
			rest = rest[4:]
		}
		d.signPath = path
		d.signed = append([]byte(nil), rest...)
	case 0x80:
		if d.signPath == nil {
			return nil, apdu.StatusWrongLength
		}
		d.signed = append(d.signed, f.Data...)
	default:
		return nil, apdu.StatusWrongLength
	}

	h := sha256.Sum256(append(append([]byte(nil), d.signPath...), d.signed...))
	sig := append(h[:], h[:]...)
	sig = append(sig, 0x00)

	return sig, apdu.StatusOK
}

// splitPath returns the encoded path at the start of data.
func splitPath(data []byte) ([]byte, bool) {
	if len(data) == 0 {
		return nil, false
	}
	n := 1 + 4*int(data[0])
	if len(data) < n {
		return nil, false
	}
	return data[:n], true
}

func derive(path []byte) ([]byte, string) {
	x := sha256.Sum256(append([]byte("x"), path...))
	y := sha256.Sum256(append([]byte("y"), path...))

	pub := append([]byte{0x04}, x[:]...)
	pub = append(pub, y[:]...)

	h := sha3.NewLegacyKeccak256()
	h.Write(pub[1:])
	sum := h.Sum(nil)

	return pub, "0x" + hex.EncodeToString(sum[12:])
}

type channel struct {
	dev  *Device
	link *Link
	id   int

	mu     sync.Mutex
	closed bool
}

func (c *channel) Send(ctx context.Context, f apdu.Frame, accept ...apdu.StatusWord) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrChannelClosed
	}

	if c.link != nil && c.link.gone() {
		return nil, hwerr.ErrDisconnected
	}

	rx, err := c.dev.exchange(ctx, c.id, f)
	if err != nil {
		return nil, err
	}

	return apdu.CheckStatus(f.Cmd, rx, accept...)
}

func (c *channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	c.closed = true
	c.dev.closeChannel(c.id)
	return nil
}
