// SPDX-FileCopyrightText: 2026 Tillitis AB <tillitis.se>
// SPDX-License-Identifier: BSD-2-Clause

// Package transport has the drivers connecting to devices: over a
// serial port with HID style packets, and to a device emulator over
// TCP. A failing read or write loses the link, which the connection
// manager sees as a disconnect.
//
// Ledger devices enumerate as USB HID, not serial. The serial driver
// targets USB serial bridges and emulators exposing the device as a
// serial port.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tillitis/ledger-agent/apdu"
	"github.com/tillitis/ledger-agent/hwerr"
)

var le = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

func SilenceLogging() {
	le = zerolog.Nop()
}

var ErrChannelClosed = errors.New("channel closed")

// exchangeFunc writes one APDU and reads the reply with its status
// word.
type exchangeFunc func(rw io.ReadWriter, tx []byte) ([]byte, error)

type link struct {
	rw       io.ReadWriteCloser
	exchange exchangeFunc

	// Held for a whole exchange.
	mu sync.Mutex

	once     sync.Once
	lost     chan struct{}
	closeErr error
}

func newLink(rw io.ReadWriteCloser, exchange exchangeFunc) *link {
	return &link{
		rw:       rw,
		exchange: exchange,
		lost:     make(chan struct{}),
	}
}

func (l *link) Channel(ctx context.Context) (apdu.Transport, error) {
	if l.gone() {
		return nil, hwerr.ErrDisconnected
	}
	return &channel{l: l}, nil
}

func (l *link) Disconnected() <-chan struct{} {
	return l.lost
}

func (l *link) Close() error {
	l.drop()
	return l.closeErr
}

func (l *link) drop() {
	l.once.Do(func() {
		close(l.lost)
		if err := l.rw.Close(); err != nil {
			l.closeErr = fmt.Errorf("Close: %w", err)
		}
	})
}

func (l *link) gone() bool {
	select {
	case <-l.lost:
		return true
	default:
		return false
	}
}

func (l *link) send(ctx context.Context, f apdu.Frame, accept ...apdu.StatusWord) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.gone() {
		return nil, hwerr.ErrDisconnected
	}

	// An abandoned exchange may still be answered, so the stream
	// can't be trusted afterwards.
	stop := context.AfterFunc(ctx, l.drop)
	defer stop()

	rx, err := l.exchange(l.rw, f.Bytes())
	if err != nil {
		l.drop()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%v: %w", f.Cmd, ctx.Err())
		}
		le.Info().Err(err).Msg("link lost")
		return nil, fmt.Errorf("%w: %v", hwerr.ErrDisconnected, err)
	}

	return apdu.CheckStatus(f.Cmd, rx, accept...)
}

type channel struct {
	l *link

	mu     sync.Mutex
	closed bool
}

func (c *channel) Send(ctx context.Context, f apdu.Frame, accept ...apdu.StatusWord) ([]byte, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrChannelClosed
	}

	return c.l.send(ctx, f, accept...)
}

// Close ends the channel. The link stays open.
func (c *channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	c.closed = true
	return nil
}
