// SPDX-FileCopyrightText: 2026 Tillitis AB <tillitis.se>
// SPDX-License-Identifier: BSD-2-Clause

// Package apdu holds the command frame used to talk to the signing
// app on a hardware wallet, the status words it answers with, and the
// Transport contract that channels to the device implement.
//
// A frame is built like this:
//
//	f, err := apdu.NewFrame(cmd, p1, p2, data)
//
// and exchanged with:
//
//	rx, err := t.Send(ctx, f, apdu.StatusOK)
//
// where rx is the response data with the status word removed.
package apdu

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/rs/zerolog"
)

var le = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

func SilenceLogging() {
	le = zerolog.Nop()
}

// MaxData is the most data bytes a single frame can carry, since the
// length is encoded in one byte.
const MaxData = 255

// HeaderLen is the size of CLA, INS, P1, P2 and Lc.
const HeaderLen = 5

// Cmd identifies a command understood by the device: its class and
// instruction byte.
type Cmd interface {
	Class() byte
	Ins() byte
	String() string
}

// Frame is one command sent to the device.
type Frame struct {
	Cmd  Cmd
	P1   byte
	P2   byte
	Data []byte
}

// NewFrame returns a frame for cmd. It fails if data doesn't fit in a
// single frame.
func NewFrame(cmd Cmd, p1, p2 byte, data []byte) (Frame, error) {
	if len(data) > MaxData {
		return Frame{}, fmt.Errorf("%v: data length %d exceeds %d", cmd, len(data), MaxData)
	}

	return Frame{Cmd: cmd, P1: p1, P2: p2, Data: data}, nil
}

// Bytes encodes the frame as it is sent on the wire:
//
//	CLA | INS | P1 | P2 | Lc | data
//
// Lc is the length of data, which NewFrame guarantees fits a byte.
func (f Frame) Bytes() []byte {
	b := make([]byte, HeaderLen, HeaderLen+len(f.Data))
	b[0] = f.Cmd.Class()
	b[1] = f.Cmd.Ins()
	b[2] = f.P1
	b[3] = f.P2
	b[4] = byte(len(f.Data))
	return append(b, f.Data...)
}

func (f Frame) String() string {
	return fmt.Sprintf("%v p1=0x%02x p2=0x%02x lc=%d", f.Cmd, f.P1, f.P2, len(f.Data))
}

// Transport is a request/response channel to the device. Any wireless
// or wired implementation satisfying it is interchangeable.
type Transport interface {
	// Send writes f and waits for the response. The trailing status
	// word is checked against accept (StatusOK if empty) and removed
	// from the returned data. A status outside accept is reported as
	// a *StatusError.
	Send(ctx context.Context, f Frame, accept ...StatusWord) ([]byte, error)

	// Close releases the channel.
	Close() error
}

// Dump hexdumps the frame or response in d with an explaining string
// s first.
func Dump(s string, d []byte) {
	if len(d) == 0 {
		le.Debug().Msgf("%s: no data", s)
		return
	}
	le.Debug().Msgf("%s (%d bytes):\n%s", s, len(d), hex.Dump(d))
}

type constError string

func (err constError) Error() string {
	return string(err)
}
