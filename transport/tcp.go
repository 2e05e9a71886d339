// SPDX-FileCopyrightText: 2026 Tillitis AB <tillitis.se>
// SPDX-License-Identifier: BSD-2-Clause

package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/tillitis/ledger-agent/connection"
	"github.com/tillitis/ledger-agent/hwerr"
)

// The device emulator speaks APDUs over TCP:
//
//	request:  [length:4 BE][APDU]
//	response: [length:4 BE][data][status word:2]
//
// where the response length excludes the status word.

// maxTCPReply bounds the announced response length, the largest
// extended APDU response.
const maxTCPReply = 0x10000

func tcpExchange(rw io.ReadWriter, tx []byte) ([]byte, error) {
	msg := binary.BigEndian.AppendUint32(nil, uint32(len(tx)))
	msg = append(msg, tx...)
	if _, err := rw.Write(msg); err != nil {
		return nil, fmt.Errorf("Write: %w", err)
	}

	var hdr [4]byte
	if _, err := io.ReadFull(rw, hdr[:]); err != nil {
		return nil, fmt.Errorf("ReadFull: %w", err)
	}

	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxTCPReply {
		return nil, fmt.Errorf("%w: reply length %d", hwerr.ErrMalformedResponse, n)
	}

	rx := make([]byte, int(n)+2)
	if _, err := io.ReadFull(rw, rx); err != nil {
		return nil, fmt.Errorf("ReadFull: %w", err)
	}

	return rx, nil
}

// TCPDriver connects to a device emulator listening on a TCP address.
// The address is the device id.
type TCPDriver struct {
	addr   string
	dialer net.Dialer
}

func NewTCPDriver(addr string) *TCPDriver {
	return &TCPDriver{addr: addr}
}

// Scan reports the emulator address once.
func (d *TCPDriver) Scan(ctx context.Context) (<-chan connection.ScanResult, error) {
	ch := make(chan connection.ScanResult, 1)
	ch <- connection.ScanResult{ID: d.addr, Name: "emulator", Connectable: true}
	close(ch)
	return ch, nil
}

func (d *TCPDriver) Open(ctx context.Context, id string) (connection.Link, error) {
	conn, err := d.dialer.DialContext(ctx, "tcp", id)
	if err != nil {
		return nil, fmt.Errorf("DialContext: %w", err)
	}

	le.Info().Str("addr", id).Msg("connected to emulator")

	return newLink(conn, tcpExchange), nil
}
