// SPDX-FileCopyrightText: 2026 Tillitis AB <tillitis.se>
// SPDX-License-Identifier: BSD-2-Clause

package fakedevice

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tillitis/ledger-agent/apdu"
)

type rawCmd struct {
	cla byte
	ins byte
}

func (c rawCmd) Class() byte {
	return c.cla
}

func (c rawCmd) Ins() byte {
	return c.ins
}

func (c rawCmd) String() string {
	return fmt.Sprintf("ins 0x%02x", c.ins)
}

// Exchange answers a raw APDU with the reply data followed by the
// status word.
func (d *Device) Exchange(ctx context.Context, tx []byte) ([]byte, error) {
	if len(tx) < apdu.HeaderLen || len(tx) != apdu.HeaderLen+int(tx[4]) {
		return binary.BigEndian.AppendUint16(nil, uint16(apdu.StatusWrongLength)), nil
	}

	f := apdu.Frame{
		Cmd:  rawCmd{cla: tx[0], ins: tx[1]},
		P1:   tx[2],
		P2:   tx[3],
		Data: tx[apdu.HeaderLen:],
	}

	return d.exchange(ctx, 0, f)
}

// Serve answers APDUs on rw the way the device emulator does, until
// reading or writing fails.
func (d *Device) Serve(rw io.ReadWriter) error {
	for {
		var hdr [4]byte
		if _, err := io.ReadFull(rw, hdr[:]); err != nil {
			return err
		}

		tx := make([]byte, binary.BigEndian.Uint32(hdr[:]))
		if _, err := io.ReadFull(rw, tx); err != nil {
			return err
		}

		rx, err := d.Exchange(context.Background(), tx)
		if err != nil {
			return err
		}

		resp := binary.BigEndian.AppendUint32(nil, uint32(len(rx)-2))
		resp = append(resp, rx...)
		if _, err := rw.Write(resp); err != nil {
			return err
		}
	}
}
