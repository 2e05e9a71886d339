// SPDX-FileCopyrightText: 2026 Tillitis AB <tillitis.se>
// SPDX-License-Identifier: BSD-2-Clause

package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HID packets carry an APDU or a reply split over 64 byte packets:
//
//	Description      | Length
//	-----------------+--------------------------
//	Channel          | 2 bytes, 0x0101
//	Tag              | 1 byte, 0x05
//	Sequence index   | 2 bytes, big endian
//	Payload length   | 2 bytes, first packet only
//	Payload          | rest of packet, 0 padded
const (
	hidPacketSize = 64
	hidChannel    = 0x0101
	hidTagAPDU    = 0x05
	hidHeaderLen  = 5
)

var (
	errReadTimeout   = errors.New("read timed out")
	errInvalidHeader = errors.New("invalid HID packet header")
	errOutOfSequence = errors.New("HID packet out of sequence")
)

// hidPackets splits payload into HID packets.
func hidPackets(payload []byte) [][]byte {
	msg := binary.BigEndian.AppendUint16(nil, uint16(len(payload)))
	msg = append(msg, payload...)

	var packets [][]byte
	for seq := 0; len(msg) > 0; seq++ {
		p := make([]byte, hidPacketSize)
		binary.BigEndian.PutUint16(p[0:], hidChannel)
		p[2] = hidTagAPDU
		binary.BigEndian.PutUint16(p[3:], uint16(seq))

		n := copy(p[hidHeaderLen:], msg)
		msg = msg[n:]

		packets = append(packets, p)
	}

	return packets
}

// hidExchange writes tx as HID packets and reads the reply, status
// word included.
func hidExchange(rw io.ReadWriter, tx []byte) ([]byte, error) {
	for _, p := range hidPackets(tx) {
		if _, err := rw.Write(p); err != nil {
			return nil, fmt.Errorf("Write: %w", err)
		}
	}

	return readHIDReply(rw)
}

func readHIDReply(r io.Reader) ([]byte, error) {
	var reply []byte
	want := -1
	p := make([]byte, hidPacketSize)

	for seq := 0; want < 0 || len(reply) < want; seq++ {
		if err := readFull(r, p); err != nil {
			return nil, err
		}

		if binary.BigEndian.Uint16(p[0:]) != hidChannel || p[2] != hidTagAPDU {
			return nil, errInvalidHeader
		}
		if got := int(binary.BigEndian.Uint16(p[3:])); got != seq {
			return nil, fmt.Errorf("%w: got %d, want %d", errOutOfSequence, got, seq)
		}

		payload := p[hidHeaderLen:]
		if seq == 0 {
			want = int(binary.BigEndian.Uint16(payload))
			reply = make([]byte, 0, want)
			payload = payload[2:]
		}

		left := want - len(reply)
		reply = append(reply, payload[:min(left, len(payload))]...)
	}

	return reply, nil
}

// readFull is io.ReadFull, except that a Read returning nothing and no
// error is a timeout, as from a serial port with a read timeout.
func readFull(r io.Reader, buf []byte) error {
	for n := 0; n < len(buf); {
		m, err := r.Read(buf[n:])
		if err != nil {
			return fmt.Errorf("Read: %w", err)
		}
		if m == 0 {
			return errReadTimeout
		}
		n += m
	}

	return nil
}
