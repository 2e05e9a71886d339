// SPDX-FileCopyrightText: 2026 Tillitis AB <tillitis.se>
// SPDX-License-Identifier: BSD-2-Clause

package vetapp

import (
	"encoding/binary"
	"fmt"

	"github.com/tillitis/ledger-agent/apdu"
	"github.com/tillitis/ledger-agent/hdpath"
)

// contentLenSize is the size of the length prefix put in front of a
// JSON document.
const contentLenSize = 4

// signChunker splits data to sign into frames. The first frame holds
// the derivation path, the optional content length and as much
// content as fits:
//
//	Description                  | Length
//	-----------------------------+----------
//	Number of path indices       | 1 byte
//	Path index (big endian)      | 4 bytes each
//	Content length (big endian)  | 4 bytes, JSON only
//	Content chunk                | rest, up to 255 in total
//
// Following frames hold up to 255 bytes of content each and have P1
// set to 0x80. Frames are built on demand so nothing is prepared
// before the device answered the previous one.
type signChunker struct {
	cmd      appCmd
	header   []byte
	content  []byte
	firstCap int
	offset   int
	sent     int
	count    int
}

func newSignChunker(cmd appCmd, path hdpath.Path, content []byte, lengthPrefixed bool) (*signChunker, error) {
	if len(path) > hdpath.MaxDepth {
		return nil, fmt.Errorf("path has %d indices, max is %d", len(path), hdpath.MaxDepth)
	}

	header := path.Bytes()
	if lengthPrefixed {
		header = binary.BigEndian.AppendUint32(header, uint32(len(content)))
	}

	firstCap := apdu.MaxData - len(header)
	if firstCap < 0 {
		return nil, fmt.Errorf("path too long for a %v frame", cmd)
	}

	count := 1
	if rest := len(content) - firstCap; rest > 0 {
		count += (rest + apdu.MaxData - 1) / apdu.MaxData
	}

	return &signChunker{
		cmd:      cmd,
		header:   header,
		content:  content,
		firstCap: firstCap,
		count:    count,
	}, nil
}

// Count is the number of frames needed.
func (c *signChunker) Count() int {
	return c.count
}

// More reports whether there are frames left to send.
func (c *signChunker) More() bool {
	return c.sent < c.count
}

// Next builds the next frame.
func (c *signChunker) Next() (apdu.Frame, error) {
	if !c.More() {
		return apdu.Frame{}, fmt.Errorf("no frames left")
	}

	var f apdu.Frame
	var err error

	if c.sent == 0 {
		n := min(c.firstCap, len(c.content))
		data := make([]byte, 0, len(c.header)+n)
		data = append(data, c.header...)
		data = append(data, c.content[:n]...)
		c.offset = n

		f, err = apdu.NewFrame(c.cmd, p1FirstChunk, 0, data)
	} else {
		n := min(apdu.MaxData, len(c.content)-c.offset)
		data := c.content[c.offset : c.offset+n]
		c.offset += n

		f, err = apdu.NewFrame(c.cmd, p1MoreChunks, 0, data)
	}
	if err != nil {
		return apdu.Frame{}, err
	}

	c.sent++

	return f, nil
}
