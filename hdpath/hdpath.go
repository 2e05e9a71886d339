// SPDX-FileCopyrightText: 2026 Tillitis AB <tillitis.se>
// SPDX-License-Identifier: BSD-2-Clause

// Package hdpath turns human readable derivation paths like
// "m/44'/818'/0'/0/3" into the list of indices sent to a device.
package hdpath

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Hardened is added to an index to request hardened derivation.
const Hardened uint32 = 0x8000_0000

// MaxDepth is the longest path a frame can describe, since the count
// is sent as a single byte.
const MaxDepth = 255

// Path is an ordered list of derivation indices.
type Path []uint32

// Parse splits s on "/" and converts each segment to an index. A
// trailing ' marks the segment as hardened. Segments that aren't
// numbers, such as the leading "m", are skipped rather than rejected,
// as are hardened segments that don't fit below Hardened. Anything beyond MaxDepth indices is dropped.
func Parse(s string) Path {
	var p Path

	for _, seg := range strings.Split(s, "/") {
		seg = strings.TrimSpace(seg)

		hardened := strings.HasSuffix(seg, "'")
		if hardened {
			seg = strings.TrimSuffix(seg, "'")
		}

		n, err := strconv.ParseUint(seg, 10, 32)
		if err != nil {
			continue
		}

		idx := uint32(n)
		if hardened {
			if idx >= Hardened {
				continue
			}
			idx += Hardened
		}

		if len(p) == MaxDepth {
			break
		}
		p = append(p, idx)
	}

	return p
}

// Child returns a copy of p with index appended.
func (p Path) Child(index uint32) Path {
	c := make(Path, len(p), len(p)+1)
	copy(c, p)
	return append(c, index)
}

// Bytes flattens the path into the on-wire form: the number of
// indices in one byte followed by each index as a big endian uint32.
func (p Path) Bytes() []byte {
	b := make([]byte, 1+4*len(p))
	b[0] = byte(len(p))
	for i, idx := range p {
		binary.BigEndian.PutUint32(b[1+4*i:], idx)
	}
	return b
}

// EncodedLen is the number of bytes Bytes() returns.
func (p Path) EncodedLen() int {
	return 1 + 4*len(p)
}

func (p Path) String() string {
	var sb strings.Builder
	sb.WriteString("m")
	for _, idx := range p {
		if idx >= Hardened {
			fmt.Fprintf(&sb, "/%d'", idx-Hardened)
		} else {
			fmt.Fprintf(&sb, "/%d", idx)
		}
	}
	return sb.String()
}
