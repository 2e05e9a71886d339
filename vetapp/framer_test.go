// SPDX-FileCopyrightText: 2026 Tillitis AB <tillitis.se>
// SPDX-License-Identifier: BSD-2-Clause

package vetapp

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tillitis/ledger-agent/apdu"
	"github.com/tillitis/ledger-agent/hdpath"
)

func collectFrames(t *testing.T, ch *signChunker) []apdu.Frame {
	t.Helper()

	var frames []apdu.Frame
	for ch.More() {
		f, err := ch.Next()
		require.NoError(t, err)
		frames = append(frames, f)
	}
	return frames
}

func TestSignChunkerRoundTrip(t *testing.T) {
	for _, lengthPrefixed := range []bool{false, true} {
		for _, n := range []int{0, 1, 254, 255, 256, 1000} {
			t.Run(fmt.Sprintf("len=%d json=%v", n, lengthPrefixed), func(t *testing.T) {
				content := make([]byte, n)
				for i := range content {
					content[i] = byte(i * 7)
				}

				ch, err := newSignChunker(cmdSignTransaction, testPath, content, lengthPrefixed)
				require.NoError(t, err)

				frames := collectFrames(t, ch)
				require.Len(t, frames, ch.Count())

				hdr := testPath.EncodedLen()
				if lengthPrefixed {
					hdr += contentLenSize
					got := binary.BigEndian.Uint32(frames[0].Data[testPath.EncodedLen():])
					assert.Equal(t, uint32(n), got)
				}
				assert.Equal(t, testPath.Bytes(), frames[0].Data[:testPath.EncodedLen()])

				var joined []byte
				joined = append(joined, frames[0].Data[hdr:]...)
				for _, f := range frames[1:] {
					joined = append(joined, f.Data...)
				}
				if n == 0 {
					assert.Empty(t, joined)
				} else {
					assert.Equal(t, content, joined)
				}

				for i, f := range frames {
					assert.LessOrEqual(t, len(f.Data), apdu.MaxData)
					if i == 0 {
						assert.Equal(t, byte(0x00), f.P1)
					} else {
						assert.Equal(t, byte(0x80), f.P1)
						assert.NotEmpty(t, f.Data)
					}
				}
			})
		}
	}
}

func TestSignChunkerCapacity(t *testing.T) {
	t.Run("First frame fills up", func(t *testing.T) {
		// 255 - 1 - 4*5 = 234 content bytes fit the first frame.
		ch, err := newSignChunker(cmdSignTransaction, testPath, make([]byte, 234), false)
		require.NoError(t, err)
		assert.Equal(t, 1, ch.Count())

		ch, err = newSignChunker(cmdSignTransaction, testPath, make([]byte, 235), false)
		require.NoError(t, err)
		assert.Equal(t, 2, ch.Count())
	})

	t.Run("Length prefix takes four bytes", func(t *testing.T) {
		ch, err := newSignChunker(cmdSignJSON, testPath, make([]byte, 230), true)
		require.NoError(t, err)
		assert.Equal(t, 1, ch.Count())

		ch, err = newSignChunker(cmdSignJSON, testPath, make([]byte, 231), true)
		require.NoError(t, err)
		assert.Equal(t, 2, ch.Count())
	})

	t.Run("Path too long", func(t *testing.T) {
		long := make(hdpath.Path, 64)
		_, err := newSignChunker(cmdSignTransaction, long, nil, false)
		assert.Error(t, err)
	})

	t.Run("Next after end", func(t *testing.T) {
		ch, err := newSignChunker(cmdSignTransaction, testPath, nil, false)
		require.NoError(t, err)
		collectFrames(t, ch)
		_, err = ch.Next()
		assert.Error(t, err)
	})
}

func TestProgress(t *testing.T) {
	assert.Equal(t, 33, progress(1, 3))
	assert.Equal(t, 67, progress(2, 3))
	assert.Equal(t, 100, progress(3, 3))
	assert.Equal(t, 100, progress(1, 1))
}
