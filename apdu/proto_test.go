// SPDX-FileCopyrightText: 2026 Tillitis AB <tillitis.se>
// SPDX-License-Identifier: BSD-2-Clause

package apdu

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testCmd struct {
	ins  byte
	name string
}

func (c testCmd) Class() byte    { return 0xe0 }
func (c testCmd) Ins() byte      { return c.ins }
func (c testCmd) String() string { return c.name }

var cmdTest = testCmd{0x02, "cmdTest"}

func TestNewFrame(t *testing.T) {
	t.Run("Encodes header and data", func(t *testing.T) {
		f, err := NewFrame(cmdTest, 0x01, 0x00, []byte{0xaa, 0xbb})
		require.NoError(t, err)
		assert.Equal(t, []byte{0xe0, 0x02, 0x01, 0x00, 0x02, 0xaa, 0xbb}, f.Bytes())
	})

	t.Run("Empty data", func(t *testing.T) {
		f, err := NewFrame(cmdTest, 0, 0, nil)
		require.NoError(t, err)
		assert.Equal(t, []byte{0xe0, 0x02, 0, 0, 0}, f.Bytes())
	})

	t.Run("Max data fits", func(t *testing.T) {
		f, err := NewFrame(cmdTest, 0, 0, bytes.Repeat([]byte{1}, MaxData))
		require.NoError(t, err)
		assert.Equal(t, byte(MaxData), f.Bytes()[4])
	})

	t.Run("Too much data", func(t *testing.T) {
		_, err := NewFrame(cmdTest, 0, 0, make([]byte, MaxData+1))
		assert.Error(t, err)
	})
}

func TestCheckStatus(t *testing.T) {
	t.Run("OK by default", func(t *testing.T) {
		data, err := CheckStatus(cmdTest, []byte{0x01, 0x02, 0x90, 0x00})
		require.NoError(t, err)
		assert.Equal(t, []byte{0x01, 0x02}, data)
	})

	t.Run("Not in allow-list", func(t *testing.T) {
		_, err := CheckStatus(cmdTest, []byte{0x6a, 0x80})

		var se *StatusError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, StatusContractDataOff, se.Status)
		assert.Equal(t, cmdTest, se.Cmd)
	})

	t.Run("Custom allow-list", func(t *testing.T) {
		data, err := CheckStatus(cmdTest, []byte{0x69, 0x85}, StatusOK, StatusUserRejected)
		require.NoError(t, err)
		assert.Empty(t, data)
	})

	t.Run("Short response", func(t *testing.T) {
		_, err := CheckStatus(cmdTest, []byte{0x90})
		assert.ErrorIs(t, err, ErrShortResponse)
	})
}

func TestStatusWordString(t *testing.T) {
	assert.Equal(t, "0x9000", StatusOK.String())
	assert.Equal(t, "0x6A80", StatusContractDataOff.String())
}
