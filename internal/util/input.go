// SPDX-FileCopyrightText: 2026 Tillitis AB <tillitis.se>
// SPDX-License-Identifier: BSD-2-Clause

package util

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// ReadInput reads the file at path, or stdin if path is "-".
func ReadInput(path string) ([]byte, error) {
	var data []byte
	var err error
	if path == "-" {
		if data, err = io.ReadAll(os.Stdin); err != nil {
			return nil, fmt.Errorf("ReadAll: %w", err)
		}
	} else if data, err = os.ReadFile(path); err != nil {
		return nil, fmt.Errorf("ReadFile: %w", err)
	}
	return data, nil
}

// DecodeTransaction returns the transaction in data, which is either
// hex, with or without 0x, or the raw encoding.
func DecodeTransaction(data []byte) ([]byte, error) {
	s := bytes.TrimSpace(data)
	s = bytes.TrimPrefix(bytes.TrimPrefix(s, []byte("0x")), []byte("0X"))

	if len(s) == 0 {
		return nil, fmt.Errorf("empty transaction")
	}

	tx := make([]byte, hex.DecodedLen(len(s)))
	if _, err := hex.Decode(tx, s); err == nil {
		return tx, nil
	}

	return data, nil
}
