// SPDX-FileCopyrightText: 2026 Tillitis AB <tillitis.se>
// SPDX-License-Identifier: BSD-2-Clause

package apdu

import (
	"encoding/binary"
	"fmt"
	"slices"
)

// StatusWord is the two byte code ending every response.
type StatusWord uint16

const (
	StatusOK                   StatusWord = 0x9000
	StatusDeviceLocked         StatusWord = 0x5515
	StatusAppNotOpen           StatusWord = 0x6511
	StatusWrongLength          StatusWord = 0x6700
	StatusSecurityNotSatisfied StatusWord = 0x6982
	StatusUserRejected         StatusWord = 0x6985
	StatusContractDataOff      StatusWord = 0x6A80 // enable contract data / multi-clause
	StatusLockedScreen         StatusWord = 0x6B0C
	StatusInsNotSupported      StatusWord = 0x6D00
	StatusClaNotSupported      StatusWord = 0x6E00
	StatusAppNotOpenLegacy     StatusWord = 0x6E01
)

func (s StatusWord) String() string {
	return fmt.Sprintf("0x%04X", uint16(s))
}

const ErrShortResponse = constError("response shorter than status word")

// StatusError is returned when the device answers with a status word
// the caller didn't accept.
type StatusError struct {
	Cmd    Cmd
	Status StatusWord
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%v: device status %v", e.Cmd, e.Status)
}

// SplitStatus separates the response data from the trailing status
// word.
func SplitStatus(rx []byte) ([]byte, StatusWord, error) {
	if len(rx) < 2 {
		return nil, 0, ErrShortResponse
	}
	n := len(rx) - 2
	return rx[:n], StatusWord(binary.BigEndian.Uint16(rx[n:])), nil
}

// CheckStatus returns the data part of rx if its status word is in
// accept, and a *StatusError otherwise. An empty accept means
// StatusOK only.
func CheckStatus(cmd Cmd, rx []byte, accept ...StatusWord) ([]byte, error) {
	data, sw, err := SplitStatus(rx)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", cmd, err)
	}

	if len(accept) == 0 {
		accept = []StatusWord{StatusOK}
	}
	if !slices.Contains(accept, sw) {
		return nil, &StatusError{Cmd: cmd, Status: sw}
	}

	return data, nil
}
