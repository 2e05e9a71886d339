// SPDX-FileCopyrightText: 2026 Tillitis AB <tillitis.se>
// SPDX-License-Identifier: BSD-2-Clause

// Package hwerr is the closed set of failure kinds reported for a
// hardware signing device, and the classifier that maps status words
// and transport errors onto it. Both the device session and the
// connection manager report failures through Classify so callers see
// a single taxonomy.
package hwerr

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/tillitis/ledger-agent/apdu"
)

// Kind is the category of a failure.
type Kind uint8

const (
	// None means no failure.
	None Kind = iota
	DeviceOffOrLocked
	NoSigningAppOpen
	WrongRootAccount
	UserRejected
	DeviceNotFound
	ConnectingTimeout
	AwaitingSignatureTimeout
	MalformedResponse
	InvalidSignatureLength
	UnsupportedInstruction
	ConditionsNotSatisfied
	Generic
)

func (k Kind) String() string {
	switch k {
	case None:
		return "None"
	case DeviceOffOrLocked:
		return "DeviceOffOrLocked"
	case NoSigningAppOpen:
		return "NoSigningAppOpen"
	case WrongRootAccount:
		return "WrongRootAccount"
	case UserRejected:
		return "UserRejected"
	case DeviceNotFound:
		return "DeviceNotFound"
	case ConnectingTimeout:
		return "ConnectingTimeout"
	case AwaitingSignatureTimeout:
		return "AwaitingSignatureTimeout"
	case MalformedResponse:
		return "MalformedResponse"
	case InvalidSignatureLength:
		return "InvalidSignatureLength"
	case UnsupportedInstruction:
		return "UnsupportedInstruction"
	case ConditionsNotSatisfied:
		return "ConditionsNotSatisfied"
	case Generic:
		return "Generic"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Recoverable reports whether retrying after the user acts on the
// device (unlocking it, opening the app, confirming, changing a
// setting) can succeed. The other kinds mean the device or the caller
// has to be fixed first.
func (k Kind) Recoverable() bool {
	switch k {
	case DeviceOffOrLocked, NoSigningAppOpen, UserRejected, DeviceNotFound,
		ConnectingTimeout, AwaitingSignatureTimeout, ConditionsNotSatisfied:
		return true
	}
	return false
}

type constError string

func (err constError) Error() string {
	return string(err)
}

const (
	ErrMalformedResponse      = constError("malformed response")
	ErrInvalidSignatureLength = constError("invalid signature length")
	ErrWrongRootAccount       = constError("device root account does not match")
	ErrDeviceNotFound         = constError("device not found")
	ErrDisconnected           = constError("device disconnected")
)

// Error is a failure tagged with its Kind and the operation that hit
// it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New tags err with kind. If err is nil the kind's name is used as
// message.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrap classifies err and tags it. It returns nil for a nil err, and
// err itself if it is already tagged.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}

	var he *Error
	if errors.As(err, &he) {
		return err
	}

	return &Error{Kind: Classify(err), Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// signingCmd is implemented by commands that carry data to be signed.
// A status is interpreted differently when it answers such a command.
type signingCmd interface {
	Signing() bool
}

// Classify maps err to a Kind. A nil err is None. An already tagged
// *Error keeps its kind.
func Classify(err error) Kind {
	if err == nil {
		return None
	}

	var he *Error
	if errors.As(err, &he) {
		return he.Kind
	}

	var se *apdu.StatusError
	if errors.As(err, &se) {
		signing := false
		if sc, ok := se.Cmd.(signingCmd); ok {
			signing = sc.Signing()
		}
		return ClassifyStatus(se.Status, signing)
	}

	switch {
	case errors.Is(err, ErrMalformedResponse), errors.Is(err, apdu.ErrShortResponse):
		return MalformedResponse
	case errors.Is(err, ErrInvalidSignatureLength):
		return InvalidSignatureLength
	case errors.Is(err, ErrWrongRootAccount):
		return WrongRootAccount
	case errors.Is(err, ErrDeviceNotFound):
		return DeviceNotFound
	case errors.Is(err, ErrDisconnected), errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed),
		errors.Is(err, io.ErrClosedPipe):
		return DeviceOffOrLocked
	}

	return Generic
}

// ClassifyStatus maps a raw status word to a Kind. StatusOK is None.
// signing tells whether the status answered a frame carrying data to
// sign.
func ClassifyStatus(sw apdu.StatusWord, signing bool) Kind {
	switch sw {
	case apdu.StatusOK:
		return None
	case apdu.StatusUserRejected:
		return UserRejected
	case apdu.StatusContractDataOff:
		if signing {
			return ConditionsNotSatisfied
		}
		return Generic
	case apdu.StatusInsNotSupported:
		return UnsupportedInstruction
	case apdu.StatusClaNotSupported, apdu.StatusAppNotOpen, apdu.StatusAppNotOpenLegacy:
		return NoSigningAppOpen
	case apdu.StatusDeviceLocked, apdu.StatusLockedScreen, apdu.StatusSecurityNotSatisfied:
		return DeviceOffOrLocked
	}
	return Generic
}
