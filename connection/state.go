// SPDX-FileCopyrightText: 2026 Tillitis AB <tillitis.se>
// SPDX-License-Identifier: BSD-2-Clause

package connection

import "github.com/tillitis/ledger-agent/hwerr"

// State is where the manager is in the life of a device connection.
type State uint8

const (
	// StateIdle is the start state, and where an explicit Disconnect
	// ends up.
	StateIdle State = iota

	// StateScanning looks for the wanted device among those the
	// driver can see.
	StateScanning

	// StateConnecting opens a link to the device.
	StateConnecting

	// StateVerifyingIdentity polls the device until the signing app
	// answers and reads its root account.
	StateVerifyingIdentity

	// StateReady means operations may be run.
	StateReady

	// StateDisconnected is entered when the link is lost.
	StateDisconnected

	// StateReconnecting waits out the reconnect delay before the
	// next attempt.
	StateReconnecting

	// StateFailed is entered when an attempt fails. LastError holds
	// the reason.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateVerifyingIdentity:
		return "verifying identity"
	case StateReady:
		return "ready"
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// StateChange is published on every transition. Err is the kind of
// failure that caused it, if any.
type StateChange struct {
	From State
	To   State
	Err  hwerr.Kind
}
