// SPDX-FileCopyrightText: 2026 Tillitis AB <tillitis.se>
// SPDX-License-Identifier: BSD-2-Clause

package connection

import (
	"context"

	"github.com/tillitis/ledger-agent/apdu"
)

// ScanResult is a device seen by a Driver.
type ScanResult struct {
	ID          string
	Name        string
	Connectable bool
}

// Driver finds and opens devices over one kind of transport.
type Driver interface {
	// Scan reports devices until ctx is done or the driver has
	// nothing more to report, then closes the channel.
	Scan(ctx context.Context) (<-chan ScanResult, error)

	// Open connects to the device with the given id.
	Open(ctx context.Context, id string) (Link, error)
}

// Link is an open connection to one device.
type Link interface {
	// Channel opens a channel for one operation. Closing the
	// channel leaves the link open.
	Channel(ctx context.Context) (apdu.Transport, error)

	// Disconnected is closed when the link is lost.
	Disconnected() <-chan struct{}

	Close() error
}
