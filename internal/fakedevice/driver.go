// SPDX-FileCopyrightText: 2026 Tillitis AB <tillitis.se>
// SPDX-License-Identifier: BSD-2-Clause

package fakedevice

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tillitis/ledger-agent/apdu"
	"github.com/tillitis/ledger-agent/connection"
	"github.com/tillitis/ledger-agent/hwerr"
)

var ErrNoSuchDevice = errors.New("no such device")

// Driver sees the devices added to it. It keeps reporting them every
// ScanInterval, or only once if ScanOnce is set.
type Driver struct {
	ScanInterval time.Duration
	ScanOnce     bool

	mu      sync.Mutex
	devices map[string]*Device
	hidden  map[string]bool
	links   []*Link
	opens   int
}

func NewDriver() *Driver {
	return &Driver{
		ScanInterval: 5 * time.Millisecond,
		devices:      make(map[string]*Device),
		hidden:       make(map[string]bool),
	}
}

func (dr *Driver) Add(id string, d *Device) {
	dr.mu.Lock()
	defer dr.mu.Unlock()
	dr.devices[id] = d
}

// SetVisible shows or hides the device from scans, like a device that
// is switched off.
func (dr *Driver) SetVisible(id string, visible bool) {
	dr.mu.Lock()
	defer dr.mu.Unlock()
	dr.hidden[id] = !visible
}

// Opens is the number of links opened so far.
func (dr *Driver) Opens() int {
	dr.mu.Lock()
	defer dr.mu.Unlock()
	return dr.opens
}

// LastLink is the most recently opened link, or nil.
func (dr *Driver) LastLink() *Link {
	dr.mu.Lock()
	defer dr.mu.Unlock()
	if len(dr.links) == 0 {
		return nil
	}
	return dr.links[len(dr.links)-1]
}

func (dr *Driver) Scan(ctx context.Context) (<-chan connection.ScanResult, error) {
	ch := make(chan connection.ScanResult)

	go func() {
		defer close(ch)

		for {
			for _, r := range dr.visible() {
				select {
				case ch <- r:
				case <-ctx.Done():
					return
				}
			}

			if dr.ScanOnce {
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(dr.ScanInterval):
			}
		}
	}()

	return ch, nil
}

func (dr *Driver) visible() []connection.ScanResult {
	dr.mu.Lock()
	defer dr.mu.Unlock()

	var rs []connection.ScanResult
	for id := range dr.devices {
		if !dr.hidden[id] {
			rs = append(rs, connection.ScanResult{ID: id, Name: "fake " + id, Connectable: true})
		}
	}
	return rs
}

func (dr *Driver) Open(ctx context.Context, id string) (connection.Link, error) {
	dr.mu.Lock()
	defer dr.mu.Unlock()

	d, ok := dr.devices[id]
	if !ok || dr.hidden[id] {
		return nil, ErrNoSuchDevice
	}

	l := &Link{dev: d, lost: make(chan struct{})}
	dr.links = append(dr.links, l)
	dr.opens++

	return l, nil
}

// Link is an open link to a Device.
type Link struct {
	dev  *Device
	once sync.Once
	lost chan struct{}

	mu     sync.Mutex
	closed bool
}

func (l *Link) Channel(ctx context.Context) (apdu.Transport, error) {
	if l.gone() {
		return nil, hwerr.ErrDisconnected
	}
	return l.dev.channel(l), nil
}

func (l *Link) Disconnected() <-chan struct{} {
	return l.lost
}

// Drop loses the link, as when the device is unplugged.
func (l *Link) Drop() {
	l.once.Do(func() {
		close(l.lost)
	})
}

func (l *Link) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.Drop()
	return nil
}

func (l *Link) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Link) gone() bool {
	select {
	case <-l.lost:
		return true
	default:
		return false
	}
}
