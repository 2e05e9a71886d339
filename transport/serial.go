// SPDX-FileCopyrightText: 2026 Tillitis AB <tillitis.se>
// SPDX-License-Identifier: BSD-2-Clause

package transport

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/tillitis/ledger-agent/connection"
)

const (
	ledgerUSBVID = "2C97"

	// Speed in bps for talking to the device
	SerialSpeed = 115200

	// How often the port list is checked while scanning, and while
	// a link is open to notice the device going away.
	DefaultProbeInterval = time.Second
)

type SerialPort struct {
	DevPath      string
	SerialNumber string
	Product      string
}

// GetSerialPorts lists the USB serial ports of connected devices.
func GetSerialPorts() ([]SerialPort, error) {
	var ports []SerialPort
	portDetails, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("GetDetailedPortsList: %w", err)
	}
	for _, port := range portDetails {
		if port.IsUSB && strings.EqualFold(port.VID, ledgerUSBVID) {
			ports = append(ports, SerialPort{port.Name, port.SerialNumber, port.Product})
		}
	}
	return ports, nil
}

// DetectSerialPort returns the port of the only connected device. It
// returns "" and explains on stderr if there is none or more than one.
func DetectSerialPort() (string, error) {
	ports, err := GetSerialPorts()
	if err != nil {
		return "", err
	}
	if len(ports) == 0 {
		fmt.Fprintf(os.Stderr, "Could not detect any device serial ports. You may pass\n"+
			"a known path using the --port flag.\n")
		return "", nil
	}
	if len(ports) > 1 {
		fmt.Fprintf(os.Stderr, "Detected %d device serial ports:\n", len(ports))
		for _, p := range ports {
			fmt.Fprintf(os.Stderr, "%s with serial number %s\n", p.DevPath, p.SerialNumber)
		}
		fmt.Fprintf(os.Stderr, "Please choose one of the above by using the --port flag.\n")
		return "", nil
	}
	fmt.Fprintf(os.Stderr, "Auto-detected serial port %s\n", ports[0].DevPath)
	return ports[0].DevPath, nil
}

// SerialDriver opens devices on USB serial ports. The port path is the
// device id.
type SerialDriver struct {
	speed         int
	probeInterval time.Duration
	listPorts     func() ([]SerialPort, error)
}

func WithSpeed(speed int) func(*SerialDriver) {
	return func(d *SerialDriver) {
		d.speed = speed
	}
}

func WithProbeInterval(interval time.Duration) func(*SerialDriver) {
	return func(d *SerialDriver) {
		d.probeInterval = interval
	}
}

func NewSerialDriver(options ...func(*SerialDriver)) *SerialDriver {
	d := &SerialDriver{
		speed:         SerialSpeed,
		probeInterval: DefaultProbeInterval,
		listPorts:     GetSerialPorts,
	}
	for _, opt := range options {
		opt(d)
	}
	return d
}

// Scan reports the connected devices every probe interval until ctx
// is done.
func (d *SerialDriver) Scan(ctx context.Context) (<-chan connection.ScanResult, error) {
	ch := make(chan connection.ScanResult)

	go func() {
		defer close(ch)

		for {
			ports, err := d.listPorts()
			if err != nil {
				le.Warn().Err(err).Msg("listing ports")
			}
			for _, p := range ports {
				r := connection.ScanResult{ID: p.DevPath, Name: p.Product, Connectable: true}
				select {
				case ch <- r:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(d.probeInterval):
			}
		}
	}()

	return ch, nil
}

func (d *SerialDriver) Open(ctx context.Context, id string) (connection.Link, error) {
	port, err := serial.Open(id, &serial.Mode{BaudRate: d.speed})
	if err != nil {
		return nil, fmt.Errorf("Open %s: %w", id, err)
	}

	// The user may take any time to confirm on the device.
	if err := port.SetReadTimeout(serial.NoTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("SetReadTimeout: %w", err)
	}

	l := newLink(port, hidExchange)
	go d.watch(l, id)

	return l, nil
}

// watch drops l when the port is no longer listed.
func (d *SerialDriver) watch(l *link, id string) {
	for {
		select {
		case <-l.lost:
			return
		case <-time.After(d.probeInterval):
		}

		ports, err := d.listPorts()
		if err != nil {
			continue
		}
		if !hasPort(ports, id) {
			le.Info().Str("port", id).Msg("port gone")
			l.drop()
			return
		}
	}
}

func hasPort(ports []SerialPort, path string) bool {
	for _, p := range ports {
		if p.DevPath == path {
			return true
		}
	}
	return false
}
