// SPDX-FileCopyrightText: 2026 Tillitis AB <tillitis.se>
// SPDX-License-Identifier: BSD-2-Clause

// Package connection keeps a link to one hardware wallet alive. It
// scans for the device, opens it, waits for the signing app to be
// opened and reads the root account identifying the device. When the
// link is lost it reconnects on its own until told to Disconnect.
//
// The Manager opens channels for a session.Session:
//
//	m := connection.NewManager(driver)
//	err := m.Connect(ctx, id)
//	s := session.New(m)
package connection

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tillitis/ledger-agent/apdu"
	"github.com/tillitis/ledger-agent/hdpath"
	"github.com/tillitis/ledger-agent/hwerr"
	"github.com/tillitis/ledger-agent/session"
	"github.com/tillitis/ledger-agent/vetapp"
)

var le = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

func SilenceLogging() {
	le = zerolog.Nop()
}

const (
	DefaultPollInterval   = time.Second
	DefaultReconnectDelay = 3 * time.Second
	DefaultConnectTimeout = 30 * time.Second
)

var (
	ErrNotReady            = errors.New("device not ready")
	ErrDisconnectRequested = errors.New("disconnect requested")
)

const subscriberBuffer = 64

type Manager struct {
	driver         Driver
	root           hdpath.Path
	lock           *session.Lock
	pollInterval   time.Duration
	reconnectDelay time.Duration
	connectTimeout time.Duration

	// transitionMu orders state changes and their delivery to
	// observers.
	transitionMu sync.Mutex

	mu                    sync.Mutex
	state                 State
	deviceID              string
	link                  Link
	connecting            bool
	reconnecting          bool
	disconnectedOnPurpose bool
	rootAccount           *vetapp.Account
	appConfig             *vetapp.AppConfig
	lastErr               hwerr.Kind
	closed                bool
	subs                  []chan StateChange
	observers             []func(StateChange)

	// Stop handle for everything running in the background for the
	// current connection.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func WithRootPath(path hdpath.Path) func(*Manager) {
	return func(m *Manager) {
		m.root = path
	}
}

// WithLock sets the lock identity polls are serialized on. It must be
// the one the sessions using the manager hold.
func WithLock(lock *session.Lock) func(*Manager) {
	return func(m *Manager) {
		m.lock = lock
	}
}

func WithPollInterval(d time.Duration) func(*Manager) {
	return func(m *Manager) {
		m.pollInterval = d
	}
}

func WithReconnectDelay(d time.Duration) func(*Manager) {
	return func(m *Manager) {
		m.reconnectDelay = d
	}
}

func WithConnectTimeout(d time.Duration) func(*Manager) {
	return func(m *Manager) {
		m.connectTimeout = d
	}
}

// NewManager allocates an idle Manager opening devices with driver.
func NewManager(driver Driver, options ...func(*Manager)) *Manager {
	m := &Manager{
		driver:         driver,
		root:           hdpath.Parse(session.RootPath),
		lock:           session.DefaultLock,
		pollInterval:   DefaultPollInterval,
		reconnectDelay: DefaultReconnectDelay,
		connectTimeout: DefaultConnectTimeout,
		state:          StateIdle,
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError is the kind of the latest failure, kept until the device
// is ready again.
func (m *Manager) LastError() hwerr.Kind {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// RootAccount is the account read from the device when it became
// ready, or nil.
func (m *Manager) RootAccount() *vetapp.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rootAccount
}

// AppConfig is the signing app configuration read when the device
// became ready, or nil.
func (m *Manager) AppConfig() *vetapp.AppConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appConfig
}

func (m *Manager) DeviceID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deviceID
}

// Subscribe returns a channel receiving every state change from now
// on. Changes are dropped for a subscriber that falls too far behind.
// The channel is closed by Close.
func (m *Manager) Subscribe() <-chan StateChange {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan StateChange, subscriberBuffer)
	if m.closed {
		close(ch)
		return ch
	}
	m.subs = append(m.subs, ch)
	return ch
}

// OnStateChange registers fn to be called on every state change, in
// order. fn must not call Connect, Disconnect or Close.
func (m *Manager) OnStateChange(fn func(StateChange)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// Connect looks for the device with id, opens it and waits for it to
// be ready, for at most the connect timeout. It does nothing if the
// device is ready or a connect is already in progress.
//
// If the attempt fails the manager keeps retrying in the background
// until Disconnect.
func (m *Manager) Connect(ctx context.Context, id string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return hwerr.New(hwerr.Generic, "connect", ErrDisconnectRequested)
	}
	if m.state == StateReady || m.connecting {
		state := m.state
		m.mu.Unlock()
		le.Debug().Str("state", state.String()).Msg("connect ignored")
		return nil
	}
	m.connecting = true
	m.disconnectedOnPurpose = false
	m.deviceID = id
	if m.ctx == nil {
		m.ctx, m.cancel = context.WithCancel(context.Background())
	}
	bg := m.ctx
	m.mu.Unlock()

	err := m.establish(ctx, bg, id)

	m.mu.Lock()
	m.connecting = false
	m.mu.Unlock()

	if err != nil {
		m.scheduleReconnect(bg)
	}

	return err
}

// Disconnect closes the link and stops all background work. The
// manager goes idle and does not reconnect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.disconnectedOnPurpose = true
	m.reconnecting = false
	link := m.link
	m.link = nil
	m.rootAccount = nil
	m.appConfig = nil
	cancel := m.cancel
	m.ctx, m.cancel = nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if link != nil {
		if err := link.Close(); err != nil {
			le.Warn().Err(err).Msg("closing link")
		}
	}

	m.setState(StateIdle, hwerr.None)
}

// Close disconnects, waits for background work to finish and closes
// all subscriber channels.
func (m *Manager) Close() {
	// Marked first so a racing Connect can't start a new connection.
	m.mu.Lock()
	already := m.closed
	m.closed = true
	m.mu.Unlock()

	m.Disconnect()
	m.wg.Wait()

	if already {
		return
	}

	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs {
		close(ch)
	}
	m.subs = nil
}

// OpenChannel opens a channel to the ready device.
func (m *Manager) OpenChannel(ctx context.Context) (apdu.Transport, error) {
	m.mu.Lock()
	link, state := m.link, m.state
	m.mu.Unlock()

	if state != StateReady || link == nil {
		return nil, hwerr.New(hwerr.DeviceNotFound, "OpenChannel", fmt.Errorf("%w: %v", ErrNotReady, state))
	}

	t, err := link.Channel(ctx)
	if err != nil {
		return nil, fmt.Errorf("Channel: %w", err)
	}

	return t, nil
}

// establish runs one connection attempt. bg is the stop handle of the
// connection the attempt belongs to.
func (m *Manager) establish(ctx, bg context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()
	stop := context.AfterFunc(bg, cancel)
	defer stop()

	m.setState(StateScanning, hwerr.None)
	if err := m.scan(ctx, id); err != nil {
		return m.fail(ctx, "scan", err)
	}

	m.setState(StateConnecting, hwerr.None)
	link, err := m.driver.Open(ctx, id)
	if err != nil {
		return m.fail(ctx, "open", fmt.Errorf("Open: %w", err))
	}

	m.setState(StateVerifyingIdentity, hwerr.None)
	acc, cfg, err := m.verify(ctx, link)
	if err != nil {
		if cerr := link.Close(); cerr != nil {
			le.Debug().Err(cerr).Msg("closing link")
		}
		return m.fail(ctx, "verify", err)
	}

	m.mu.Lock()
	if m.disconnectedOnPurpose || m.ctx != bg {
		m.mu.Unlock()
		if err := link.Close(); err != nil {
			le.Debug().Err(err).Msg("closing link")
		}
		return hwerr.New(hwerr.Generic, "connect", ErrDisconnectRequested)
	}
	m.link = link
	m.rootAccount = acc
	m.appConfig = cfg
	// Added while bg is still current, so Close can't be waiting yet.
	m.wg.Add(1)
	m.mu.Unlock()

	le.Info().Str("device", id).Str("root", acc.Address).Str("app", cfg.VersionString()).Msg("device ready")
	m.setState(StateReady, hwerr.None)
	m.watch(bg, link)

	return nil
}

func (m *Manager) fail(ctx context.Context, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = hwerr.New(hwerr.ConnectingTimeout, op, err)
	} else {
		err = hwerr.Wrap(op, err)
	}

	le.Info().Err(err).Msg("connect failed")
	m.setState(StateFailed, hwerr.Classify(err))

	return err
}

func (m *Manager) scan(ctx context.Context, id string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results, err := m.driver.Scan(ctx)
	if err != nil {
		return fmt.Errorf("Scan: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r, ok := <-results:
			if !ok {
				return fmt.Errorf("%w: %s", hwerr.ErrDeviceNotFound, id)
			}
			if r.ID == id && r.Connectable {
				le.Debug().Str("device", r.ID).Str("name", r.Name).Msg("found")
				return nil
			}
		}
	}
}

// verify polls the device until the signing app answers. A locked
// device or a closed app is waited out.
func (m *Manager) verify(ctx context.Context, link Link) (*vetapp.Account, *vetapp.AppConfig, error) {
	for {
		acc, cfg, err := m.probe(ctx, link)
		if err == nil {
			return acc, cfg, nil
		}

		switch kind := hwerr.Classify(err); kind {
		case hwerr.NoSigningAppOpen, hwerr.DeviceOffOrLocked:
			m.mu.Lock()
			m.lastErr = kind
			m.mu.Unlock()
			le.Debug().Err(err).Msg("waiting for app")
		default:
			return nil, nil, err
		}

		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-link.Disconnected():
			return nil, nil, hwerr.ErrDisconnected
		case <-time.After(m.pollInterval):
		}
	}
}

func (m *Manager) probe(ctx context.Context, link Link) (*vetapp.Account, *vetapp.AppConfig, error) {
	if err := m.lock.Acquire(ctx); err != nil {
		return nil, nil, fmt.Errorf("Acquire: %w", err)
	}
	defer m.lock.Release()

	t, err := link.Channel(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("Channel: %w", err)
	}

	app := vetapp.New(t)
	defer func() {
		if err := app.Close(); err != nil {
			le.Debug().Err(err).Msg("closing channel")
		}
	}()

	cfg, err := app.GetAppConfiguration(ctx)
	if err != nil {
		return nil, nil, err
	}

	acc, err := app.GetAccount(ctx, m.root, false, false)
	if err != nil {
		return nil, nil, err
	}
	if err := acc.CheckPublicKey(); err != nil {
		return nil, nil, err
	}

	return acc, cfg, nil
}

// watch waits for link to go away. The caller has added to wg.
func (m *Manager) watch(bg context.Context, link Link) {
	go func() {
		defer m.wg.Done()

		select {
		case <-bg.Done():
		case <-link.Disconnected():
			m.lost(bg, link)
		}
	}()
}

func (m *Manager) lost(bg context.Context, link Link) {
	m.mu.Lock()
	if m.link != link {
		m.mu.Unlock()
		return
	}
	m.link = nil
	m.mu.Unlock()

	if err := link.Close(); err != nil {
		le.Debug().Err(err).Msg("closing link")
	}

	le.Info().Msg("device disconnected")
	m.setState(StateDisconnected, hwerr.DeviceOffOrLocked)
	m.scheduleReconnect(bg)
}

// scheduleReconnect starts retrying the connection every reconnect
// delay until it succeeds or bg is done.
func (m *Manager) scheduleReconnect(bg context.Context) {
	m.mu.Lock()
	if m.reconnecting || m.disconnectedOnPurpose || m.ctx != bg {
		m.mu.Unlock()
		return
	}
	m.reconnecting = true
	id := m.deviceID
	m.wg.Add(1)
	m.mu.Unlock()

	m.setState(StateReconnecting, hwerr.None)

	go func() {
		defer m.wg.Done()

		for {
			select {
			case <-bg.Done():
				return
			case <-time.After(m.reconnectDelay):
			}

			m.mu.Lock()
			if m.ctx != bg {
				m.mu.Unlock()
				return
			}
			m.reconnecting = false
			if m.disconnectedOnPurpose || m.connecting || m.state == StateReady {
				m.mu.Unlock()
				return
			}
			m.connecting = true
			m.mu.Unlock()

			le.Info().Str("device", id).Msg("reconnecting")
			err := m.establish(bg, bg, id)

			m.mu.Lock()
			m.connecting = false
			if err == nil || m.ctx != bg || m.reconnecting || m.disconnectedOnPurpose {
				m.mu.Unlock()
				return
			}
			m.reconnecting = true
			m.mu.Unlock()

			m.setState(StateReconnecting, hwerr.None)
		}
	}()
}

// setState moves to state to and tells observers. A change is ignored
// if it doesn't change anything, or if the user has disconnected and
// to isn't StateIdle.
func (m *Manager) setState(to State, kind hwerr.Kind) {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()

	m.mu.Lock()
	if m.disconnectedOnPurpose && to != StateIdle {
		m.mu.Unlock()
		return
	}
	from := m.state
	if from == to {
		m.mu.Unlock()
		return
	}
	m.state = to
	switch {
	case to == StateReady:
		m.lastErr = hwerr.None
	case kind != hwerr.None:
		m.lastErr = kind
	}
	subs := m.subs
	observers := m.observers
	m.mu.Unlock()

	ev := StateChange{From: from, To: to, Err: kind}
	le.Debug().Str("from", from.String()).Str("to", to.String()).Str("err", kind.String()).Msg("state")

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			le.Warn().Msg("subscriber too slow, dropping state change")
		}
	}
	for _, fn := range observers {
		fn(ev)
	}
}
