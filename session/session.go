// SPDX-FileCopyrightText: 2026 Tillitis AB <tillitis.se>
// SPDX-License-Identifier: BSD-2-Clause

// Package session runs operations against a hardware wallet one at a
// time. Every operation takes the device Lock, opens a channel, checks
// the device is the one expected when signing, and closes the channel
// again before releasing the lock:
//
//	s := session.New(manager)
//	sig, err := s.SignTransaction(ctx, 0, rawTx, rootAddress, vetapp.Callbacks{})
//
// Failures are returned as *hwerr.Error so callers can branch on the
// kind.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tillitis/ledger-agent/apdu"
	"github.com/tillitis/ledger-agent/hdpath"
	"github.com/tillitis/ledger-agent/hwerr"
	"github.com/tillitis/ledger-agent/vetapp"
)

var le = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

func SilenceLogging() {
	le = zerolog.Nop()
}

// RootPath is where the account identifying the device is derived.
const RootPath = "m/44'/818'/0'/0"

var errAwaitingSignatureTimeout = errors.New("no confirmation on device in time")

// Opener opens a channel to the device for the length of one
// operation.
type Opener interface {
	OpenChannel(ctx context.Context) (apdu.Transport, error)
}

type Session struct {
	opener       Opener
	root         hdpath.Path
	lock         *Lock
	awaitTimeout time.Duration

	mu       sync.Mutex
	closeErr error
}

func WithRootPath(path hdpath.Path) func(*Session) {
	return func(s *Session) {
		s.root = path
	}
}

func WithLock(lock *Lock) func(*Session) {
	return func(s *Session) {
		s.lock = lock
	}
}

// WithAwaitingSignatureTimeout limits how long the user has to confirm
// on the device. The clock starts when the device is about to ask.
// Zero means no limit.
func WithAwaitingSignatureTimeout(d time.Duration) func(*Session) {
	return func(s *Session) {
		s.awaitTimeout = d
	}
}

// New allocates a Session opening channels with opener.
func New(opener Opener, options ...func(*Session)) *Session {
	s := &Session{
		opener: opener,
		root:   hdpath.Parse(RootPath),
		lock:   DefaultLock,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// LastCloseError returns the error from the most recent failed channel
// close, if any. Close failures never fail an operation.
func (s *Session) LastCloseError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

// AppConfiguration reads the signing app settings.
func (s *Session) AppConfiguration(ctx context.Context) (*vetapp.AppConfig, error) {
	var cfg *vetapp.AppConfig
	err := s.run(ctx, "getAppConfiguration", func(ctx context.Context, app vetapp.App) error {
		var err error
		cfg, err = app.GetAppConfiguration(ctx)
		return err
	})
	return cfg, err
}

// RootAccount gets the account at the root path.
func (s *Session) RootAccount(ctx context.Context, chainCode bool) (*vetapp.Account, error) {
	var acc *vetapp.Account
	err := s.run(ctx, "getAccount", func(ctx context.Context, app vetapp.App) error {
		var err error
		acc, err = app.GetAccount(ctx, s.root, false, chainCode)
		return err
	})
	return acc, err
}

// GetAccount gets the account at root/index. With display set, the
// device shows the address and the user must approve it.
func (s *Session) GetAccount(ctx context.Context, index uint32, display, chainCode bool) (*vetapp.Account, error) {
	var acc *vetapp.Account
	err := s.run(ctx, "getAccount", func(ctx context.Context, app vetapp.App) error {
		var err error
		acc, err = app.GetAccount(ctx, s.root.Child(index), display, chainCode)
		return err
	})
	return acc, err
}

// SignTransaction signs rawTx with the key at root/index, after
// checking that the device root account is expectedRoot.
func (s *Session) SignTransaction(ctx context.Context, index uint32, rawTx []byte, expectedRoot string, cb vetapp.Callbacks) ([]byte, error) {
	return s.sign(ctx, "signTransaction", index, expectedRoot, cb,
		func(ctx context.Context, app vetapp.App, path hdpath.Path, cb vetapp.Callbacks) ([]byte, error) {
			return app.SignTransaction(ctx, path, rawTx, cb)
		})
}

// SignCertificate signs cert with the key at root/index, after
// checking that the device root account is expectedRoot.
func (s *Session) SignCertificate(ctx context.Context, index uint32, cert vetapp.Certificate, expectedRoot string, cb vetapp.Callbacks) ([]byte, error) {
	return s.sign(ctx, "signCertificate", index, expectedRoot, cb,
		func(ctx context.Context, app vetapp.App, path hdpath.Path, cb vetapp.Callbacks) ([]byte, error) {
			return app.SignCertificate(ctx, path, cert, cb)
		})
}

type signFunc func(ctx context.Context, app vetapp.App, path hdpath.Path, cb vetapp.Callbacks) ([]byte, error)

func (s *Session) sign(ctx context.Context, op string, index uint32, expectedRoot string, cb vetapp.Callbacks, fn signFunc) ([]byte, error) {
	var sig []byte
	err := s.run(ctx, op, func(ctx context.Context, app vetapp.App) error {
		if err := s.verifyRoot(ctx, app, expectedRoot); err != nil {
			return err
		}

		ctx, cb, stop := s.awaitDeadline(ctx, cb)
		defer stop()

		var err error
		sig, err = fn(ctx, app, s.root.Child(index), cb)
		if err != nil && errors.Is(context.Cause(ctx), errAwaitingSignatureTimeout) {
			return hwerr.New(hwerr.AwaitingSignatureTimeout, op, err)
		}
		return err
	})
	return sig, err
}

func (s *Session) verifyRoot(ctx context.Context, app vetapp.App, expectedRoot string) error {
	acc, err := app.GetAccount(ctx, s.root, false, false)
	if err != nil {
		return fmt.Errorf("root account: %w", err)
	}
	if err := acc.CheckPublicKey(); err != nil {
		return fmt.Errorf("root account: %w", err)
	}

	if !strings.EqualFold(acc.Address, expectedRoot) {
		return fmt.Errorf("%w: device has %s, want %s", hwerr.ErrWrongRootAccount, acc.Address, expectedRoot)
	}

	return nil
}

// awaitDeadline arms the confirmation timeout when the device is about
// to ask the user. stop must be called when the exchange is over.
func (s *Session) awaitDeadline(ctx context.Context, cb vetapp.Callbacks) (context.Context, vetapp.Callbacks, func()) {
	if s.awaitTimeout <= 0 {
		return ctx, cb, func() {}
	}

	ctx, cancel := context.WithCancelCause(ctx)
	var timer *time.Timer

	awaiting := cb.OnAwaitingSignature
	cb.OnAwaitingSignature = func() {
		timer = time.AfterFunc(s.awaitTimeout, func() {
			cancel(errAwaitingSignatureTimeout)
		})
		if awaiting != nil {
			awaiting()
		}
	}

	return ctx, cb, func() {
		if timer != nil {
			timer.Stop()
		}
		cancel(nil)
	}
}

// run holds the lock and an open channel for the duration of fn.
func (s *Session) run(ctx context.Context, op string, fn func(ctx context.Context, app vetapp.App) error) error {
	log := le.With().Str("op", op).Str("id", uuid.NewString()).Logger()

	if err := s.lock.Acquire(ctx); err != nil {
		return hwerr.Wrap(op, fmt.Errorf("Acquire: %w", err))
	}
	defer s.lock.Release()
	log.Debug().Msg("lock acquired")

	t, err := s.opener.OpenChannel(ctx)
	if err != nil {
		log.Info().Err(err).Msg("open channel failed")
		return hwerr.Wrap(op, fmt.Errorf("OpenChannel: %w", err))
	}

	app := vetapp.New(t)
	defer func() {
		if err := app.Close(); err != nil {
			log.Warn().Err(err).Msg("close failed")
			s.mu.Lock()
			s.closeErr = err
			s.mu.Unlock()
		}
		log.Debug().Msg("channel closed")
	}()

	if err := fn(ctx, app); err != nil {
		err = hwerr.Wrap(op, err)
		log.Info().Err(err).Msg("failed")
		return err
	}

	log.Debug().Msg("done")
	return nil
}
