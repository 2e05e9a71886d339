// SPDX-FileCopyrightText: 2026 Tillitis AB <tillitis.se>
// SPDX-License-Identifier: BSD-2-Clause

// Package config reads the agent settings from a TOML file. Keys not
// in the file keep their defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/tillitis/ledger-agent/connection"
	"github.com/tillitis/ledger-agent/hdpath"
	"github.com/tillitis/ledger-agent/session"
	"github.com/tillitis/ledger-agent/transport"
)

type Config struct {
	Port                     string
	Speed                    int
	TCP                      string
	RootPath                 hdpath.Path
	ExpectedRoot             string
	PollInterval             time.Duration
	ReconnectDelay           time.Duration
	ConnectTimeout           time.Duration
	AwaitingSignatureTimeout time.Duration
}

func Default() Config {
	return Config{
		Speed:          transport.SerialSpeed,
		RootPath:       hdpath.Parse(session.RootPath),
		PollInterval:   connection.DefaultPollInterval,
		ReconnectDelay: connection.DefaultReconnectDelay,
		ConnectTimeout: connection.DefaultConnectTimeout,
	}
}

type fileConfig struct {
	Port                     string `toml:"port"`
	Speed                    int    `toml:"speed"`
	TCP                      string `toml:"tcp"`
	RootPath                 string `toml:"root_path"`
	ExpectedRoot             string `toml:"expected_root"`
	PollInterval             string `toml:"poll_interval"`
	ReconnectDelay           string `toml:"reconnect_delay"`
	ConnectTimeout           string `toml:"connect_timeout"`
	AwaitingSignatureTimeout string `toml:"awaiting_signature_timeout"`
}

// Load reads the file at path on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("unknown config key %q", undecoded[0].String())
	}

	if meta.IsDefined("port") {
		cfg.Port = strings.TrimSpace(raw.Port)
	}

	if meta.IsDefined("speed") {
		cfg.Speed = raw.Speed
	}

	if meta.IsDefined("tcp") {
		cfg.TCP = strings.TrimSpace(raw.TCP)
	}

	if meta.IsDefined("root_path") {
		cfg.RootPath = hdpath.Parse(strings.TrimSpace(raw.RootPath))
	}

	if meta.IsDefined("expected_root") {
		cfg.ExpectedRoot = strings.TrimSpace(raw.ExpectedRoot)
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"poll_interval", raw.PollInterval, &cfg.PollInterval},
		{"reconnect_delay", raw.ReconnectDelay, &cfg.ReconnectDelay},
		{"connect_timeout", raw.ConnectTimeout, &cfg.ConnectTimeout},
		{"awaiting_signature_timeout", raw.AwaitingSignatureTimeout, &cfg.AwaitingSignatureTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) Validate() error {
	if c.Port != "" && c.TCP != "" {
		return errors.New("port and tcp are mutually exclusive")
	}
	if c.Speed <= 0 {
		return fmt.Errorf("invalid speed %d", c.Speed)
	}
	if len(c.RootPath) == 0 {
		return errors.New("empty root_path")
	}
	if c.PollInterval <= 0 || c.ReconnectDelay <= 0 || c.ConnectTimeout <= 0 {
		return errors.New("poll_interval, reconnect_delay and connect_timeout must be positive")
	}
	if c.AwaitingSignatureTimeout < 0 {
		return errors.New("negative awaiting_signature_timeout")
	}
	return nil
}

// ManagerOptions configures a connection.Manager polling under lock.
func (c Config) ManagerOptions(lock *session.Lock) []func(*connection.Manager) {
	return []func(*connection.Manager){
		connection.WithLock(lock),
		connection.WithRootPath(c.RootPath),
		connection.WithPollInterval(c.PollInterval),
		connection.WithReconnectDelay(c.ReconnectDelay),
		connection.WithConnectTimeout(c.ConnectTimeout),
	}
}

// SessionOptions configures a session.Session holding lock.
func (c Config) SessionOptions(lock *session.Lock) []func(*session.Session) {
	return []func(*session.Session){
		session.WithLock(lock),
		session.WithRootPath(c.RootPath),
		session.WithAwaitingSignatureTimeout(c.AwaitingSignatureTimeout),
	}
}
