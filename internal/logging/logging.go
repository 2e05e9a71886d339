// SPDX-FileCopyrightText: 2026 Tillitis AB <tillitis.se>
// SPDX-License-Identifier: BSD-2-Clause

// Package logging sets the process wide log level.
package logging

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// EnvLevel names the environment variable overriding the level.
const EnvLevel = "LEDGER_AGENT_LOG_LEVEL"

type Profile int

const (
	// Runtime logs at info level, or debug with verbose.
	Runtime Profile = iota
	// Test logs only errors.
	Test
)

// Configure sets the global level for profile. A level in EnvLevel
// takes precedence.
func Configure(profile Profile, verbose bool) error {
	level := zerolog.InfoLevel
	switch {
	case profile == Test:
		level = zerolog.ErrorLevel
	case verbose:
		level = zerolog.DebugLevel
	}

	if env := strings.TrimSpace(os.Getenv(EnvLevel)); env != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(env))
		if err != nil {
			return fmt.Errorf("%s: %w", EnvLevel, err)
		}
		level = l
	}

	zerolog.SetGlobalLevel(level)
	return nil
}
