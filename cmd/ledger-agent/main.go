// SPDX-FileCopyrightText: 2026 Tillitis AB <tillitis.se>
// SPDX-License-Identifier: BSD-2-Clause

package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/tillitis/ledger-agent/apdu"
	"github.com/tillitis/ledger-agent/connection"
	"github.com/tillitis/ledger-agent/hwerr"
	"github.com/tillitis/ledger-agent/internal/config"
	"github.com/tillitis/ledger-agent/internal/logging"
	"github.com/tillitis/ledger-agent/internal/util"
	"github.com/tillitis/ledger-agent/transport"
	"github.com/tillitis/ledger-agent/vetapp"
)

// Use when printing err/diag msgs
var le = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, PartsExclude: []string{zerolog.TimestampFieldName}}).With().Logger()

const progname = "ledger-agent"

var version string

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if version == "" {
		version = readBuildInfo()
	}

	var configPath, port, tcp, expectedRoot, signTxPath, signCertPath string
	var speed int
	var index uint32
	var showAccount, display, chainCode, watch, listPortsOnly, verbose, versionOnly, helpOnly bool

	fs := pflag.NewFlagSet(progname, pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.SortFlags = false
	fs.BoolVarP(&showAccount, "show-account", "a", false,
		"Output the account at --index.")
	fs.StringVar(&signTxPath, "sign-tx", "",
		"Sign the transaction in `FILE`, hex or raw encoded. Use '-' (dash) to read from stdin.")
	fs.StringVar(&signCertPath, "sign-cert", "",
		"Sign the JSON certificate in `FILE`. Use '-' (dash) to read from stdin.")
	fs.BoolVar(&watch, "watch", false,
		"Connect and output connection state changes until interrupted.")
	fs.BoolVarP(&listPortsOnly, "list-ports", "L", false,
		"List possible serial ports to use with --port.")
	fs.Uint32Var(&index, "index", 0,
		"Use the account at `INDEX` under the root path.")
	fs.BoolVar(&display, "display", false,
		"Show the address on the device for checking, with --show-account.")
	fs.BoolVar(&chainCode, "chain-code", false,
		"Also output the chain code, with --show-account.")
	fs.StringVar(&expectedRoot, "expected-root", "",
		"Refuse to sign unless the device root account is `ADDRESS`.")
	fs.StringVar(&configPath, "config", "",
		"Read settings from TOML `FILE`. Flags override it.")
	fs.StringVar(&port, "port", "",
		"Set serial port device `PATH`. If this is not passed, auto-detection will be attempted.")
	fs.IntVar(&speed, "speed", transport.SerialSpeed,
		"Set serial port speed in `BPS` (bits per second).")
	fs.StringVar(&tcp, "tcp", "",
		"Connect to a device emulator at `ADDR` instead of a serial port.")
	fs.BoolVarP(&verbose, "verbose", "v", false, "Log the frames exchanged.")
	fs.BoolVar(&versionOnly, "version", false, "Output version information.")
	fs.BoolVar(&helpOnly, "help", false, "Output this help.")
	fs.Usage = func() {
		desc := fmt.Sprintf(`Usage: %[1]s -a|--sign-tx|--sign-cert|--watch|-L [flags...]

%[1]s talks to the VeChain app on a Ledger hardware wallet. It reads
accounts and signs transactions and certificates with keys that never
leave the device. Before signing, the device is checked to be the one
expected by comparing its root account address.`, progname)
		fmt.Fprintf(os.Stderr, "%s\n\n%s", desc, fs.FlagUsagesWrapped(86))
	}

	if err := fs.Parse(args); err != nil {
		return 2
	}

	if fs.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "Unexpected argument: %s\n\n", strings.Join(fs.Args(), " "))
		fs.Usage()
		return 2
	}

	if helpOnly {
		fs.Usage()
		return 0
	}

	if versionOnly {
		fmt.Printf("%s %s\n", progname, version)
		return 0
	}

	if err := logging.Configure(logging.Runtime, verbose); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 2
	}
	if !verbose {
		apdu.SilenceLogging()
	}

	exclusive := 0
	for _, set := range []bool{showAccount, signTxPath != "", signCertPath != "", watch, listPortsOnly} {
		if set {
			exclusive++
		}
	}
	if exclusive != 1 {
		fmt.Fprintf(os.Stderr, "Pass exactly one of -a, --sign-tx, --sign-cert, --watch, or -L.\n\n")
		fs.Usage()
		return 2
	}

	if listPortsOnly {
		n, err := printPorts()
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		} else if n == 0 {
			return 1
		}
		// Successful only if we found some port
		return 0
	}

	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 2
		}
	}
	if fs.Changed("port") {
		cfg.Port = port
	}
	if fs.Changed("speed") {
		cfg.Speed = speed
	}
	if fs.Changed("tcp") {
		cfg.TCP = tcp
	}
	if fs.Changed("expected-root") {
		cfg.ExpectedRoot = expectedRoot
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 2
	}

	driver, deviceID, err := openDriver(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	if deviceID == "" {
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	agent := NewAgent(cfg, driver, deviceID)
	defer agent.Close()

	if watch {
		if err := agent.Watch(ctx); err != nil {
			le.Error().Err(err).Msg("watch failed")
			return 1
		}
		return 0
	}

	if err := agent.Connect(ctx); err != nil {
		return fail(err)
	}

	switch {
	case showAccount:
		acc, err := agent.Account(ctx, index, display, chainCode)
		if err != nil {
			return fail(err)
		}
		return printJSON(acc)

	case signTxPath != "":
		data, err := util.ReadInput(signTxPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		rawTx, err := util.DecodeTransaction(data)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		sig, err := agent.SignTransaction(ctx, index, rawTx)
		if err != nil {
			return fail(err)
		}
		fmt.Printf("0x%s\n", hex.EncodeToString(sig))

	case signCertPath != "":
		data, err := util.ReadInput(signCertPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		var cert vetapp.Certificate
		if err := json.Unmarshal(data, &cert); err != nil {
			fmt.Fprintf(os.Stderr, "Parse certificate: %v\n", err)
			return 1
		}
		sig, err := agent.SignCertificate(ctx, index, cert)
		if err != nil {
			return fail(err)
		}
		fmt.Printf("0x%s\n", hex.EncodeToString(sig))
	}

	return 0
}

// openDriver picks the emulator or a serial port, auto-detecting the
// port if none is given. An empty device id means none was found.
func openDriver(cfg config.Config) (connection.Driver, string, error) {
	if cfg.TCP != "" {
		return transport.NewTCPDriver(cfg.TCP), cfg.TCP, nil
	}

	devPath := cfg.Port
	if devPath == "" {
		var err error
		devPath, err = transport.DetectSerialPort()
		if err != nil {
			return nil, "", fmt.Errorf("DetectSerialPort: %w", err)
		}
	}

	return transport.NewSerialDriver(transport.WithSpeed(cfg.Speed)), devPath, nil
}

func fail(err error) int {
	le.Debug().Err(err).Msg("failed")
	kind := hwerr.Classify(err)
	fmt.Fprintf(os.Stderr, "%s: %v\n", hint(kind), err)
	if kind.Recoverable() && kind != hwerr.UserRejected {
		fmt.Fprintf(os.Stderr, "Try again when done.\n")
	}
	return exitCode(err)
}

func printJSON(v any) int {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	return 0
}

func readBuildInfo() string {
	version := "devel without BuildInfo"
	if info, ok := debug.ReadBuildInfo(); ok {
		sb := strings.Builder{}
		sb.WriteString("devel")
		for _, setting := range info.Settings {
			if strings.HasPrefix(setting.Key, "vcs") {
				sb.WriteString(fmt.Sprintf(" %s=%s", setting.Key, setting.Value))
			}
		}
		version = sb.String()
	}
	return version
}

func printPorts() (int, error) {
	ports, err := transport.GetSerialPorts()
	if err != nil {
		return 0, fmt.Errorf("Failed to list ports: %w", err)
	}
	if len(ports) == 0 {
		fmt.Fprintf(os.Stderr, "No device serial ports found.\n")
	} else {
		fmt.Fprintf(os.Stderr, "Device serial ports (on stdout):\n")
		for _, p := range ports {
			fmt.Fprintf(os.Stdout, "%s serialNumber:%s product:%s\n", p.DevPath, p.SerialNumber, p.Product)
		}
	}
	return len(ports), nil
}
