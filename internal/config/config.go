// Package config defines keyholderd's CLI surface and turns parsed
// flags into the typed configuration the server package consumes.
package config

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/urfave/cli/v2"
)

var (
	PortFlag = &cli.IntFlag{
		Name:     "port",
		Required: true,
		Usage:    "TCP port to listen on",
	}
	ServerCertFlag = &cli.StringFlag{
		Name:     "server-cert",
		Required: true,
		Usage:    "path to the server's TLS certificate (PEM)",
	}
	ServerKeyFlag = &cli.StringFlag{
		Name:     "server-key",
		Required: true,
		Usage:    "path to the server's TLS private key (PEM)",
	}
	PrivateKeyDirectoryFlag = &cli.StringFlag{
		Name:     "private-key-directory",
		Required: true,
		Usage:    "directory of *.key private keys to serve",
	}
	CipherListFlag = &cli.StringFlag{
		Name:     "cipher-list",
		Required: true,
		Usage:    "comma-separated list of TLS cipher suite names",
	}
	CAFileFlag = &cli.StringFlag{
		Name:     "ca-file",
		Required: true,
		Usage:    "path to the CA bundle used to verify client certificates",
	}
	NumWorkersFlag = &cli.IntFlag{
		Name:  "num-workers",
		Value: 1,
		Usage: "number of worker processes sharing the listening socket (1-32)",
	}
	PIDFileFlag = &cli.StringFlag{
		Name:  "pid-file",
		Usage: "optional path to write the parent process's pid",
	}
	SilentFlag = &cli.BoolFlag{
		Name:  "silent",
		Value: false,
		Usage: "suppress informational logging, reporting only errors",
	}
	LogJSONFlag = &cli.BoolFlag{
		Name:  "log-json",
		Value: false,
		Usage: "log in JSON format instead of text",
	}

	Flags = []cli.Flag{
		PortFlag,
		ServerCertFlag,
		ServerKeyFlag,
		PrivateKeyDirectoryFlag,
		CipherListFlag,
		CAFileFlag,
		NumWorkersFlag,
		PIDFileFlag,
		SilentFlag,
		LogJSONFlag,
	}
)

// Config is the fully parsed, validated process configuration.
type Config struct {
	Port                int
	ServerCertPath      string
	ServerKeyPath       string
	PrivateKeyDirectory string
	CipherSuites        []uint16
	CAFilePath          string
	NumWorkers          int
	PIDFilePath         string
}

// FromContext validates and extracts a Config from parsed CLI flags.
func FromContext(cCtx *cli.Context) (Config, error) {
	numWorkers := cCtx.Int(NumWorkersFlag.Name)
	if numWorkers < 1 || numWorkers > 32 {
		return Config{}, fmt.Errorf("config: --num-workers must be between 1 and 32, got %d", numWorkers)
	}

	port := cCtx.Int(PortFlag.Name)
	if port < 1 || port > 65535 {
		return Config{}, fmt.Errorf("config: --port must be a valid TCP port, got %d", port)
	}

	suites, err := parseCipherList(cCtx.String(CipherListFlag.Name))
	if err != nil {
		return Config{}, err
	}

	return Config{
		Port:                port,
		ServerCertPath:      cCtx.String(ServerCertFlag.Name),
		ServerKeyPath:       cCtx.String(ServerKeyFlag.Name),
		PrivateKeyDirectory: cCtx.String(PrivateKeyDirectoryFlag.Name),
		CipherSuites:        suites,
		CAFilePath:          cCtx.String(CAFileFlag.Name),
		NumWorkers:          numWorkers,
		PIDFilePath:         cCtx.String(PIDFileFlag.Name),
	}, nil
}

// parseCipherList maps comma-separated cipher suite names (as reported
// by tls.CipherSuiteName) onto their tls.CipherSuite IDs.
func parseCipherList(raw string) ([]uint16, error) {
	names := strings.Split(raw, ",")
	byName := make(map[string]uint16, len(tls.CipherSuites()))
	for _, cs := range tls.CipherSuites() {
		byName[cs.Name] = cs.ID
	}

	suites := make([]uint16, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		id, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("config: unknown cipher suite %q", name)
		}
		suites = append(suites, id)
	}
	if len(suites) == 0 {
		return nil, fmt.Errorf("config: --cipher-list must name at least one cipher suite")
	}
	return suites, nil
}

// SetupLogger builds the process-wide structured logger from the
// --log-json/--silent flags.
func SetupLogger(cCtx *cli.Context) *slog.Logger {
	level := slog.LevelInfo
	if cCtx.Bool(SilentFlag.Name) {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cCtx.Bool(LogJSONFlag.Name) {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler).With("service", "keyholderd")
}

// WritePIDFile writes the current process's PID to path, if path is
// non-empty. It is the caller's responsibility to remove the file on
// shutdown.
func WritePIDFile(path string, pid int) error {
	if path == "" {
		return nil
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", pid)), 0o644)
}
