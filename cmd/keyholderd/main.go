// Command keyholderd serves private-key cryptographic operations over
// a framed mTLS protocol on behalf of clients that hold a certificate
// but not the corresponding key.
package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/nebocrypt/keyholderd/internal/config"
	"github.com/nebocrypt/keyholderd/internal/keystore"
	"github.com/nebocrypt/keyholderd/internal/server"
)

func main() {
	app := &cli.App{
		Name:  "keyholderd",
		Usage: "serve RSA/ECDSA private-key operations over mTLS",
		Flags: config.Flags,
		Action: func(cCtx *cli.Context) error {
			cfg, err := config.FromContext(cCtx)
			if err != nil {
				return err
			}
			log := config.SetupLogger(cCtx)

			if server.IsWorker() {
				return runWorkerProcess(cfg, log)
			}
			return server.RunSupervisor(cfg, log)
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// runWorkerProcess is executed inside each re-exec'd worker: it
// reconstructs the keystore and TLS config the parent already
// validated, then serves the inherited listening socket until SIGTERM.
func runWorkerProcess(cfg config.Config, log *slog.Logger) error {
	store, err := keystore.Load(cfg.PrivateKeyDirectory, log)
	if err != nil {
		return fmt.Errorf("worker: %w", err)
	}

	tlsCfg, err := server.BuildTLSConfig(cfg)
	if err != nil {
		return fmt.Errorf("worker: %w", err)
	}

	ln, err := server.InheritedListener()
	if err != nil {
		return fmt.Errorf("worker: %w", err)
	}

	return server.RunWorker(ln, tlsCfg, store, log)
}
