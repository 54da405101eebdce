package server

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/nebocrypt/keyholderd/internal/config"
	"github.com/nebocrypt/keyholderd/internal/keystore"
)

// WorkerEnvVar marks a re-exec'd process as a worker rather than the
// supervising parent.
const WorkerEnvVar = "KEYHOLDERD_WORKER"

// listenerExtraFile is the fd index (after stdin/stdout/stderr) a
// worker finds its inherited listener on, per exec.Cmd.ExtraFiles's
// contract that ExtraFiles[i] becomes fd 3+i in the child.
const listenerExtraFile = 3

// RunSupervisor is the parent process entry point. It validates the
// keystore and TLS configuration up front — so a bad certificate path
// or an empty key directory fails the parent immediately rather than
// surfacing as a worker that starts and exits — then opens the
// listening socket once, re-execs cfg.NumWorkers copies of the current
// binary with that socket's file descriptor inherited, and supervises
// them: SIGTERM is forwarded to every live child, SIGCHLD reaps exited
// children. It returns once every worker has gone: nil (→ exit 0) if a
// SIGTERM was forwarded or every worker exited with status 0, and an
// error (→ exit 1) if at least one worker exited with a nonzero status
// and no SIGTERM was ever forwarded.
//
// Go has no fork(2) with copy-on-write semantics for its own runtime,
// so "N workers sharing one listening socket" is implemented as
// self re-exec instead of a fork loop: each worker is a fresh process
// that reconstructs the keystore and TLS config from the same flags
// the parent validated, rather than inheriting a memory image.
func RunSupervisor(cfg config.Config, log *slog.Logger) error {
	// Validate everything a worker would otherwise fail on only after
	// forking: a bad --server-cert/--ca-file or an empty/unreadable
	// --private-key-directory must abort the parent before any worker
	// is spawned, not surface as a worker exiting 1 that the parent
	// quietly reaps. The parent's Store and tls.Config are discarded
	// once validation passes — each worker reconstructs its own, per
	// the immutable-per-process keystore design.
	if _, err := keystore.Load(cfg.PrivateKeyDirectory, log); err != nil {
		return fmt.Errorf("server: load private keys: %w", err)
	}
	if _, err := BuildTLSConfig(cfg); err != nil {
		return fmt.Errorf("server: build tls config: %w", err)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("server: listen on port %d: %w", cfg.Port, err)
	}
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return fmt.Errorf("server: expected *net.TCPListener, got %T", ln)
	}
	lnFile, err := tcpLn.File()
	if err != nil {
		ln.Close()
		return fmt.Errorf("server: obtain listener fd: %w", err)
	}
	// The *os.File returned by File() is a dup; the supervisor doesn't
	// accept connections itself, so the original listener can close now.
	ln.Close()
	defer lnFile.Close()

	if cfg.PIDFilePath != "" {
		if err := config.WritePIDFile(cfg.PIDFilePath, os.Getpid()); err != nil {
			return fmt.Errorf("server: write pid file: %w", err)
		}
		defer os.Remove(cfg.PIDFilePath)
	}

	live := make(map[int]*exec.Cmd, cfg.NumWorkers)
	for i := 0; i < cfg.NumWorkers; i++ {
		cmd, err := spawnWorker(lnFile, os.Args[1:])
		if err != nil {
			log.Error("failed to spawn worker", "index", i, "error", err)
			continue
		}
		live[cmd.Process.Pid] = cmd
		log.Info("spawned worker", "index", i, "pid", cmd.Process.Pid)
	}
	if len(live) == 0 {
		return fmt.Errorf("server: no worker process could be started")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGCHLD)

	var terminated bool // SIGTERM was forwarded: workers exiting afterward is expected
	var abnormalExit bool
	for len(live) > 0 {
		sig := <-sigCh
		switch sig {
		case syscall.SIGTERM:
			log.Info("received SIGTERM, forwarding to workers")
			terminated = true
			for _, cmd := range live {
				cmd.Process.Signal(syscall.SIGTERM)
			}
		case syscall.SIGCHLD:
			if reapExited(live, log) {
				abnormalExit = true
			}
		}
	}

	if abnormalExit && !terminated {
		return fmt.Errorf("server: a worker exited with a nonzero status before shutdown was requested")
	}
	log.Info("all workers exited, shutting down")
	return nil
}

func spawnWorker(lnFile *os.File, args []string) (*exec.Cmd, error) {
	cmd := exec.Command(os.Args[0], args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{lnFile}
	cmd.Env = append(os.Environ(), WorkerEnvVar+"=1")
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// reapExited non-blockingly collects the exit status of every worker
// that has terminated since the last call, removing it from live. It
// reports whether any reaped worker exited with a nonzero status.
func reapExited(live map[int]*exec.Cmd, log *slog.Logger) bool {
	abnormal := false
	for {
		var ws syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &ws, syscall.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return abnormal
		}
		delete(live, pid)
		log.Info("worker exited", "pid", pid, "status", ws.ExitStatus())
		if ws.ExitStatus() != 0 {
			abnormal = true
		}
	}
}

// IsWorker reports whether the current process was launched by
// RunSupervisor as a worker (as opposed to being the top-level
// supervisor invocation).
func IsWorker() bool {
	return os.Getenv(WorkerEnvVar) != ""
}

// InheritedListener reconstructs the *net.TCPListener a worker process
// receives from its parent via exec.Cmd.ExtraFiles.
func InheritedListener() (*net.TCPListener, error) {
	f := os.NewFile(listenerExtraFile, "listener")
	if f == nil {
		return nil, fmt.Errorf("server: no inherited listener fd found")
	}
	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("server: reconstruct listener: %w", err)
	}
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return nil, fmt.Errorf("server: inherited listener is not TCP (%T)", ln)
	}
	return tcpLn, nil
}
