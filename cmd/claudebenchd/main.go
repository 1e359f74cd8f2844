// Command claudebenchd is the kernel's process entry point: load config,
// build the Kernel composition root, run until SIGINT/SIGTERM. Exit codes
// follow §6.6: 0 clean shutdown, 1 configuration error, 2 KV unreachable at
// startup, 3 port already in use.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/claudebench/kernel/infrastructure/utils"
	"github.com/claudebench/kernel/internal/config"
	"github.com/claudebench/kernel/internal/kernel"
)

const (
	exitOK = iota
	exitConfigError
	exitKVUnreachable
	exitPortInUse
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return exitConfigError
	}

	instanceID := utils.Coalesce(os.Getenv("INSTANCE_ID"), uuid.NewString())

	if err := checkPortFree(cfg.Port); err != nil {
		fmt.Fprintf(os.Stderr, "port in use: %v\n", err)
		return exitPortInUse
	}

	k, err := kernel.New(cfg, instanceID)
	if err != nil {
		if isKVUnreachable(err) {
			fmt.Fprintf(os.Stderr, "kv unreachable: %v\n", err)
			return exitKVUnreachable
		}
		fmt.Fprintf(os.Stderr, "startup error: %v\n", err)
		return exitConfigError
	}

	if err := k.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "run error: %v\n", err)
		return exitKVUnreachable
	}
	return exitOK
}

// checkPortFree probes the listening port before building the kernel, so a
// bind conflict is reported as exit 3 rather than masked by a generic
// startup error.
func checkPortFree(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	return ln.Close()
}

func isKVUnreachable(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connect kv") || strings.Contains(msg, "dial tcp") || strings.Contains(msg, "connection refused")
}
