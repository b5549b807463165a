package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var binVersion = "dev"

// Execute wires up the command tree and runs it. The root context ends
// on SIGINT or SIGTERM so ports, sessions and servers shut down
// together.
func Execute(version string) error {
	binVersion = version

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rootCmd := &cobra.Command{
		Use:   "reflectd",
		Short: "reflectd runs a reflectance bench: a rotary stage and a DAQ behind one sweep engine",
	}
	rootCmd.AddCommand(NewServeCommand(ctx))
	rootCmd.AddCommand(NewRunCommand(ctx))
	rootCmd.AddCommand(NewVersionCommand())
	return rootCmd.Execute()
}
