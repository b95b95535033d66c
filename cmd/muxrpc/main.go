package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	c := &cobra.Command{
		Use:           "muxrpc",
		Short:         "multiplexed RPC over a single local connection",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	c.AddCommand(
		newServeCmd(),
		newCallCmd(),
	)
	return c
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
