// Command eventbusd runs the KernelCI event bus service.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "eventbusd",
		Short: "Hybrid pub/sub event bus for the CI control plane",
		Long: `eventbusd fronts the CI control plane with an event bus that combines
fire-and-forget real-time delivery over a channel broker with durable,
resumable delivery backed by a persistent event log.`,
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newCleanupCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
