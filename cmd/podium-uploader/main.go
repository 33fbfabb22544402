package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "podium-uploader: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "podium-uploader",
		Short: "Bulk submission pipeline for Podium presentation batches",
		Long: `podium-uploader drives the full submission pipeline for a batch of
presentation recordings: parallel uploads, processing triggers and status
reconciliation until every file is transcribed and graded.`,
		SilenceUsage: true,
	}
	cmd.AddCommand(
		newUploadCmd(),
		newExportCmd(),
		newStubCmd(),
		newVersionCmd(),
	)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("podium-uploader %s (%s)\n", version, commit)
		},
	}
}
