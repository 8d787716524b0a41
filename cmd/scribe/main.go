// Command scribe transcribes audio and video into speaker-attributed
// Markdown. It runs as an HTTP service with a background worker, or drives
// the same pipeline directly from the command line.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"scribe/internal/version"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "scribe",
		Short:         "Offline transcription with speaker diarization",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	addGlobalFlags(rootCmd)

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newSubmitCmd())
	rootCmd.AddCommand(newTranscribeCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newJobsCmd())
	rootCmd.AddCommand(newCancelCmd())
	rootCmd.AddCommand(newRecoverCmd())
	rootCmd.AddCommand(newCacheCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}
