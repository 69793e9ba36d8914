package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

// errNotApproved makes process-issue exit non-zero without printing twice.
var errNotApproved = errors.New("run ended without approval")

var (
	configPath string
	envFile    string
	rootCmd    = &cobra.Command{
		Use:   "codeloop",
		Short: "codeloop - issue to pull request with automated review",
		Long: `codeloop turns an issue into a pull request with a code agent, waits for CI,
has a reviewer agent judge the result and iterates on its feedback until the
pull request is approved or the iteration limit is reached.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "path to .env file (optional)")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		if !errors.Is(err, errNotApproved) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
