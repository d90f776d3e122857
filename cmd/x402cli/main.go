package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "x402cli",
		Short:         "x402cli - CLI tool for x402-protected resources and the ad server",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(payCmd())
	rootCmd.AddCommand(payloadCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(settleCmd())
	rootCmd.AddCommand(supportedCmd())
	rootCmd.AddCommand(signWebhookCmd())
	rootCmd.AddCommand(tokenCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
