package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vorpalengineering/x402-adserver/facilitator/client"
)

func supportedCmd() *cobra.Command {
	var facilitatorURL string

	cmd := &cobra.Command{
		Use:   "supported",
		Short: "List the scheme and network pairs a facilitator supports",
		RunE: func(cmd *cobra.Command, args []string) error {
			fc := client.NewFacilitatorClient(facilitatorURL)
			resp, err := fc.Supported(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Printf("Facilitator: %s\n\n", fc.URL())
			if len(resp.Kinds) == 0 {
				fmt.Println("No supported kinds reported")
				return nil
			}
			for _, kind := range resp.Kinds {
				fmt.Printf("  %s on %s\n", kind.Scheme, kind.Network)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&facilitatorURL, "facilitator", "f", "http://localhost:4020", "Facilitator base URL")
	return cmd
}
