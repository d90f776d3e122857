package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/vorpalengineering/x402-adserver/resource/client"
)

func checkCmd() *cobra.Command {
	var resource, method string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check if a resource requires payment",
		Example: `  x402cli check --resource http://localhost:8080/api/premium/weather-pro`,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Read-only client, no private key needed for checking
			c := client.NewClient(nil)

			resp, requirements, err := c.CheckForPaymentRequired(cmd.Context(), method, resource, "", nil)
			if err != nil {
				return err
			}
			if resp != nil {
				defer resp.Body.Close()
			}

			fmt.Printf("Resource: %s\n", resource)
			if requirements != nil {
				fmt.Printf("Status: %d Payment Required\n\n", http.StatusPaymentRequired)
				return printJSON(requirements, "")
			}

			fmt.Printf("Status: %s\n\n", resp.Status)
			if resp.StatusCode == http.StatusOK {
				fmt.Println("Resource is accessible without payment")
			} else {
				fmt.Printf("Resource returned status %d (not payment-protected)\n", resp.StatusCode)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&resource, "resource", "r", "", "URL of the resource to check (required)")
	cmd.Flags().StringVarP(&method, "method", "m", http.MethodGet, "HTTP method")
	_ = cmd.MarkFlagRequired("resource")
	return cmd
}
