package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vorpalengineering/x402-adserver/facilitator/client"
)

func verifyCmd() *cobra.Command {
	var facilitatorURL, payment, requirementsInput, output string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a payment with a facilitator",
		Example: `  x402cli verify -f http://localhost:4020 -p <x-payment header> -r requirements.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			requirements, err := readRequirements(requirementsInput)
			if err != nil {
				return err
			}

			fc := client.NewFacilitatorClient(facilitatorURL)
			resp, err := fc.Verify(cmd.Context(), payment, requirements)
			if err != nil {
				return fmt.Errorf("verify failed: %w", err)
			}
			return printJSON(resp, output)
		},
	}

	facilitatorFlags(cmd, &facilitatorURL, &payment, &requirementsInput, &output)
	return cmd
}

func settleCmd() *cobra.Command {
	var facilitatorURL, payment, requirementsInput, output string

	cmd := &cobra.Command{
		Use:   "settle",
		Short: "Settle a payment through a facilitator",
		Example: `  x402cli settle -f http://localhost:4020 -p <x-payment header> -r requirements.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			requirements, err := readRequirements(requirementsInput)
			if err != nil {
				return err
			}

			fc := client.NewFacilitatorClient(facilitatorURL)
			resp, err := fc.Settle(cmd.Context(), payment, requirements)
			if err != nil {
				return fmt.Errorf("settle failed: %w", err)
			}
			if err := printJSON(resp, output); err != nil {
				return err
			}
			if !resp.Settled() {
				return fmt.Errorf("payment not settled: %s", resp.Error)
			}
			return nil
		},
	}

	facilitatorFlags(cmd, &facilitatorURL, &payment, &requirementsInput, &output)
	return cmd
}

func facilitatorFlags(cmd *cobra.Command, facilitatorURL, payment, requirements, output *string) {
	cmd.Flags().StringVarP(facilitatorURL, "facilitator", "f", "http://localhost:4020", "Facilitator base URL")
	cmd.Flags().StringVarP(payment, "payment", "p", "", "Base64 X-PAYMENT header value (required)")
	cmd.Flags().StringVarP(requirements, "requirements", "r", "", "Payment requirements as JSON string or file path (required)")
	cmd.Flags().StringVarP(output, "output", "o", "", "Write the response to a file")
	_ = cmd.MarkFlagRequired("payment")
	_ = cmd.MarkFlagRequired("requirements")
}
