package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vorpalengineering/x402-adserver/resource/client"
	"github.com/vorpalengineering/x402-adserver/utils"
)

func payloadCmd() *cobra.Command {
	var requirementsInput, privateKey, output string
	var decode bool

	cmd := &cobra.Command{
		Use:   "payload",
		Short: "Build a signed X-PAYMENT header for payment requirements",
		Example: `  x402cli payload -r requirements.json --private-key 0x...
  x402cli payload -r '{"scheme":"exact",...}' --decode`,
		RunE: func(cmd *cobra.Command, args []string) error {
			requirements, err := readRequirements(requirementsInput)
			if err != nil {
				return err
			}
			key, err := loadPrivateKey(privateKey)
			if err != nil {
				return err
			}

			header, err := client.BuildPaymentHeader(key, requirements)
			if err != nil {
				return fmt.Errorf("failed to build payment: %w", err)
			}

			if !decode {
				return writeOutput([]byte(header+"\n"), output)
			}

			payload, err := utils.DecodePaymentHeader(header)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "X-PAYMENT: %s\n\n", header)
			return printJSON(payload, output)
		},
	}

	cmd.Flags().StringVarP(&requirementsInput, "requirements", "r", "", "Payment requirements as JSON string or file path (required)")
	cmd.Flags().StringVar(&privateKey, "private-key", "", "Hex private key of the payer (default $"+envPrivateKey+")")
	cmd.Flags().BoolVar(&decode, "decode", false, "Also print the decoded payment payload")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the result to a file")
	_ = cmd.MarkFlagRequired("requirements")
	return cmd
}
