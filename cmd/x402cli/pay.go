package main

import (
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/vorpalengineering/x402-adserver/resource/client"
)

func payCmd() *cobra.Command {
	var resource, privateKey, method, data, requirementsInput, output string

	cmd := &cobra.Command{
		Use:   "pay",
		Short: "Pay for an x402-protected resource and print its body",
		Example: `  x402cli pay -r http://localhost:8080/api/premium/weather-pro --private-key 0x...
  x402cli pay -r http://localhost:8080/api/premium/weather-pro --requirements requirements.json -o body.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := loadPrivateKey(privateKey)
			if err != nil {
				return err
			}
			c := client.NewClient(key)

			var body []byte
			contentType := ""
			if data != "" {
				body, err = readJSONOrFile(data)
				if err != nil {
					return err
				}
				contentType = "application/json"
			}

			var resp *http.Response
			if requirementsInput != "" {
				requirements, err := readRequirements(requirementsInput)
				if err != nil {
					return err
				}
				resp, err = c.PayWithRequirements(cmd.Context(), method, resource, contentType, body, requirements)
				if err != nil {
					return err
				}
			} else {
				resp, err = c.Do(cmd.Context(), method, resource, contentType, body)
				if err != nil {
					return err
				}
			}
			defer resp.Body.Close()

			respBody, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("failed to read response: %w", err)
			}

			fmt.Fprintf(os.Stderr, "Payer: %s\n", c.Address().Hex())
			fmt.Fprintf(os.Stderr, "Status: %s\n", resp.Status)
			settlement, err := client.DecodePaymentResponse(resp)
			if err != nil {
				return err
			}
			if settlement != nil {
				fmt.Fprintf(os.Stderr, "Settlement: event=%s tx=%s network=%s\n",
					settlement.Event, settlement.TxHash, settlement.Network)
			}

			if err := writeOutput(respBody, output); err != nil {
				return err
			}
			if resp.StatusCode >= http.StatusBadRequest {
				return fmt.Errorf("resource returned status %d", resp.StatusCode)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&resource, "resource", "r", "", "URL of the resource (required)")
	cmd.Flags().StringVar(&privateKey, "private-key", "", "Hex private key of the payer (default $"+envPrivateKey+")")
	cmd.Flags().StringVarP(&method, "method", "m", http.MethodGet, "HTTP method")
	cmd.Flags().StringVarP(&data, "data", "d", "", "Request body as JSON string or file path")
	cmd.Flags().StringVar(&requirementsInput, "requirements", "", "Payment requirements as JSON string or file path, skips the 402 probe")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the response body to a file")
	_ = cmd.MarkFlagRequired("resource")
	return cmd
}
