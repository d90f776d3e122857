package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/vorpalengineering/x402-adserver/webhook"
)

func signWebhookCmd() *cobra.Command {
	var secret, payload, timestamp, nonce, signature string

	cmd := &cobra.Command{
		Use:   "sign-webhook",
		Short: "Compute or check the signature headers of a webhook delivery",
		Example: `  x402cli sign-webhook --secret whsec_0123456789abcdef --payload event.json
  x402cli sign-webhook --secret whsec_0123456789abcdef --payload event.json -t 1700000000000 -n abc --verify 5f2c...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readJSONOrFile(payload)
			if err != nil {
				return err
			}
			if timestamp == "" {
				timestamp = strconv.FormatInt(time.Now().UnixMilli(), 10)
			}
			if nonce == "" {
				nonce = uuid.NewString()
			}

			if signature != "" {
				if !webhook.VerifySignature(secret, timestamp, nonce, body, signature) {
					return fmt.Errorf("signature mismatch")
				}
				fmt.Println("Signature valid")
				return nil
			}

			fmt.Printf("%s: %s\n", webhook.HeaderTimestamp, timestamp)
			fmt.Printf("%s: %s\n", webhook.HeaderNonce, nonce)
			fmt.Printf("%s: %s\n", webhook.HeaderSignature, webhook.SignPayload(secret, timestamp, nonce, body))
			return nil
		},
	}

	cmd.Flags().StringVar(&secret, "secret", "", "Publisher webhook secret (required)")
	cmd.Flags().StringVar(&payload, "payload", "", "Delivery body as JSON string or file path (required)")
	cmd.Flags().StringVarP(&timestamp, "timestamp", "t", "", "Timestamp in unix milliseconds (default now)")
	cmd.Flags().StringVarP(&nonce, "nonce", "n", "", "Delivery nonce (default random UUID)")
	cmd.Flags().StringVar(&signature, "verify", "", "Check this signature instead of printing a new one")
	_ = cmd.MarkFlagRequired("secret")
	_ = cmd.MarkFlagRequired("payload")
	return cmd
}
