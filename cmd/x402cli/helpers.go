package main

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/vorpalengineering/x402-adserver/types"
)

// envPrivateKey is read when --private-key is not given.
const envPrivateKey = "X402_PRIVATE_KEY"

// readJSONOrFile returns JSON bytes from either an inline JSON string or a file path.
func readJSONOrFile(input string) ([]byte, error) {
	if strings.HasPrefix(strings.TrimSpace(input), "{") {
		return []byte(input), nil
	}
	data, err := os.ReadFile(input)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", input, err)
	}
	return data, nil
}

func readRequirements(input string) (*types.PaymentRequirements, error) {
	data, err := readJSONOrFile(input)
	if err != nil {
		return nil, err
	}
	var requirements types.PaymentRequirements
	if err := json.Unmarshal(data, &requirements); err != nil {
		return nil, fmt.Errorf("failed to parse requirements JSON: %w", err)
	}
	return &requirements, nil
}

func loadPrivateKey(flagValue string) (*ecdsa.PrivateKey, error) {
	keyHex := flagValue
	if keyHex == "" {
		keyHex = os.Getenv(envPrivateKey)
	}
	if keyHex == "" {
		return nil, fmt.Errorf("--private-key or %s is required", envPrivateKey)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return key, nil
}

// printJSON pretty-prints v to stdout, or writes it to output when set.
func printJSON(v any, output string) error {
	jsonBytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format response: %w", err)
	}
	return writeOutput(append(jsonBytes, '\n'), output)
}

func writeOutput(data []byte, output string) error {
	if output == "" {
		_, err := os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(output, data, 0o644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Output written to %s\n", output)
	return nil
}
