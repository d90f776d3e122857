package utils

import (
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/vorpalengineering/x402-adserver/types"
)

const ERC20BalanceOfABI = `[{
	"constant": true,
	"inputs": [{"name": "account", "type": "address"}],
	"name": "balanceOf",
	"outputs": [{"name": "", "type": "uint256"}],
	"type": "function"
}]`

const EIP3009TransferWithAuthABI = `[{
	"inputs": [
		{"name": "from", "type": "address"},
		{"name": "to", "type": "address"},
		{"name": "value", "type": "uint256"},
		{"name": "validAfter", "type": "uint256"},
		{"name": "validBefore", "type": "uint256"},
		{"name": "nonce", "type": "bytes32"},
		{"name": "v", "type": "uint8"},
		{"name": "r", "type": "bytes32"},
		{"name": "s", "type": "bytes32"}
	],
	"name": "transferWithAuthorization",
	"outputs": [],
	"stateMutability": "nonpayable",
	"type": "function"
}]`

// Default EIP-712 domain of USDC deployments.
const (
	DefaultTokenName    = "USD Coin"
	DefaultTokenVersion = "2"
)

// namedNetworks maps x402 v1 network names to chain ids.
var namedNetworks = map[string]int64{
	"ethereum":       1,
	"mainnet":        1,
	"sepolia":        11155111,
	"base":           8453,
	"base-sepolia":   84532,
	"optimism":       10,
	"arbitrum":       42161,
	"polygon":        137,
	"polygon-amoy":   80002,
	"avalanche":      43114,
	"avalanche-fuji": 43113,
}

func GetChainID(network string) (*big.Int, error) {
	if id, ok := namedNetworks[strings.ToLower(network)]; ok {
		return big.NewInt(id), nil
	}

	// Otherwise expect CAIP-2 format (e.g. "eip155:8453")
	substrings := strings.Split(network, ":")
	if len(substrings) != 2 || substrings[0] != "eip155" {
		return nil, fmt.Errorf("unknown network: %s", network)
	}
	chainId, ok := new(big.Int).SetString(substrings[1], 10)
	if !ok {
		return nil, fmt.Errorf("failed to parse CAIP-2 network string: %s", network)
	}
	return chainId, nil
}

func EncodePaymentHeader(payload *types.PaymentPayload) (string, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(payloadJSON), nil
}

func DecodePaymentHeader(header string) (*types.PaymentPayload, error) {
	// Decode base64
	decoded, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("invalid base64: %w", err)
	}

	// Parse JSON
	var payload types.PaymentPayload
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	return &payload, nil
}

// EncodePaymentResponse encodes a settlement result for the
// X-PAYMENT-RESPONSE header.
func EncodePaymentResponse(resp *types.SettleResponse) (string, error) {
	raw, err := json.Marshal(resp)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment response: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func DecodePaymentResponse(header string) (*types.SettleResponse, error) {
	decoded, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("invalid base64: %w", err)
	}
	var resp types.SettleResponse
	if err := json.Unmarshal(decoded, &resp); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return &resp, nil
}

// TokenDomain returns the EIP-712 domain name and version of the asset,
// read from the requirements extra field when present.
func TokenDomain(requirements *types.PaymentRequirements) (name, version string) {
	name, version = DefaultTokenName, DefaultTokenVersion
	if n, ok := requirements.Extra["name"].(string); ok && n != "" {
		name = n
	}
	if v, ok := requirements.Extra["version"].(string); ok && v != "" {
		version = v
	}
	return name, version
}

func ExtractVRS(signatureHex string) (v uint8, r [32]byte, s [32]byte, err error) {
	// Decode hex signature
	signature, err := hexutil.Decode("0x" + strings.TrimPrefix(signatureHex, "0x"))
	if err != nil {
		return 0, [32]byte{}, [32]byte{}, fmt.Errorf("invalid signature format: %w", err)
	}

	// Signature should be 65 bytes (r: 32, s: 32, v: 1)
	if len(signature) != 65 {
		return 0, [32]byte{}, [32]byte{}, fmt.Errorf("invalid signature length: expected 65, got %d", len(signature))
	}

	copy(r[:], signature[0:32])
	copy(s[:], signature[32:64])
	v = signature[64]

	// Ethereum uses v = 27 or 28, ensure it's in that range
	if v < 27 {
		v += 27
	}

	return v, r, s, nil
}

func BuildEIP712TypedData(auth *types.ExactSchemePayload, requirements *types.PaymentRequirements) (*apitypes.TypedData, error) {
	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid value: %s", auth.Value)
	}

	chainID, err := GetChainID(requirements.Network)
	if err != nil {
		return nil, fmt.Errorf("failed to parse chain id: %w", err)
	}

	name, version := TokenDomain(requirements)

	return &apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              name,
			Version:           version,
			ChainId:           (*math.HexOrDecimal256)(chainID),
			VerifyingContract: requirements.Asset,
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From,
			"to":          auth.To,
			"value":       value.String(),
			"validAfter":  fmt.Sprintf("%d", auth.ValidAfter),
			"validBefore": fmt.Sprintf("%d", auth.ValidBefore),
			"nonce":       auth.Nonce,
		},
	}, nil
}

// SignTypedData signs the EIP-712 digest and returns a 0x-prefixed
// signature with v in {27, 28}.
func SignTypedData(typedData *apitypes.TypedData, privateKey *ecdsa.PrivateKey) (string, error) {
	hash, _, err := apitypes.TypedDataAndHash(*typedData)
	if err != nil {
		return "", fmt.Errorf("failed to hash typed data: %w", err)
	}

	sig, err := crypto.Sign(hash, privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign: %w", err)
	}

	// Adjust v for Ethereum (add 27)
	sig[64] += 27

	return hexutil.Encode(sig), nil
}

// RecoverTypedDataSigner returns the address that produced signatureHex over
// the EIP-712 digest of typedData.
func RecoverTypedDataSigner(typedData *apitypes.TypedData, signatureHex string) (common.Address, error) {
	signature, err := hexutil.Decode("0x" + strings.TrimPrefix(signatureHex, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid signature format: %w", err)
	}
	if len(signature) != 65 {
		return common.Address{}, fmt.Errorf("invalid signature length: expected 65, got %d", len(signature))
	}

	hash, _, err := apitypes.TypedDataAndHash(*typedData)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to hash typed data: %w", err)
	}

	// ecrecover expects v in {0, 1}
	if signature[64] == 27 || signature[64] == 28 {
		signature[64] -= 27
	}

	pubKey, err := crypto.SigToPub(hash, signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}

	return crypto.PubkeyToAddress(*pubKey), nil
}
