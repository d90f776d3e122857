package facilitator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/vorpalengineering/x402-adserver/types"
	"github.com/vorpalengineering/x402-adserver/utils"
)

const defaultReceiptPoll = time.Second

func failed(reason string) *types.SettleResponse {
	return &types.SettleResponse{Event: types.EventPaymentFailed, Error: reason}
}

func (f *Facilitator) settlePayment(ctx context.Context, paymentHeader string, requirements *types.PaymentRequirements) *types.SettleResponse {
	// Re-verify before spending gas
	verified, rejection := f.verifyPayment(ctx, paymentHeader, requirements)
	if rejection != nil {
		f.log.Info("settlement rejected", "reason", rejection.Reason, "detail", rejection.Detail)
		return failed(rejection.Reason)
	}
	auth := verified.Auth

	// Reject concurrent or repeated settlement of the same authorization
	if !f.claimNonce(auth) {
		f.log.Info("settlement rejected", "reason", ReasonNonceUsed, "payer", auth.From)
		return failed(ReasonNonceUsed)
	}

	receipt, txHash, err := f.sendTransferWithAuthorization(ctx, verified.Client, auth, requirements)
	if err != nil {
		f.releaseNonce(auth)
		f.log.Error("settlement failed", "payer", auth.From, "tx_hash", txHash, "error", err)
		res := failed(ReasonSettlementFailed)
		res.TxHash = txHash
		return res
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		// A reverted transfer leaves the authorization unused on chain
		f.releaseNonce(auth)
		f.log.Warn("settlement reverted", "payer", auth.From, "tx_hash", txHash)
		res := failed(ReasonSettlementFailed)
		res.TxHash = txHash
		res.BlockNumber = receipt.BlockNumber.Uint64()
		return res
	}

	res := &types.SettleResponse{
		Event:       types.EventPaymentSettled,
		TxHash:      txHash,
		From:        common.HexToAddress(auth.From).Hex(),
		To:          common.HexToAddress(auth.To).Hex(),
		Value:       auth.Value,
		BlockNumber: receipt.BlockNumber.Uint64(),
		Network:     requirements.Network,
	}

	// Block timestamp is informational; a missing header does not undo the settlement
	header, err := verified.Client.HeaderByNumber(ctx, receipt.BlockNumber)
	if err != nil {
		f.log.Warn("failed to fetch settlement block", "block", res.BlockNumber, "error", err)
		res.Timestamp = f.now().Unix()
	} else {
		res.Timestamp = int64(header.Time)
	}

	f.log.Info("payment settled", "payer", res.From, "tx_hash", txHash, "network", res.Network, "block", res.BlockNumber)
	return res
}

// sendTransferWithAuthorization submits the authorization from the
// facilitator signer and waits for its receipt. The hash is returned
// whenever a transaction was sent, even if waiting failed.
func (f *Facilitator) sendTransferWithAuthorization(
	ctx context.Context,
	client ChainClient,
	auth *types.ExactSchemePayload,
	requirements *types.PaymentRequirements,
) (*ethtypes.Receipt, string, error) {
	callData, err := packTransferWithAuthorization(auth)
	if err != nil {
		return nil, "", err
	}

	// Get nonce for facilitator address
	nonce, err := client.PendingNonceAt(ctx, f.config.Signer.Address)
	if err != nil {
		return nil, "", fmt.Errorf("failed to get nonce: %w", err)
	}

	// Get gas price
	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("failed to get gas price: %w", err)
	}

	// Check gas price against max gas price from config
	maxGasPrice, ok := new(big.Int).SetString(f.config.Transaction.MaxGasPrice, 10)
	if !ok {
		return nil, "", fmt.Errorf("failed to parse max gas price: %s", f.config.Transaction.MaxGasPrice)
	}

	if gasPrice.Cmp(maxGasPrice) > 0 {
		return nil, "", fmt.Errorf("gas price too high: suggested %s wei exceeds max %s wei", gasPrice.String(), maxGasPrice.String())
	}

	// Estimate gas
	tokenAddress := common.HexToAddress(requirements.Asset)
	gasLimit, err := client.EstimateGas(ctx, ethereum.CallMsg{
		From: f.config.Signer.Address,
		To:   &tokenAddress,
		Data: callData,
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to estimate gas: %w", err)
	}

	// Create transaction
	tx := ethtypes.NewTransaction(
		nonce,
		tokenAddress,
		big.NewInt(0), // No ETH value, just calling contract
		gasLimit,
		gasPrice,
		callData,
	)

	// Get chain ID
	chainID, err := f.chainID(requirements.Network)
	if err != nil {
		return nil, "", err
	}

	// Sign transaction
	signedTx, err := ethtypes.SignTx(tx, ethtypes.NewEIP155Signer(chainID), f.config.Signer.PrivateKey)
	if err != nil {
		return nil, "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	// Send transaction
	if err := client.SendTransaction(ctx, signedTx); err != nil {
		return nil, "", fmt.Errorf("failed to send transaction: %w", err)
	}
	txHash := signedTx.Hash().Hex()

	receipt, err := f.waitForReceipt(ctx, client, signedTx.Hash())
	if err != nil {
		return nil, txHash, err
	}
	return receipt, txHash, nil
}

// waitForReceipt polls until the transaction is mined or the configured
// transaction timeout elapses.
func (f *Facilitator) waitForReceipt(ctx context.Context, client ChainClient, hash common.Hash) (*ethtypes.Receipt, error) {
	timeout := time.Duration(f.config.Transaction.TimeoutSeconds) * time.Second
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	interval := defaultReceiptPoll
	if ms := f.config.Transaction.ReceiptPollMillis; ms > 0 {
		interval = time.Duration(ms) * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("failed to fetch receipt: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for receipt of %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// chainID prefers the configured chain id over the one implied by the
// network name.
func (f *Facilitator) chainID(network string) (*big.Int, error) {
	if netCfg, err := f.config.GetNetworkConfig(network); err == nil {
		if id, ok := new(big.Int).SetString(netCfg.ChainId, 10); ok {
			return id, nil
		}
	}
	chainID, err := utils.GetChainID(network)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain id: %w", err)
	}
	return chainID, nil
}
