// Package facilitator is a self-hostable x402 facilitator. It verifies
// EIP-3009 payment authorizations and settles them on chain by submitting
// transferWithAuthorization from its own signer.
package facilitator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-gonic/gin"

	"github.com/vorpalengineering/x402-adserver/logger"
	"github.com/vorpalengineering/x402-adserver/metrics"
	"github.com/vorpalengineering/x402-adserver/types"
)

// ChainClient is the subset of ethclient.Client the facilitator uses.
type ChainClient interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
	Close()
}

type Option func(*Facilitator)

func WithLogger(log *logger.Logger) Option {
	return func(f *Facilitator) { f.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Facilitator) { f.metrics = m }
}

// WithChainClient registers client for network instead of dialing its RPC url.
func WithChainClient(network string, client ChainClient) Option {
	return func(f *Facilitator) { f.rpcClients[network] = client }
}

func WithClock(now func() time.Time) Option {
	return func(f *Facilitator) { f.now = now }
}

type Facilitator struct {
	config  *FacilitatorConfig
	router  *gin.Engine
	log     *logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	rpcClientsMu sync.RWMutex
	rpcClients   map[string]ChainClient

	// nonces tracks authorizations settled or being settled by this
	// process, keyed by authorizer and nonce
	noncesMu sync.Mutex
	nonces   map[string]struct{}
}

func NewFacilitator(config *FacilitatorConfig, opts ...Option) *Facilitator {
	f := &Facilitator{
		config:     config,
		log:        logger.New(logger.Config{Level: config.Log.Level, Format: config.Log.Format}),
		now:        time.Now,
		rpcClients: make(map[string]ChainClient),
		nonces:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.log = f.log.With("component", "facilitator")

	gin.SetMode(gin.ReleaseMode)
	f.router = gin.New()
	f.router.Use(gin.Recovery(), f.observe())
	f.RegisterRoutes(f.router)
	if f.metrics != nil {
		f.router.GET("/metrics", gin.WrapH(f.metrics.Handler()))
	}

	return f
}

func (f *Facilitator) RegisterRoutes(router gin.IRouter) {
	router.POST("/verify", f.handleVerify)
	router.POST("/settle", f.handleSettle)
	router.GET("/supported", f.handleSupported)
}

// Handler exposes the router, mainly for tests and embedding.
func (f *Facilitator) Handler() http.Handler {
	return f.router
}

func (f *Facilitator) observe() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()
		f.metrics.ObserveHTTP(ctx.Request.Method, ctx.FullPath(), ctx.Writer.Status(), time.Since(start))
	}
}

// DialRPCClients connects to every configured network that does not
// already have a client.
func (f *Facilitator) DialRPCClients(ctx context.Context) error {
	f.rpcClientsMu.Lock()
	defer f.rpcClientsMu.Unlock()

	for network, netCfg := range f.config.Networks {
		if _, ok := f.rpcClients[network]; ok {
			continue
		}
		client, err := ethclient.DialContext(ctx, netCfg.RpcUrl)
		if err != nil {
			return fmt.Errorf("failed to dial %s: %w", network, err)
		}
		f.rpcClients[network] = client
		f.log.Info("connected to network", "network", network)
	}
	return nil
}

func (f *Facilitator) getRPCClient(network string) (ChainClient, error) {
	f.rpcClientsMu.RLock()
	defer f.rpcClientsMu.RUnlock()

	client, ok := f.rpcClients[network]
	if !ok {
		return nil, fmt.Errorf("no rpc client for network: %s", network)
	}
	return client, nil
}

// Run serves until ctx is cancelled, then shuts the server down.
func (f *Facilitator) Run(ctx context.Context) error {
	if err := f.DialRPCClients(ctx); err != nil {
		return err
	}

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", f.config.Server.Host, f.config.Server.Port),
		Handler:           f.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		f.log.Info("facilitator listening", "addr", server.Addr, "signer", f.config.Signer.Address.Hex())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func (f *Facilitator) Close() {
	f.rpcClientsMu.Lock()
	defer f.rpcClientsMu.Unlock()

	for network, client := range f.rpcClients {
		client.Close()
		delete(f.rpcClients, network)
	}
}

func (f *Facilitator) handleVerify(ctx *gin.Context) {
	// Decode request
	var req types.VerifyRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}
	if req.X402Version != types.X402Version {
		ctx.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("unsupported x402Version: %d", req.X402Version),
		})
		return
	}

	verified, rejection := f.verifyPayment(ctx.Request.Context(), req.PaymentHeader, &req.PaymentRequirements)
	if rejection != nil {
		f.log.Info("payment invalid", "reason", rejection.Reason, "detail", rejection.Detail)
		ctx.JSON(http.StatusOK, types.VerifyResponse{IsValid: false, InvalidReason: rejection.Reason})
		return
	}

	ctx.JSON(http.StatusOK, types.VerifyResponse{IsValid: true, Payer: verified.Auth.From})
}

func (f *Facilitator) handleSettle(ctx *gin.Context) {
	// Decode request
	var req types.SettleRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}
	if req.X402Version != types.X402Version {
		ctx.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("unsupported x402Version: %d", req.X402Version),
		})
		return
	}

	res := f.settlePayment(ctx.Request.Context(), req.PaymentHeader, &req.PaymentRequirements)
	f.metrics.ObservePayment(res.Event)
	ctx.JSON(http.StatusOK, res)
}

func (f *Facilitator) handleSupported(ctx *gin.Context) {
	kinds := f.config.Supported
	if kinds == nil {
		kinds = []types.SupportedKind{}
	}
	ctx.JSON(http.StatusOK, types.SupportedResponse{Kinds: kinds})
}
