package middleware

import (
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/vorpalengineering/x402-adserver/apierror"
	"github.com/vorpalengineering/x402-adserver/logger"
	"github.com/vorpalengineering/x402-adserver/types"
	"github.com/vorpalengineering/x402-adserver/utils"
)

// Context keys set for downstream handlers once a payment header passed
// the gate.
const (
	ContextKeyPaymentHeader = "x402_payment_header"
	ContextKeyPayment       = "x402_payment"
	ContextKeyRequirements  = "x402_payment_requirements"
)

// X402Middleware gates routes behind an x402 payment header. It answers
// the discovery 402 and rejects malformed headers; verification and
// settlement are left to the handler, which owns the resource being sold.
type X402Middleware struct {
	config *MiddlewareConfig
	log    *logger.Logger
}

func NewX402Middleware(cfg *MiddlewareConfig) (*X402Middleware, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid middleware config: %w", err)
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewNop()
	}
	return &X402Middleware{config: cfg, log: log.With("component", "x402-gate")}, nil
}

func (m *X402Middleware) Handler() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		// Check if the current path requires payment
		if !m.isProtectedPath(ctx.Request.URL.Path) {
			ctx.Next()
			return
		}

		// Get payment requirements for this route
		requirements, err := m.config.Requirements(ctx)
		if err != nil {
			apierror.Respond(ctx, err, m.log)
			return
		}

		// Extract payment header
		headerName := m.config.GetPaymentHeaderName()
		paymentHeader := ctx.GetHeader(headerName)

		// If no payment header is present, return 402 Payment Required
		if paymentHeader == "" {
			writePaymentRequired(ctx, requirements, headerName+" header is required", "")
			return
		}

		// Decode payment header into PaymentPayload
		paymentPayload, err := utils.DecodePaymentHeader(paymentHeader)
		if err == nil && paymentPayload.X402Version != types.X402Version {
			err = fmt.Errorf("unsupported x402Version %d", paymentPayload.X402Version)
		}
		if err != nil {
			apierror.Respond(ctx, apierror.BadRequest("Invalid payment header: "+err.Error()), m.log)
			return
		}

		// Store payment info in context for downstream handlers
		ctx.Set(ContextKeyPaymentHeader, paymentHeader)
		ctx.Set(ContextKeyPayment, paymentPayload)
		ctx.Set(ContextKeyRequirements, requirements)

		ctx.Next()
	}
}

func (m *X402Middleware) isProtectedPath(path string) bool {
	if len(m.config.ProtectedPaths) == 0 {
		return true
	}
	for _, pattern := range m.config.ProtectedPaths {
		matched, err := filepath.Match(pattern, path)
		if err != nil {
			// Invalid pattern, skip
			continue
		}
		if matched {
			return true
		}
	}
	return false
}

// Payment returns what the gate stored for the current request.
func Payment(ctx *gin.Context) (header string, payload *types.PaymentPayload, requirements *types.PaymentRequirements, ok bool) {
	header = ctx.GetString(ContextKeyPaymentHeader)
	payload, _ = ctx.Value(ContextKeyPayment).(*types.PaymentPayload)
	requirements, _ = ctx.Value(ContextKeyRequirements).(*types.PaymentRequirements)
	return header, payload, requirements, header != "" && payload != nil && requirements != nil
}

// PaymentRequired answers 402 for a payment the facilitator rejected,
// repeating the requirements so the client can pay again.
func PaymentRequired(ctx *gin.Context, requirements *types.PaymentRequirements, reason string) {
	writePaymentRequired(ctx, requirements, "Payment required", reason)
}

func writePaymentRequired(ctx *gin.Context, requirements *types.PaymentRequirements, message, reason string) {
	ctx.AbortWithStatusJSON(http.StatusPaymentRequired, types.PaymentRequiredResponse{
		Error:               message,
		Reason:              reason,
		X402Version:         types.X402Version,
		PaymentRequirements: requirements,
	})
}

// SetPaymentResponse encodes the settlement as the X-PAYMENT-RESPONSE header.
func SetPaymentResponse(ctx *gin.Context, settle *types.SettleResponse) {
	encoded, err := utils.EncodePaymentResponse(settle)
	if err != nil {
		return
	}
	ctx.Header(types.HeaderPaymentResponse, encoded)
}
