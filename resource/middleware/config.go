package middleware

import (
	"errors"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/vorpalengineering/x402-adserver/logger"
	"github.com/vorpalengineering/x402-adserver/types"
)

// RequirementsFunc resolves the payment requirements of a request. Errors
// are written with apierror.Respond.
type RequirementsFunc func(c *gin.Context) (*types.PaymentRequirements, error)

type MiddlewareConfig struct {
	// Requirements resolves the payment requirements for the request
	Requirements RequirementsFunc

	// ProtectedPaths is a list of path patterns that require payment
	// Supports glob patterns like "/api/premium/*". When empty every route
	// the middleware is attached to is protected
	ProtectedPaths []string

	// PaymentHeaderName is the name of the HTTP header containing the payment
	// Defaults to "X-PAYMENT" if not specified
	PaymentHeaderName string

	Logger *logger.Logger
}

func (c *MiddlewareConfig) Validate() error {
	// Check required variables
	if c.Requirements == nil {
		return errors.New("requirements resolver is required")
	}

	for _, pattern := range c.ProtectedPaths {
		if _, err := filepath.Match(pattern, "/"); err != nil {
			return errors.New("invalid protected path pattern " + pattern + ": " + err.Error())
		}
	}

	return nil
}

func (c *MiddlewareConfig) GetPaymentHeaderName() string {
	if c.PaymentHeaderName == "" {
		return types.HeaderPayment
	}
	return c.PaymentHeaderName
}

// ValidateRequirements checks the fields a payer needs to build a payment.
func ValidateRequirements(req *types.PaymentRequirements) error {
	// Check required variables
	if req.Scheme == "" {
		return errors.New("scheme is required")
	}
	if req.Network == "" {
		return errors.New("network is required")
	}
	if req.MaxAmountRequired == "" {
		return errors.New("max amount required is required")
	}
	if req.PayTo == "" {
		return errors.New("pay to address is required")
	}
	if req.Asset == "" {
		return errors.New("asset address is required")
	}
	return nil
}
