package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/vorpalengineering/x402-adserver/ads"
	"github.com/vorpalengineering/x402-adserver/apierror"
	"github.com/vorpalengineering/x402-adserver/model"
	"github.com/vorpalengineering/x402-adserver/resource/middleware"
	"github.com/vorpalengineering/x402-adserver/types"
)

type createSessionRequest struct {
	ResourceID string            `json:"resourceId" binding:"required"`
	Mode       model.SessionMode `json:"mode" binding:"required,oneof=ad payment"`
}

type ingestEventRequest struct {
	Type string          `json:"type" binding:"required"`
	Data json.RawMessage `json:"data"`
}

type premiumResponse struct {
	Resource ads.Resource `json:"resource"`
	Content  any          `json:"content"`
	Receipt  *ads.Receipt `json:"receipt"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleListPremium(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"resources": s.ads.Catalog().List()})
}

// handleUnlockPremium runs behind the x402 gate, so a decoded payment
// header is always present.
func (s *Server) handleUnlockPremium(c *gin.Context) {
	header, _, requirements, ok := middleware.Payment(c)
	if !ok {
		apierror.Respond(c, apierror.BadRequest("payment header is required"), s.log)
		return
	}

	receipt, err := s.ads.UnlockResource(c.Request.Context(), c.Param("id"), header, s.resourceURL(c))
	if err != nil {
		s.respondPayment(c, err, requirements)
		return
	}

	res, _ := s.ads.Catalog().Get(receipt.ResourceID)
	if receipt.Settlement != nil {
		middleware.SetPaymentResponse(c, receipt.Settlement)
	}
	c.JSON(http.StatusOK, premiumResponse{
		Resource: res,
		Content:  content(res),
		Receipt:  receipt,
	})
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondBind(c, err)
		return
	}
	principal, _ := PrincipalFrom(c)

	session, err := s.ads.CreateSession(c.Request.Context(), principal, req.ResourceID, req.Mode)
	if err != nil {
		apierror.Respond(c, err, s.log)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (s *Server) handleGetSession(c *gin.Context) {
	principal, _ := PrincipalFrom(c)
	session, err := s.ads.GetSession(c.Request.Context(), principal, c.Param("id"))
	if err != nil {
		apierror.Respond(c, err, s.log)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) handleCompleteSession(c *gin.Context) {
	principal, _ := PrincipalFrom(c)
	completion, err := s.ads.CompleteAdView(c.Request.Context(), principal, c.Param("id"))
	if err != nil {
		apierror.Respond(c, err, s.log)
		return
	}
	c.JSON(http.StatusOK, completion)
}

func (s *Server) handlePaySession(c *gin.Context) {
	ctx := c.Request.Context()
	principal, _ := PrincipalFrom(c)

	session, err := s.ads.GetSession(ctx, principal, c.Param("id"))
	if err != nil {
		apierror.Respond(c, err, s.log)
		return
	}
	requirements, err := s.ads.Requirements(ctx, session.ResourceID, s.resourceURL(c))
	if err != nil {
		apierror.Respond(c, err, s.log)
		return
	}

	header := c.GetHeader(types.HeaderPayment)
	if header == "" {
		middleware.PaymentRequired(c, requirements, "")
		return
	}

	receipt, err := s.ads.PayForSession(ctx, principal, session.ID, header, s.resourceURL(c))
	if err != nil {
		s.respondPayment(c, err, requirements)
		return
	}
	if receipt.Settlement != nil {
		middleware.SetPaymentResponse(c, receipt.Settlement)
	}
	c.JSON(http.StatusOK, receipt)
}

func (s *Server) handleGetProfile(c *gin.Context) {
	publisherID, ok := s.scope(c)
	if !ok {
		return
	}
	pub, err := s.publishers.Profile(c.Request.Context(), publisherID)
	if err != nil {
		apierror.Respond(c, err, s.log)
		return
	}
	c.JSON(http.StatusOK, pub)
}

func (s *Server) handleUpdateProfile(c *gin.Context) {
	publisherID, ok := s.scope(c)
	if !ok {
		return
	}
	var update ads.ProfileUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		s.respondBind(c, err)
		return
	}
	pub, err := s.publishers.UpdateProfile(c.Request.Context(), publisherID, update)
	if err != nil {
		apierror.Respond(c, err, s.log)
		return
	}
	c.JSON(http.StatusOK, pub)
}

func (s *Server) handleIngestEvent(c *gin.Context) {
	publisherID, ok := s.scope(c)
	if !ok {
		return
	}
	var req ingestEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondBind(c, err)
		return
	}

	delivery, err := s.publishers.IngestEvent(c.Request.Context(), publisherID, req.Type, req.Data)
	if err != nil {
		apierror.Respond(c, err, s.log)
		return
	}
	if delivery == nil {
		c.JSON(http.StatusOK, gin.H{"status": "skipped", "reason": "webhook url not configured"})
		return
	}
	c.JSON(http.StatusAccepted, delivery)
}

func (s *Server) handleListDeliveries(c *gin.Context) {
	publisherID, ok := s.scope(c)
	if !ok {
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			apierror.Respond(c, apierror.Validation(apierror.FieldError{Field: "limit", Message: "must be a non-negative integer"}), s.log)
			return
		}
		limit = n
	}

	deliveries, err := s.publishers.ListDeliveries(c.Request.Context(), publisherID, model.DeliveryStatus(c.Query("status")), limit)
	if err != nil {
		apierror.Respond(c, err, s.log)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": deliveries})
}

func (s *Server) handleGetDelivery(c *gin.Context) {
	publisherID, ok := s.scope(c)
	if !ok {
		return
	}
	delivery, err := s.publishers.Delivery(c.Request.Context(), publisherID, c.Param("id"))
	if err != nil {
		apierror.Respond(c, err, s.log)
		return
	}
	c.JSON(http.StatusOK, delivery)
}

func (s *Server) handleReplayDelivery(c *gin.Context) {
	publisherID, ok := s.scope(c)
	if !ok {
		return
	}
	result, err := s.publishers.ReplayDelivery(c.Request.Context(), publisherID, c.Param("id"))
	if err != nil {
		apierror.Respond(c, err, s.log)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleSummary(c *gin.Context) {
	publisherID, ok := s.scope(c)
	if !ok {
		return
	}
	stats, err := s.publishers.Summary(c.Request.Context(), publisherID)
	if err != nil {
		apierror.Respond(c, err, s.log)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// scope resolves the publisher a publisher route acts on. Admins pass
// ?publisherId=.
func (s *Server) scope(c *gin.Context) (string, bool) {
	principal, _ := PrincipalFrom(c)
	publisherID, err := ads.Scope(principal, c.Query("publisherId"))
	if err != nil {
		apierror.Respond(c, err, s.log)
		return "", false
	}
	return publisherID, true
}

// respondPayment answers rejected payments in the x402 shape so clients
// can pay again, and everything else as a regular API error.
func (s *Server) respondPayment(c *gin.Context, err error, requirements *types.PaymentRequirements) {
	if apiErr, ok := apierror.As(err); ok && apiErr.Code == apierror.CodePaymentRequired {
		reason := ""
		if details, ok := apiErr.Details.(map[string]string); ok {
			reason = details["reason"]
		}
		middleware.PaymentRequired(c, requirements, reason)
		return
	}
	apierror.Respond(c, err, s.log)
}

func (s *Server) respondBind(c *gin.Context, err error) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		apierror.Respond(c, apierror.FromValidator(verrs), s.log)
		return
	}
	apierror.Respond(c, apierror.BadRequest("invalid request body"), s.log)
}

func content(res ads.Resource) any {
	if res.MimeType == "application/json" && json.Valid([]byte(res.Content)) {
		return json.RawMessage(res.Content)
	}
	return res.Content
}
