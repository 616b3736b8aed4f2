package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	entitlementdomain "github.com/storyloom/storyloom/internal/entitlement/domain"
)

// Authorize decides and consumes one unit for a premium action. Denials are
// 200 responses: the decision is the payload, not an error.
func (s *Server) Authorize(c *gin.Context) {
	var req entitlementdomain.AuthorizeRequest
	if err := c.ShouldBindBodyWith(&req, binding.JSON); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	decision, err := s.entitlementSvc.Authorize(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, decision)
}

type createAccountRequest struct {
	AccountID string `json:"account_id" binding:"required"`
}

func (s *Server) CreateAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ent, err := s.entitlementSvc.EnsureAccount(c.Request.Context(), req.AccountID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"entitlement": ent})
}

type actionAllowance struct {
	Limit int `json:"limit"`
	Used  int `json:"used"`
}

func (s *Server) GetEntitlement(c *gin.Context) {
	accountID := strings.TrimSpace(c.Param("account_id"))

	ent, err := s.entitlementSvc.GetEntitlement(c.Request.Context(), accountID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	limits := s.limits.Get()
	allowances := map[string]actionAllowance{
		string(entitlementdomain.ActionNarration): {
			Limit: limits.MonthlyAllowance(string(entitlementdomain.ActionNarration)),
			Used:  ent.NarrationUsed,
		},
		string(entitlementdomain.ActionStory): {
			Limit: limits.MonthlyAllowance(string(entitlementdomain.ActionStory)),
			Used:  ent.StoryUsed,
		},
	}

	c.JSON(http.StatusOK, gin.H{
		"entitlement": ent,
		"allowances":  allowances,
	})
}

func (s *Server) Refund(c *gin.Context) {
	var req entitlementdomain.RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.AccountID = strings.TrimSpace(c.Param("account_id"))

	result, err := s.entitlementSvc.Refund(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}
