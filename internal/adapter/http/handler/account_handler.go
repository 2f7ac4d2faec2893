package handler

import (
	"net/http"
	"time"

	"payments-ledger/internal/adapter/http/dto"
	"payments-ledger/internal/core/ports"
	"payments-ledger/pkg/response"

	"github.com/gin-gonic/gin"
)

// CookieConfig controls the session cookie issued alongside the token.
type CookieConfig struct {
	Name   string
	Secure bool
}

// AccountHandler handles account and session endpoints.
type AccountHandler struct {
	accountSvc ports.AccountService
	cookie     CookieConfig
	now        func() time.Time
}

// NewAccountHandler creates a new AccountHandler.
func NewAccountHandler(accountSvc ports.AccountService, cookie CookieConfig) *AccountHandler {
	return &AccountHandler{accountSvc: accountSvc, cookie: cookie, now: time.Now}
}

// CreateAccount handles POST /api/v1/accounts.
func (h *AccountHandler) CreateAccount(c *gin.Context) {
	var req dto.CreateAccountRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.accountSvc.CreateAccount(c.Request.Context(), ports.CreateAccountRequest{
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	h.setSessionCookie(c, result)
	response.Created(c, dto.NewAuthResponse(result.Account, result.Token, result.ExpiresAt))
}

// Login handles POST /api/v1/sessions.
func (h *AccountHandler) Login(c *gin.Context) {
	var req dto.LoginRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.accountSvc.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		response.Error(c, err)
		return
	}

	h.setSessionCookie(c, result)
	response.OK(c, dto.NewAuthResponse(result.Account, result.Token, result.ExpiresAt))
}

// Logout handles DELETE /api/v1/sessions.
func (h *AccountHandler) Logout(c *gin.Context) {
	if err := h.accountSvc.Logout(c.Request.Context()); err != nil {
		response.Error(c, err)
		return
	}

	if h.cookie.Name != "" {
		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(h.cookie.Name, "", -1, "/", "", h.cookie.Secure, true)
	}
	response.NoContent(c)
}

// GetAccount handles GET /api/v1/account.
func (h *AccountHandler) GetAccount(c *gin.Context) {
	account, err := h.accountSvc.Account(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, dto.NewAccountResponse(account))
}

// GetBalance handles GET /api/v1/balance.
func (h *AccountHandler) GetBalance(c *gin.Context) {
	balance, err := h.accountSvc.Balance(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, dto.NewBalanceResponse(balance))
}

// ListTransactions handles GET /api/v1/transactions.
func (h *AccountHandler) ListTransactions(c *gin.Context) {
	txns, err := h.accountSvc.Transactions(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, dto.NewTransactionList(txns))
}

func (h *AccountHandler) setSessionCookie(c *gin.Context, result *ports.AuthResult) {
	if h.cookie.Name == "" {
		return
	}
	maxAge := int(result.ExpiresAt.Sub(h.now()).Seconds())
	if maxAge < 1 {
		maxAge = 1
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.cookie.Name, result.Token, maxAge, "/", "", h.cookie.Secure, true)
}
