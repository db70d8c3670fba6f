package transactions

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/eazepay/transaction-service/internal/validation"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Handler provides HTTP endpoints for transactions.
type Handler struct {
	service *Service
}

// NewHandler creates a new transaction handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up transaction routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transactions", h.CreateTransaction)
	r.GET("/transactions", h.ListTransactions)

	byID := r.Group("/transactions/:id", validation.PositiveIDParamMiddleware("id"))
	byID.GET("", h.GetTransaction)
	byID.POST("/verify", h.VerifyTransaction)
	byID.GET("/ledger", h.GetLedgerRecord)
}

// CreateRequest is the body of POST /v1/transactions.
type CreateRequest struct {
	Amount      *decimal.Decimal `json:"amount"`
	FromAccount string           `json:"fromAccount" binding:"max=64"`
	ToAccount   string           `json:"toAccount" binding:"max=64"`
	Type        string           `json:"type" binding:"max=32"`
	Description string           `json:"description" binding:"max=500"`
	Reference   string           `json:"reference" binding:"max=255"`
	UserID      string           `json:"userId" binding:"max=64"`
}

// VerifyRequest is the body of POST /v1/transactions/:id/verify.
type VerifyRequest struct {
	ExpectedHash string `json:"expectedHash" binding:"required,max=256"`
}

func (r *CreateRequest) draft() Draft {
	return Draft{
		Amount:      r.Amount,
		FromAccount: validation.SanitizeString(r.FromAccount, 64),
		ToAccount:   validation.SanitizeString(r.ToAccount, 64),
		Type:        strings.ToUpper(validation.SanitizeString(r.Type, 32)),
		Description: validation.SanitizeString(r.Description, 500),
		Reference:   validation.SanitizeString(r.Reference, 255),
		UserID:      validation.SanitizeString(r.UserID, 64),
	}
}

// CreateTransaction handles POST /v1/transactions
func (h *Handler) CreateTransaction(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":   "request_too_large",
				"message": "Request body exceeds the size limit",
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": bindMessage(err),
		})
		return
	}
	if req.Amount != nil && req.Amount.IsNegative() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "amount must not be negative",
		})
		return
	}

	tx, err := h.service.CreateTransaction(c.Request.Context(), req.draft())
	if err != nil {
		if errors.Is(err, ErrInvalidAmount) || errors.Is(err, ErrAmountPrecision) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create transaction",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"transaction": tx})
}

// ListTransactions handles GET /v1/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	limit := defaultListLimit
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > maxListLimit {
				limit = maxListLimit
			}
		}
	}

	txs, err := h.service.ListTransactions(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list transactions",
		})
		return
	}
	if txs == nil {
		txs = []*Transaction{}
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": txs,
		"count":        len(txs),
	})
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	tx, err := h.service.GetTransaction(c.Request.Context(), id)
	if err != nil {
		respondLookupError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// VerifyTransaction handles POST /v1/transactions/:id/verify
func (h *Handler) VerifyTransaction(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": bindMessage(err),
		})
		return
	}

	valid := h.service.VerifyTransactionIntegrity(c.Request.Context(), id, req.ExpectedHash)
	c.JSON(http.StatusOK, gin.H{
		"transactionId": id,
		"valid":         valid,
	})
}

// GetLedgerRecord handles GET /v1/transactions/:id/ledger
func (h *Handler) GetLedgerRecord(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	rec, found, err := h.service.LedgerRecord(c.Request.Context(), id)
	if err != nil {
		respondLookupError(c, err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Transaction not recorded on ledger",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"record": rec})
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_id",
			"message": "Transaction id must be a positive integer",
		})
		return 0, false
	}
	return id, true
}

func respondLookupError(c *gin.Context, err error) {
	if errors.Is(err, ErrTransactionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Transaction not found",
		})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "Failed to load transaction",
	})
}

// bindMessage turns validator errors into a short client-facing message.
func bindMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "Invalid request body"
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			parts = append(parts, fmt.Sprintf("%s is required", fe.Field()))
		case "max":
			parts = append(parts, fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param()))
		default:
			parts = append(parts, fmt.Sprintf("%s is invalid", fe.Field()))
		}
	}
	return strings.Join(parts, "; ")
}
