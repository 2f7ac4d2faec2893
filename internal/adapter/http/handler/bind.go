package handler

import (
	"errors"
	"net/http"
	"strings"

	"payments-ledger/internal/adapter/http/dto"
	"payments-ledger/pkg/apperror"
	"payments-ledger/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// bindJSON decodes and sanitizes the request body into req. On failure it
// writes an INPUT_001 response and returns false.
func bindJSON(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		response.Error(c, bindError(err))
		return false
	}
	dto.SanitizeStruct(req)
	return true
}

func bindError(err error) *apperror.AppError {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return apperror.InvalidInput("body", "Request body is too large.")
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		field := strings.ToLower(verrs[0].Field())
		return apperror.InvalidInput(field, "Field "+field+" is required.")
	}

	if strings.Contains(err.Error(), "decimal") {
		return apperror.InvalidInput("amount", "Amount must be a decimal number.")
	}
	return apperror.InvalidInput("body", "Request body is invalid.")
}
