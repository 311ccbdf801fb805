// Package validation provides input validation helpers for the API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/chainvoice/internal/chain"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

var (
	ethAddressRegex  = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	btcAddressRegex  = regexp.MustCompile(`^(bc1[a-z0-9]{25,62}|[13][a-km-zA-HJ-NP-Z1-9]{25,34})$`)
	ltcAddressRegex  = regexp.MustCompile(`^(ltc1[a-z0-9]{25,62}|[LM3][a-km-zA-HJ-NP-Z1-9]{25,34})$`)
	tronAddressRegex = regexp.MustCompile(`^T[1-9A-HJ-NP-Za-km-z]{33}$`)
	txHashHexRegex   = regexp.MustCompile(`^(0x)?[a-fA-F0-9]{64}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidAddress checks an address against the format of its chain.
func IsValidAddress(c chain.Chain, addr string) bool {
	switch c {
	case chain.BTC:
		return btcAddressRegex.MatchString(addr)
	case chain.LTC:
		return ltcAddressRegex.MatchString(addr)
	case chain.ETH, chain.USDTERC20:
		return ethAddressRegex.MatchString(addr)
	case chain.USDTTRC20:
		return tronAddressRegex.MatchString(addr)
	}
	return false
}

// IsValidTxHash checks a transaction hash for the given chain. All five
// supported chains use 32-byte hashes; only the EVM family carries the 0x
// prefix.
func IsValidTxHash(c chain.Chain, hash string) bool {
	if !txHashHexRegex.MatchString(hash) {
		return false
	}
	switch c {
	case chain.ETH, chain.USDTERC20:
		return strings.HasPrefix(hash, "0x")
	default:
		return !strings.HasPrefix(hash, "0x")
	}
}

// SanitizeString removes null bytes, trims whitespace, and limits length.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidChain checks that a field names a supported chain.
func ValidChain(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if _, err := chain.Parse(value); err != nil {
			return &ValidationError{Field: field, Message: "must be one of BTC, ETH, USDT_ERC20, USDT_TRC20, LTC"}
		}
		return nil
	}
}

// ValidChainAddress checks an address field against its chain's format.
func ValidChainAddress(field string, c chain.Chain, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidAddress(c, value) {
			return &ValidationError{Field: field, Message: "is not a valid " + string(c) + " address"}
		}
		return nil
	}
}

// ValidAmount checks if a value is a positive decimal amount for a chain.
func ValidAmount(field string, c chain.Chain, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		amount, ok := chain.ParseAmount(c, value)
		if !ok {
			return &ValidationError{Field: field, Message: "invalid amount format"}
		}
		if amount.Sign() <= 0 {
			return &ValidationError{Field: field, Message: "amount must be greater than zero"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}
