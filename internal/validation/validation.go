// Package validation provides request hygiene helpers for the HTTP API.
package validation

import (
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// SanitizeString trims whitespace, drops null bytes and control characters,
// and truncates to maxLen bytes without splitting a UTF-8 sequence.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	s = strings.Map(func(r rune) rune {
		if r == 0 || (r < 0x20 && r != '\t' && r != '\n') || r == 0x7f {
			return -1
		}
		return r
	}, s)

	if len(s) > maxLen {
		cut := maxLen
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	return s
}

// PositiveIDParamMiddleware rejects requests whose named path parameter is
// not a positive decimal integer.
func PositiveIDParamMiddleware(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if v := c.Param(name); v != "" && !isPositiveInt(v) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_id",
				"message": name + " must be a positive integer",
			})
			return
		}
		c.Next()
	}
}

func isPositiveInt(s string) bool {
	if len(s) == 0 || len(s) > 19 {
		return false
	}
	nonZero := false
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
		if c != '0' {
			nonZero = true
		}
	}
	return nonZero
}
