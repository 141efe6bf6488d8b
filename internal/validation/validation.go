// Package validation checks request input for the HTTP API: body size,
// account addresses and base-unit amounts, and readable field errors for
// gin's struct binding.
package validation

import (
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/x402flash/facilitator/internal/solana"
)

// MaxRequestSize caps JSON request bodies.
const MaxRequestSize = 64 << 10

// TagAddress is the binding tag for base58 account addresses, as in
// `binding:"required,solana_address"`.
const TagAddress = "solana_address"

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidAddress reports whether s is base58 decoding to 32 bytes.
func IsValidAddress(s string) bool {
	_, err := solana.ParsePublicKey(s)
	return err == nil
}

// ParseAmount parses a positive base-unit amount that fits in 64 bits.
func ParseAmount(s string) (uint64, bool) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil || v == 0 {
		return 0, false
	}
	return v, true
}

var registerOnce sync.Once

// Register installs the custom tags on gin's default validator and makes
// field errors use JSON names. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		_ = v.RegisterValidation(TagAddress, func(fl validator.FieldLevel) bool {
			return IsValidAddress(fl.Field().String())
		})
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			if name == "" {
				return f.Name
			}
			return name
		})
	})
}

// FieldError is one rejected field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// FieldErrors lists every rejected field of a request.
type FieldErrors []FieldError

func (e FieldErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(e))
	for i, fe := range e {
		parts[i] = fe.Field + " " + fe.Message
	}
	return strings.Join(parts, "; ")
}

// Explain turns a binding error into field errors. Errors that are not
// validator failures (malformed JSON, bad amount encoding) come back as a
// single entry for field "body".
func Explain(err error) FieldErrors {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return FieldErrors{{Field: "body", Message: err.Error()}}
	}
	out := make(FieldErrors, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, FieldError{Field: fe.Field(), Message: describe(fe.Tag())})
	}
	return out
}

func describe(tag string) string {
	switch tag {
	case "required":
		return "is required"
	case TagAddress:
		return "must be a base58-encoded 32-byte address"
	default:
		return "failed " + tag
	}
}

// AddressParamMiddleware rejects a malformed address in the named URL parameter.
func AddressParamMiddleware(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if addr := c.Param(param); addr != "" && !IsValidAddress(addr) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":  "invalid_address",
				"fields": FieldErrors{{Field: param, Message: describe(TagAddress)}},
			})
			return
		}
		c.Next()
	}
}
