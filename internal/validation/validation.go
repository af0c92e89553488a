// Package validation provides input validation for the AetherLock API.
//
// Request bodies are bound with gin and checked by go-playground/validator
// using the custom tags registered here:
//
//	pubkey  base58 Ed25519 public key
//	hash32  32-byte hex value, with or without 0x prefix
//	sig64   64-byte signature, base58 or hex
//	chain   cross-chain network name (1..50 printable ASCII)
package validation

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

const (
	// MaxChainNameLen bounds source/destination chain names.
	MaxChainNameLen = 50
	// MaxTxHashLen bounds a relayed transaction hash.
	MaxTxHashLen = 100
)

var (
	ErrInvalidPublicKey = errors.New("invalid public key")
	ErrInvalidHash      = errors.New("invalid 32-byte hash")
	ErrInvalidSignature = errors.New("invalid signature encoding")
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

var registerOnce sync.Once

// RegisterBindings installs the custom tags on gin's default validator.
// Safe to call more than once.
func RegisterBindings() {
	registerOnce.Do(func() {
		if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
			Register(v)
		}
	})
}

// Register installs the custom tags on v and reports field names by their
// JSON tag.
func Register(v *validator.Validate) {
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("pubkey", func(fl validator.FieldLevel) bool {
		_, err := ParsePublicKey(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("hash32", func(fl validator.FieldLevel) bool {
		_, err := ParseHash(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("sig64", func(fl validator.FieldLevel) bool {
		_, err := ParseSignature(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("chain", func(fl validator.FieldLevel) bool {
		return IsValidChainName(fl.Field().String())
	})
}

// ParsePublicKey decodes a base58 public key. The all-zero key is rejected.
func ParsePublicKey(s string) (solana.PublicKey, error) {
	pk, err := solana.PublicKeyFromBase58(strings.TrimSpace(s))
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	if pk.IsZero() {
		return solana.PublicKey{}, fmt.Errorf("%w: zero key", ErrInvalidPublicKey)
	}
	return pk, nil
}

// ParseHash decodes exactly 32 bytes of hex.
func ParseHash(s string) (common.Hash, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if len(raw) != 2*common.HashLength {
		return common.Hash{}, fmt.Errorf("%w: want %d hex chars, got %d", ErrInvalidHash, 2*common.HashLength, len(raw))
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	return common.BytesToHash(b), nil
}

// ParseSignature decodes a 64-byte signature given as 0x-hex or base58.
func ParseSignature(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") {
		b, err := hex.DecodeString(s[2:])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		if len(b) != 64 {
			return nil, fmt.Errorf("%w: want 64 bytes, got %d", ErrInvalidSignature, len(b))
		}
		return b, nil
	}
	sig, err := solana.SignatureFromBase58(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return sig[:], nil
}

// IsValidChainName checks a chain identifier such as "ethereum" or "zetachain-athens".
func IsValidChainName(s string) bool {
	if len(s) == 0 || len(s) > MaxChainNameLen {
		return false
	}
	for _, r := range s {
		if r < 0x21 || r > 0x7e {
			return false
		}
	}
	return true
}

// SanitizeString removes dangerous characters and limits length
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

// FromBindError converts a gin bind error into field-level messages. Errors
// that did not come from the validator (malformed JSON) become a single
// "body" entry.
func FromBindError(err error) ValidationErrors {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return ValidationErrors{{Field: "body", Message: "malformed request body"}}
	}
	out := make(ValidationErrors, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, ValidationError{Field: fe.Field(), Message: tagMessage(fe)})
	}
	return out
}

func tagMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "pubkey":
		return "must be a base58 public key"
	case "hash32":
		return "must be 32 bytes of hex"
	case "sig64":
		return "must be a 64-byte signature (base58 or 0x-hex)"
	case "chain":
		return fmt.Sprintf("must be 1-%d printable characters", MaxChainNameLen)
	case "max":
		return "exceeds maximum length " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	}
	return "is invalid"
}

// BindJSON binds and validates the body, writing a 400 response on failure.
// Returns false if the handler should stop.
func BindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		errs := FromBindError(err)
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return false
	}
	return true
}
