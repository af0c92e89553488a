package validation

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
	"github.com/gin-gonic/gin"
)

func TestParsePublicKey(t *testing.T) {
	key, _ := solana.NewRandomPrivateKey()
	pk := key.PublicKey()

	got, err := ParsePublicKey(pk.String())
	if err != nil {
		t.Fatalf("ParsePublicKey failed: %v", err)
	}
	if !got.Equals(pk) {
		t.Errorf("expected %s, got %s", pk, got)
	}

	for _, bad := range []string{"", "0xdeadbeef", "11111111111111111111111111111111", "not-a-key"} {
		if _, err := ParsePublicKey(bad); err == nil {
			t.Errorf("ParsePublicKey(%q) expected error", bad)
		}
	}
}

func TestParseHash(t *testing.T) {
	hex64 := strings.Repeat("ab", 32)
	want := common.HexToHash("0x" + hex64)

	for _, in := range []string{hex64, "0x" + hex64, "  0x" + hex64 + " "} {
		got, err := ParseHash(in)
		if err != nil {
			t.Fatalf("ParseHash(%q) failed: %v", in, err)
		}
		if got != want {
			t.Errorf("ParseHash(%q) = %s, want %s", in, got.Hex(), want.Hex())
		}
	}

	for _, bad := range []string{"", "0x01", strings.Repeat("zz", 32), strings.Repeat("ab", 33)} {
		if _, err := ParseHash(bad); err == nil {
			t.Errorf("ParseHash(%q) expected error", bad)
		}
	}
}

func TestParseSignature(t *testing.T) {
	key, _ := solana.NewRandomPrivateKey()
	sig, _ := key.Sign([]byte("msg"))

	fromB58, err := ParseSignature(sig.String())
	if err != nil {
		t.Fatalf("base58: %v", err)
	}
	if !bytes.Equal(fromB58, sig[:]) {
		t.Error("base58 signature mismatch")
	}

	fromHex, err := ParseSignature("0x" + common.Bytes2Hex(sig[:]))
	if err != nil {
		t.Fatalf("hex: %v", err)
	}
	if !bytes.Equal(fromHex, sig[:]) {
		t.Error("hex signature mismatch")
	}

	if _, err := ParseSignature("0x" + strings.Repeat("00", 63)); err == nil {
		t.Error("expected error for 63-byte hex signature")
	}
}

func TestIsValidChainName(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"ethereum", true},
		{"zetachain-athens-3", true},
		{strings.Repeat("a", 50), true},
		{strings.Repeat("a", 51), false},
		{"", false},
		{"has space", false},
		{"tab\t", false},
	}
	for _, tc := range tests {
		if got := IsValidChainName(tc.name); got != tc.valid {
			t.Errorf("IsValidChainName(%q) = %v, want %v", tc.name, got, tc.valid)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hel\x00lo", 10, "hello"},
	}
	for _, tc := range tests {
		if got := SanitizeString(tc.input, tc.maxLen); got != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, got, tc.expected)
		}
	}
}

type bindTarget struct {
	Seller string `json:"seller" binding:"required,pubkey"`
	ID     string `json:"escrowId" binding:"required,hash32"`
	Chain  string `json:"chain" binding:"omitempty,chain"`
}

func TestBindJSON_CustomTags(t *testing.T) {
	gin.SetMode(gin.TestMode)
	RegisterBindings()

	key, _ := solana.NewRandomPrivateKey()
	r := gin.New()
	r.POST("/bind", func(c *gin.Context) {
		var req bindTarget
		if !BindJSON(c, &req) {
			return
		}
		c.Status(http.StatusNoContent)
	})

	good, _ := json.Marshal(map[string]string{
		"seller":   key.PublicKey().String(),
		"escrowId": "0x" + strings.Repeat("01", 32),
		"chain":    "ethereum",
	})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/bind", bytes.NewReader(good)))
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}

	bad, _ := json.Marshal(map[string]string{
		"seller":   "0xnotbase58",
		"escrowId": "0x01",
	})
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/bind", bytes.NewReader(bad)))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}

	var resp struct {
		Details ValidationErrors `json:"details"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	fields := map[string]bool{}
	for _, d := range resp.Details {
		fields[d.Field] = true
	}
	if !fields["seller"] || !fields["escrowId"] {
		t.Errorf("expected seller and escrowId errors, got %+v", resp.Details)
	}
}

func TestFromBindError_MalformedJSON(t *testing.T) {
	errs := FromBindError(&json.SyntaxError{})
	if len(errs) != 1 || errs[0].Field != "body" {
		t.Errorf("expected single body error, got %+v", errs)
	}
}
