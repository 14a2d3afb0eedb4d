package idjag

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenCreation(t *testing.T) {
	tok, err := NewToken("jti-1", "https://idp.example", "alice@acme.com",
		"https://gateway.acme.com", "https://mcp.acme.com/filesystem", "mcp-client", "mcp.read", 5*time.Minute)
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}
	if tok.TokenType != TokenType {
		t.Errorf("TokenType = %q, want %q", tok.TokenType, TokenType)
	}
	if tok.IsExpired() {
		t.Error("freshly minted token should not be expired")
	}
}

func TestTokenVerification(t *testing.T) {
	tok, err := NewToken("jti-2", "https://idp.example", "alice@acme.com",
		"https://gateway.acme.com", "https://mcp.acme.com/filesystem", "mcp-client", "mcp.read", 5*time.Minute)
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}

	if err := tok.Verify("https://gateway.acme.com", "https://mcp.acme.com/filesystem"); err != nil {
		t.Errorf("Verify should succeed: %v", err)
	}
	if err := tok.Verify("https://wrong.example", ""); err == nil {
		t.Error("Verify should reject a mismatched audience")
	}
	if err := tok.Verify("https://gateway.acme.com", "https://wrong.example"); err == nil {
		t.Error("Verify should reject a mismatched resource")
	}

	expired, err := NewToken("jti-3", "https://idp.example", "alice@acme.com",
		"https://gateway.acme.com", "https://mcp.acme.com/filesystem", "mcp-client", "", -time.Minute)
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}
	if err := expired.Verify("https://gateway.acme.com", ""); err == nil {
		t.Error("Verify should reject an expired token")
	}
}

func TestJWTEncodingDecoding(t *testing.T) {
	secret := []byte("test-signing-secret")
	tok, err := NewToken("jti-4", "https://idp.example", "alice@acme.com",
		"https://gateway.acme.com", "https://mcp.acme.com/filesystem", "mcp-client", "mcp.read", 5*time.Minute)
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}

	signed, err := tok.Encode(jwt.SigningMethodHS256, secret)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := Decode(signed, func(*jwt.Token) (interface{}, error) { return secret, nil })
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Subject != tok.Subject || decoded.JTI != tok.JTI || decoded.Audience != tok.Audience {
		t.Errorf("decoded token = %+v, want match of %+v", decoded, tok)
	}

	if _, err := Decode(signed, func(*jwt.Token) (interface{}, error) { return []byte("wrong-secret"), nil }); err == nil {
		t.Error("Decode should fail signature verification with the wrong key")
	}
}

func TestTokenExchangeRequest(t *testing.T) {
	req, err := NewExchangeRequest("https://gateway.acme.com", "https://mcp.acme.com/filesystem",
		"mcp.read", "id-token-opaque", "mcp-client", "")
	if err != nil {
		t.Fatalf("NewExchangeRequest: %v", err)
	}
	if err := req.Validate(); err != nil {
		t.Errorf("Validate should accept a request built by NewExchangeRequest: %v", err)
	}

	req.GrantType = "bogus"
	if err := req.Validate(); err == nil {
		t.Error("Validate should reject a bogus grant_type")
	}
}

func TestTokenExchangeResponse(t *testing.T) {
	resp := NewExchangeResponse("signed.jwt.here", "mcp.read", 300)
	if resp.IssuedTokenType != requestedTokenTypeIDJAG {
		t.Errorf("IssuedTokenType = %q", resp.IssuedTokenType)
	}
	if resp.TokenType != "N_A" {
		t.Errorf("TokenType = %q, want N_A", resp.TokenType)
	}
}
