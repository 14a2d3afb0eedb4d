// Package idjag implements the MCP Enterprise-Managed Authorization flow:
// ID-JAG (Identity Assertion JWT Authorization Grant) tokens and the RFC
// 8693 OAuth token-exchange request/response pair used to obtain one from
// an enterprise identity provider before requesting an ACDP credential.
package idjag

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/maceip/acdp-gateway/internal/acdperr"
)

// TokenType is the fixed "typ" claim value for ID-JAG tokens.
const TokenType = "oauth-id-jag+jwt"

const (
	grantTypeTokenExchange    = "urn:ietf:params:oauth:grant-type:token-exchange"
	requestedTokenTypeIDJAG   = "urn:ietf:params:oauth:token-type:id-jag"
	subjectTokenTypeIDToken   = "urn:ietf:params:oauth:token-type:id_token"
)

var validate = validator.New()

// Token is an Identity Assertion JWT Authorization Grant: the bridge
// between an enterprise ID token and an ACDP credential request.
type Token struct {
	TokenType string `json:"typ" validate:"required"`
	JTI       string `json:"jti" validate:"required"`
	Issuer    string `json:"iss" validate:"required,url"`
	Subject   string `json:"sub" validate:"required"`
	Audience  string `json:"aud" validate:"required,url"`
	Resource  string `json:"resource" validate:"required,url"`
	ClientID  string `json:"client_id" validate:"required"`
	ExpiresAt int64  `json:"exp"`
	IssuedAt  int64  `json:"iat"`
	Scope     string `json:"scope"`
}

// NewToken builds and validates a fresh ID-JAG token with the given TTL.
func NewToken(jti, issuer, subject, audience, resource, clientID, scope string, ttl time.Duration) (*Token, error) {
	now := time.Now().Unix()
	t := &Token{
		TokenType: TokenType, JTI: jti, Issuer: issuer, Subject: subject,
		Audience: audience, Resource: resource, ClientID: clientID,
		ExpiresAt: now + int64(ttl.Seconds()), IssuedAt: now, Scope: scope,
	}
	if err := validate.Struct(t); err != nil {
		return nil, &acdperr.IDJAGError{Reason: "invalid ID-JAG token", Cause: err}
	}
	return t, nil
}

// IsExpired reports whether the token's exp claim has passed.
func (t *Token) IsExpired() bool {
	return time.Now().Unix() > t.ExpiresAt
}

// Verify checks the token's type, audience, and (optionally) resource
// claims, plus expiry. It does not check the JWT signature — callers
// verify that separately via Decode.
func (t *Token) Verify(expectedAudience string, expectedResource string) error {
	if t.IsExpired() {
		return &acdperr.IDJAGError{Reason: "ID-JAG token expired"}
	}
	if t.TokenType != TokenType {
		return &acdperr.IDJAGError{Reason: "invalid token type: " + t.TokenType}
	}
	if t.Audience != expectedAudience {
		return &acdperr.IDJAGError{Reason: "audience mismatch: " + t.Audience + " != " + expectedAudience}
	}
	if expectedResource != "" && t.Resource != expectedResource {
		return &acdperr.IDJAGError{Reason: "resource mismatch: " + t.Resource + " != " + expectedResource}
	}
	return nil
}

// Encode signs the token as a JWT using signingKey (HMAC secret or RSA/EC
// private key, per golang-jwt's SigningMethod conventions).
func (t *Token) Encode(method jwt.SigningMethod, signingKey interface{}) (string, error) {
	token := jwt.NewWithClaims(method, jwt.MapClaims{
		"typ": t.TokenType, "jti": t.JTI, "iss": t.Issuer, "sub": t.Subject,
		"aud": t.Audience, "resource": t.Resource, "client_id": t.ClientID,
		"exp": t.ExpiresAt, "iat": t.IssuedAt, "scope": t.Scope,
	})
	signed, err := token.SignedString(signingKey)
	if err != nil {
		return "", &acdperr.IDJAGError{Reason: "failed to encode JWT", Cause: err}
	}
	return signed, nil
}

// Decode parses a JWT produced by Encode, verifying its signature against
// keyFunc (see jwt.Parser.Parse). Expiry and audience are NOT checked here
// — callers must call Verify afterward, matching the reference
// implementation's split between signature and claim validation.
func Decode(tokenString string, keyFunc jwt.Keyfunc) (*Token, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	if _, err := parser.ParseWithClaims(tokenString, claims, keyFunc); err != nil {
		return nil, &acdperr.IDJAGError{Reason: "failed to decode JWT", Cause: err}
	}

	t := &Token{
		TokenType: str(claims, "typ"),
		JTI:       str(claims, "jti"),
		Issuer:    str(claims, "iss"),
		Subject:   str(claims, "sub"),
		Audience:  str(claims, "aud"),
		Resource:  str(claims, "resource"),
		ClientID:  str(claims, "client_id"),
		ExpiresAt: num(claims, "exp"),
		IssuedAt:  num(claims, "iat"),
		Scope:     str(claims, "scope"),
	}
	return t, nil
}

func str(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return v
}

func num(claims jwt.MapClaims, key string) int64 {
	switch v := claims[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	default:
		return 0
	}
}

// ExchangeRequest is an RFC 8693 OAuth 2.0 token-exchange request asking
// the identity provider to mint an ID-JAG from an existing ID token.
type ExchangeRequest struct {
	GrantType          string `json:"grant_type"`
	RequestedTokenType string `json:"requested_token_type"`
	Audience           string `json:"audience" validate:"required,url"`
	Resource           string `json:"resource" validate:"required,url"`
	Scope              string `json:"scope"`
	SubjectToken       string `json:"subject_token" validate:"required"`
	SubjectTokenType   string `json:"subject_token_type"`
	ClientID           string `json:"client_id" validate:"required"`
	ClientSecret       string `json:"client_secret,omitempty"`
}

// NewExchangeRequest builds and validates a token-exchange request.
func NewExchangeRequest(audience, resource, scope, subjectToken, clientID, clientSecret string) (*ExchangeRequest, error) {
	req := &ExchangeRequest{
		GrantType: grantTypeTokenExchange, RequestedTokenType: requestedTokenTypeIDJAG,
		Audience: audience, Resource: resource, Scope: scope,
		SubjectToken: subjectToken, SubjectTokenType: subjectTokenTypeIDToken,
		ClientID: clientID, ClientSecret: clientSecret,
	}
	if err := validate.Struct(req); err != nil {
		return nil, &acdperr.IDJAGError{Reason: "invalid token exchange request", Cause: err}
	}
	return req, nil
}

// Validate re-checks the fixed protocol-constant fields, for requests
// decoded from the wire rather than constructed via NewExchangeRequest.
func (r *ExchangeRequest) Validate() error {
	if r.GrantType != grantTypeTokenExchange {
		return &acdperr.IDJAGError{Reason: "invalid grant type: " + r.GrantType}
	}
	if r.RequestedTokenType != requestedTokenTypeIDJAG {
		return &acdperr.IDJAGError{Reason: "invalid requested token type: " + r.RequestedTokenType}
	}
	if r.SubjectTokenType != subjectTokenTypeIDToken {
		return &acdperr.IDJAGError{Reason: "invalid subject token type: " + r.SubjectTokenType}
	}
	return nil
}

// ExchangeResponse is the RFC 8693 token-exchange response carrying the
// newly minted ID-JAG.
type ExchangeResponse struct {
	IssuedTokenType string `json:"issued_token_type"`
	AccessToken     string `json:"access_token"`
	TokenType       string `json:"token_type"`
	Scope           string `json:"scope"`
	ExpiresIn       int64  `json:"expires_in"`
}

// NewExchangeResponse wraps a signed ID-JAG JWT in the standard response
// envelope. TokenType is fixed to "N_A" per the ID-JAG profile: the token
// is not a bearer access token in its own right.
func NewExchangeResponse(idJAGToken, scope string, expiresIn int64) *ExchangeResponse {
	return &ExchangeResponse{
		IssuedTokenType: requestedTokenTypeIDJAG,
		AccessToken:     idJAGToken,
		TokenType:       "N_A",
		Scope:           scope,
		ExpiresIn:       expiresIn,
	}
}
