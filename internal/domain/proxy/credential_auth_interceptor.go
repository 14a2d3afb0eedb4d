package proxy

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/maceip/acdp-gateway/internal/acdperr"
	"github.com/maceip/acdp-gateway/internal/domain/capability"
	"github.com/maceip/acdp-gateway/internal/domain/credential"
	"github.com/maceip/acdp-gateway/pkg/mcp"
)

// CredentialVerifier is the subset of CredentialService that
// CredentialAuthInterceptor depends on, kept narrow so the proxy domain
// package stays free of a dependency on the service layer.
type CredentialVerifier interface {
	VerifyCredential(ctx context.Context, cred *credential.Credential) (capability.MCPCapabilities, error)
}

// credentialCacheEntry caches a verified credential's capability grant by
// connection ID, mirroring AuthInterceptor's session cache so a credential
// presented once on a stdio connection isn't re-verified on every message.
type credentialCacheEntry struct {
	credentialID string
	caps         capability.MCPCapabilities
	expiresAt    time.Time
	lastAccess   time.Time
}

// Errors returned by CredentialAuthInterceptor. ErrInvalidAPIKey's sibling
// here is ErrInvalidCredentialWire: no credential could be parsed from the
// message at all, as distinct from a credential that parsed but failed
// verification (which surfaces the acdperr detail directly).
var ErrInvalidCredentialWire = errors.New("no ACDP credential present")

// CredentialAuthInterceptor replaces AuthInterceptor's API-key/session
// model with ACDP credential verification: every message must carry a
// serialized credential (identity-bound, anonymous, or hybrid), which is
// parsed, signature/expiry-checked, and whose capability grant is then
// enforced against the requested tool call.
type CredentialAuthInterceptor struct {
	verifier CredentialVerifier
	next     MessageInterceptor
	logger   *slog.Logger
	devMode  bool

	cacheMu sync.RWMutex
	cache   map[string]*credentialCacheEntry // keyed by connection ID
}

// NewCredentialAuthInterceptor constructs a CredentialAuthInterceptor
// wrapping next (typically the policy/capability enforcement stage).
func NewCredentialAuthInterceptor(verifier CredentialVerifier, next MessageInterceptor, logger *slog.Logger, devMode bool) *CredentialAuthInterceptor {
	return &CredentialAuthInterceptor{
		verifier: verifier, next: next, logger: logger, devMode: devMode,
		cache: make(map[string]*credentialCacheEntry),
	}
}

// Intercept verifies the message's ACDP credential before forwarding.
func (a *CredentialAuthInterceptor) Intercept(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	connID, _ := ctx.Value(ConnectionIDKey).(string)
	if connID == "" {
		connID = "default"
	}

	if a.devMode {
		a.logger.Debug("dev mode: bypassing credential verification", "connection_id", connID)
		return a.next.Intercept(ctx, msg)
	}

	a.cacheMu.RLock()
	entry, cached := a.cache[connID]
	a.cacheMu.RUnlock()
	if cached && time.Now().Before(entry.expiresAt) {
		entry.lastAccess = time.Now()
		if err := a.enforceCapabilities(entry.caps, msg); err != nil {
			return nil, err
		}
		return a.next.Intercept(ctx, msg)
	}

	wire := msg.ExtractACDPCredential()
	if wire == nil {
		a.logger.Debug("no ACDP credential on message", "connection_id", connID)
		return nil, ErrInvalidCredentialWire
	}

	cred, err := credential.ParseWire(wire)
	if err != nil {
		a.logger.Debug("malformed ACDP credential", "connection_id", connID, "error", err)
		return nil, err
	}

	caps, err := a.verifier.VerifyCredential(ctx, cred)
	if err != nil {
		a.logger.Debug("ACDP credential verification failed", "connection_id", connID, "error", err)
		return nil, err
	}

	a.cacheMu.Lock()
	a.cache[connID] = &credentialCacheEntry{
		credentialID: cred.CredentialID().String(), caps: caps,
		expiresAt: credentialExpiryOrDefault(cred), lastAccess: time.Now(),
	}
	a.cacheMu.Unlock()

	a.logger.Info("ACDP credential verified", "connection_id", connID, "credential_id", cred.CredentialID())

	if err := a.enforceCapabilities(caps, msg); err != nil {
		return nil, err
	}
	return a.next.Intercept(ctx, msg)
}

// credentialExpiryOrDefault caps the auth cache entry's lifetime at the
// credential's own expiry, so a revoked/expired credential is re-verified
// rather than trusted from cache past its validity window.
func credentialExpiryOrDefault(cred *credential.Credential) time.Time {
	if cred.IsExpired() {
		return time.Now()
	}
	return time.Now().Add(time.Minute) // re-check at most once a minute even for long-lived credentials
}

// enforceCapabilities checks a tools/call request's tool name against the
// verified credential's capability grant. Non-tool-call messages pass
// through: capability enforcement only applies at the tool-invocation
// boundary.
func (a *CredentialAuthInterceptor) enforceCapabilities(caps capability.MCPCapabilities, msg *mcp.Message) error {
	if !msg.IsToolCall() {
		return nil
	}
	params := msg.ParseParams()
	toolName, _ := params["name"].(string)
	if toolName == "" {
		return &acdperr.ToolNotAllowedError{Tool: "", Reason: "tools/call missing tool name"}
	}
	return caps.IsToolAllowed(toolName)
}

// ClearConnection removes a connection's cached credential, e.g. on
// disconnect.
func (a *CredentialAuthInterceptor) ClearConnection(connID string) {
	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()
	delete(a.cache, connID)
}

// Compile-time check that CredentialAuthInterceptor implements MessageInterceptor.
var _ MessageInterceptor = (*CredentialAuthInterceptor)(nil)
