// Package credential implements the three ACDP credential containers
// (identity-bound, anonymous, hybrid) as a tagged sum type, following the
// gateway's small-enum-with-methods idiom (compare pkg/mcp.Direction):
// a Kind tag selects which variant struct is populated, and every
// Credential-level accessor dispatches on that tag.
package credential

import (
	"crypto/ed25519"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/maceip/acdp-gateway/internal/acdperr"
	"github.com/maceip/acdp-gateway/internal/domain/arc"
	"github.com/maceip/acdp-gateway/internal/domain/capability"
	"github.com/maceip/acdp-gateway/internal/domain/delegation"
)

// ProtocolVersion is the ACDP wire-format version this package produces.
const ProtocolVersion = "0.3"

// Kind identifies which of the three credential variants a Credential
// holds.
type Kind string

const (
	KindIdentityBound Kind = "identity_bound"
	KindAnonymous     Kind = "anonymous"
	KindHybrid        Kind = "hybrid"
)

// Extensions carries forward-compatible, optional credential metadata.
type Extensions struct {
	AP2MandateLink string          `json:"ap2_mandate_link,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

// IdentityBoundCredential carries a full accountability chain from human
// principal to agent, signed by the issuing gateway.
type IdentityBoundCredential struct {
	Version          string                   `json:"version"`
	CredentialID     uuid.UUID                `json:"credential_id"`
	IssuedAt         time.Time                `json:"issued_at"`
	ExpiresAt        time.Time                `json:"expires_at"`
	Principal        Principal                `json:"principal"`
	Agent            Agent                    `json:"agent"`
	MCPCapabilities  capability.MCPCapabilities `json:"mcp_capabilities"`
	Delegation       delegation.Rights        `json:"delegation"`
	DelegationChain  delegation.Chain         `json:"delegation_chain"`
	Signature        []byte                   `json:"signature"`
	Extensions       Extensions               `json:"extensions"`
}

// AnonymousCredential carries only an ARC algebraic MAC: no identity is
// revealed to the tool provider, and nothing here is signed by the
// gateway (ARC's own MAC is the proof of validity).
type AnonymousCredential struct {
	Version         string                     `json:"version"`
	CredentialID    uuid.UUID                  `json:"credential_id"`
	IssuedAt        time.Time                  `json:"issued_at"`
	ExpiresAt       time.Time                  `json:"expires_at"`
	ARCCredential   *arc.Credential            `json:"arc_credential"`
	MCPCapabilities capability.MCPCapabilities `json:"mcp_capabilities"`
	Extensions      Extensions                 `json:"extensions"`
}

// HybridCredential combines enterprise accountability (principal/agent,
// gateway-signed, visible to the gateway) with an ARC credential presented
// to the tool provider, which never sees the principal/agent fields.
type HybridCredential struct {
	Version         string                     `json:"version"`
	CredentialID    uuid.UUID                  `json:"credential_id"`
	IssuedAt        time.Time                  `json:"issued_at"`
	ExpiresAt       time.Time                  `json:"expires_at"`
	Principal       Principal                  `json:"principal"`
	Agent           Agent                      `json:"agent"`
	ARCCredential   *arc.Credential            `json:"arc_credential"`
	MCPCapabilities capability.MCPCapabilities `json:"mcp_capabilities"`
	Delegation      delegation.Rights          `json:"delegation"`
	DelegationChain delegation.Chain           `json:"delegation_chain"`
	Signature       []byte                     `json:"signature"`
	Extensions      Extensions                 `json:"extensions"`
}

// Credential wraps exactly one of the three variants, tagged by Kind.
type Credential struct {
	Kind          Kind
	IdentityBound *IdentityBoundCredential
	Anonymous     *AnonymousCredential
	Hybrid        *HybridCredential
}

// CredentialID returns the wrapped variant's identifier.
func (c *Credential) CredentialID() uuid.UUID {
	switch c.Kind {
	case KindIdentityBound:
		return c.IdentityBound.CredentialID
	case KindAnonymous:
		return c.Anonymous.CredentialID
	case KindHybrid:
		return c.Hybrid.CredentialID
	}
	return uuid.Nil
}

// IsExpired reports whether the wrapped variant's expiry has passed.
func (c *Credential) IsExpired() bool {
	var expiresAt time.Time
	switch c.Kind {
	case KindIdentityBound:
		expiresAt = c.IdentityBound.ExpiresAt
	case KindAnonymous:
		expiresAt = c.Anonymous.ExpiresAt
	case KindHybrid:
		expiresAt = c.Hybrid.ExpiresAt
	}
	return time.Now().After(expiresAt)
}

// MCPCapabilities returns the wrapped variant's capability grant.
func (c *Credential) MCPCapabilities() capability.MCPCapabilities {
	switch c.Kind {
	case KindIdentityBound:
		return c.IdentityBound.MCPCapabilities
	case KindAnonymous:
		return c.Anonymous.MCPCapabilities
	case KindHybrid:
		return c.Hybrid.MCPCapabilities
	}
	return capability.MCPCapabilities{}
}

// VerifySignature checks the gateway signature on variants that carry one.
// Anonymous credentials carry no signature: their validity is proven at
// presentation time by the ARC MAC itself, so this is a no-op for them.
func (c *Credential) VerifySignature(issuerPublicKey ed25519.PublicKey) error {
	switch c.Kind {
	case KindIdentityBound:
		return verifySigned(signingFields{
			version: c.IdentityBound.Version, id: c.IdentityBound.CredentialID,
			issuedAt: c.IdentityBound.IssuedAt, expiresAt: c.IdentityBound.ExpiresAt,
			principal: c.IdentityBound.Principal, agent: c.IdentityBound.Agent,
			caps: c.IdentityBound.MCPCapabilities, delegation: c.IdentityBound.Delegation,
		}, c.IdentityBound.Signature, issuerPublicKey)
	case KindAnonymous:
		return nil
	case KindHybrid:
		return verifySigned(signingFields{
			version: c.Hybrid.Version, id: c.Hybrid.CredentialID,
			issuedAt: c.Hybrid.IssuedAt, expiresAt: c.Hybrid.ExpiresAt,
			principal: c.Hybrid.Principal, agent: c.Hybrid.Agent,
			caps: c.Hybrid.MCPCapabilities, delegation: c.Hybrid.Delegation,
		}, c.Hybrid.Signature, issuerPublicKey)
	}
	return &acdperr.InvalidCredentialError{Reason: "unknown credential kind"}
}

type signingFields struct {
	version    string
	id         uuid.UUID
	issuedAt   time.Time
	expiresAt  time.Time
	principal  Principal
	agent      Agent
	caps       capability.MCPCapabilities
	delegation delegation.Rights
}

// signingBytes produces the canonical preimage signed by the gateway for
// identity-bound and hybrid credentials. Go's encoding/json marshals a
// fixed struct shape in field-declaration order deterministically, which
// is sufficient here since the preimage is always built from this one Go
// struct shape rather than arbitrary attacker-controlled JSON.
func (f signingFields) bytes() ([]byte, error) {
	type canonical struct {
		Principal  Principal                  `json:"principal"`
		Agent      Agent                      `json:"agent"`
		Caps       capability.MCPCapabilities `json:"caps"`
		Delegation delegation.Rights          `json:"delegation"`
	}
	tail, err := json.Marshal(canonical{f.principal, f.agent, f.caps, f.delegation})
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(f.version)+16+8+8+len(tail))
	out = append(out, f.version...)
	idBytes := f.id
	out = append(out, idBytes[:]...)
	out = appendUnixLE(out, f.issuedAt)
	out = appendUnixLE(out, f.expiresAt)
	out = append(out, tail...)
	return out, nil
}

func appendUnixLE(out []byte, t time.Time) []byte {
	v := uint64(t.Unix())
	for i := 0; i < 8; i++ {
		out = append(out, byte(v>>(8*i)))
	}
	return out
}

func signFields(signer ed25519.PrivateKey, f signingFields) ([]byte, error) {
	data, err := f.bytes()
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(signer, data), nil
}

func verifySigned(f signingFields, signature []byte, issuerPublicKey ed25519.PublicKey) error {
	data, err := f.bytes()
	if err != nil {
		return err
	}
	if !ed25519.Verify(issuerPublicKey, data, signature) {
		return &acdperr.InvalidCredentialError{Reason: "gateway signature verification failed"}
	}
	return nil
}

// NewIdentityBound issues a signed identity-bound credential.
func NewIdentityBound(signer ed25519.PrivateKey, principal Principal, agent Agent, caps capability.MCPCapabilities, delegationRights delegation.Rights, duration time.Duration) (*Credential, error) {
	now := time.Now().UTC()
	id := uuid.New()
	f := signingFields{
		version: ProtocolVersion, id: id, issuedAt: now, expiresAt: now.Add(duration),
		principal: principal, agent: agent, caps: caps, delegation: delegationRights,
	}
	sig, err := signFields(signer, f)
	if err != nil {
		return nil, err
	}
	return &Credential{Kind: KindIdentityBound, IdentityBound: &IdentityBoundCredential{
		Version: ProtocolVersion, CredentialID: id, IssuedAt: now, ExpiresAt: now.Add(duration),
		Principal: principal, Agent: agent, MCPCapabilities: caps, Delegation: delegationRights,
		DelegationChain: delegation.NewChain(), Signature: sig,
	}}, nil
}

// NewAnonymous wraps a freshly-issued ARC credential as an anonymous ACDP
// credential.
func NewAnonymous(arcCred *arc.Credential, caps capability.MCPCapabilities, duration time.Duration) *Credential {
	now := time.Now().UTC()
	return &Credential{Kind: KindAnonymous, Anonymous: &AnonymousCredential{
		Version: ProtocolVersion, CredentialID: uuid.New(), IssuedAt: now, ExpiresAt: now.Add(duration),
		ARCCredential: arcCred, MCPCapabilities: caps,
	}}
}

// NewHybrid issues a signed hybrid credential pairing an enterprise
// identity binding with an ARC credential for presentation to tool
// providers.
func NewHybrid(signer ed25519.PrivateKey, principal Principal, agent Agent, arcCred *arc.Credential, caps capability.MCPCapabilities, delegationRights delegation.Rights, duration time.Duration) (*Credential, error) {
	now := time.Now().UTC()
	id := uuid.New()
	f := signingFields{
		version: ProtocolVersion, id: id, issuedAt: now, expiresAt: now.Add(duration),
		principal: principal, agent: agent, caps: caps, delegation: delegationRights,
	}
	sig, err := signFields(signer, f)
	if err != nil {
		return nil, err
	}
	return &Credential{Kind: KindHybrid, Hybrid: &HybridCredential{
		Version: ProtocolVersion, CredentialID: id, IssuedAt: now, ExpiresAt: now.Add(duration),
		Principal: principal, Agent: agent, ARCCredential: arcCred, MCPCapabilities: caps,
		Delegation: delegationRights, DelegationChain: delegation.NewChain(), Signature: sig,
	}}, nil
}
