package credential

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/maceip/acdp-gateway/internal/acdperr"
	"github.com/maceip/acdp-gateway/internal/domain/arc"
	"github.com/maceip/acdp-gateway/internal/domain/capability"
	"github.com/maceip/acdp-gateway/internal/domain/delegation"
)

// Wire is the JSON envelope a Credential serializes to on the wire: a
// Kind tag plus the wire fields of whichever variant is populated. This
// mirrors arc.CredentialWire's separation of in-memory (atomic counters,
// group elements) from wire (plain bytes/JSON) representations.
type Wire struct {
	Kind Kind `json:"kind"`

	Version         string                     `json:"version"`
	CredentialID    uuid.UUID                  `json:"credential_id"`
	IssuedAt        time.Time                  `json:"issued_at"`
	ExpiresAt       time.Time                  `json:"expires_at"`
	Principal       *Principal                 `json:"principal,omitempty"`
	Agent           *Agent                     `json:"agent,omitempty"`
	ARCCredential   *arc.CredentialWire        `json:"arc_credential,omitempty"`
	MCPCapabilities capability.MCPCapabilities `json:"mcp_capabilities"`
	Delegation      *delegation.Rights         `json:"delegation,omitempty"`
	DelegationChain *delegation.Chain          `json:"delegation_chain,omitempty"`
	Signature       []byte                     `json:"signature,omitempty"`
	Extensions      Extensions                 `json:"extensions"`
}

// ToWire encodes a Credential for transport (JSON-RPC params, IPC envelope
// payloads, persisted state).
func (c *Credential) ToWire() (*Wire, error) {
	switch c.Kind {
	case KindIdentityBound:
		ib := c.IdentityBound
		return &Wire{
			Kind: KindIdentityBound, Version: ib.Version, CredentialID: ib.CredentialID,
			IssuedAt: ib.IssuedAt, ExpiresAt: ib.ExpiresAt, Principal: &ib.Principal, Agent: &ib.Agent,
			MCPCapabilities: ib.MCPCapabilities, Delegation: &ib.Delegation, DelegationChain: &ib.DelegationChain,
			Signature: ib.Signature, Extensions: ib.Extensions,
		}, nil
	case KindAnonymous:
		an := c.Anonymous
		arcWire, err := an.ARCCredential.ToWire()
		if err != nil {
			return nil, fmt.Errorf("credential: marshal arc credential: %w", err)
		}
		return &Wire{
			Kind: KindAnonymous, Version: an.Version, CredentialID: an.CredentialID,
			IssuedAt: an.IssuedAt, ExpiresAt: an.ExpiresAt, ARCCredential: arcWire,
			MCPCapabilities: an.MCPCapabilities, Extensions: an.Extensions,
		}, nil
	case KindHybrid:
		hy := c.Hybrid
		arcWire, err := hy.ARCCredential.ToWire()
		if err != nil {
			return nil, fmt.Errorf("credential: marshal arc credential: %w", err)
		}
		return &Wire{
			Kind: KindHybrid, Version: hy.Version, CredentialID: hy.CredentialID,
			IssuedAt: hy.IssuedAt, ExpiresAt: hy.ExpiresAt, Principal: &hy.Principal, Agent: &hy.Agent,
			ARCCredential: arcWire, MCPCapabilities: hy.MCPCapabilities, Delegation: &hy.Delegation,
			DelegationChain: &hy.DelegationChain, Signature: hy.Signature, Extensions: hy.Extensions,
		}, nil
	}
	return nil, &acdperr.InvalidCredentialError{Reason: "unknown credential kind"}
}

// FromWire decodes a Credential previously produced by ToWire.
func FromWire(w *Wire) (*Credential, error) {
	switch w.Kind {
	case KindIdentityBound:
		if w.Principal == nil || w.Agent == nil || w.Delegation == nil || w.DelegationChain == nil {
			return nil, &acdperr.InvalidCredentialError{Reason: "identity-bound wire credential missing required fields"}
		}
		return &Credential{Kind: KindIdentityBound, IdentityBound: &IdentityBoundCredential{
			Version: w.Version, CredentialID: w.CredentialID, IssuedAt: w.IssuedAt, ExpiresAt: w.ExpiresAt,
			Principal: *w.Principal, Agent: *w.Agent, MCPCapabilities: w.MCPCapabilities,
			Delegation: *w.Delegation, DelegationChain: *w.DelegationChain, Signature: w.Signature, Extensions: w.Extensions,
		}}, nil
	case KindAnonymous:
		if w.ARCCredential == nil {
			return nil, &acdperr.InvalidCredentialError{Reason: "anonymous wire credential missing arc_credential"}
		}
		arcCred, err := arc.CredentialFromWire(w.ARCCredential)
		if err != nil {
			return nil, fmt.Errorf("credential: unmarshal arc credential: %w", err)
		}
		return &Credential{Kind: KindAnonymous, Anonymous: &AnonymousCredential{
			Version: w.Version, CredentialID: w.CredentialID, IssuedAt: w.IssuedAt, ExpiresAt: w.ExpiresAt,
			ARCCredential: arcCred, MCPCapabilities: w.MCPCapabilities, Extensions: w.Extensions,
		}}, nil
	case KindHybrid:
		if w.Principal == nil || w.Agent == nil || w.ARCCredential == nil || w.Delegation == nil || w.DelegationChain == nil {
			return nil, &acdperr.InvalidCredentialError{Reason: "hybrid wire credential missing required fields"}
		}
		arcCred, err := arc.CredentialFromWire(w.ARCCredential)
		if err != nil {
			return nil, fmt.Errorf("credential: unmarshal arc credential: %w", err)
		}
		return &Credential{Kind: KindHybrid, Hybrid: &HybridCredential{
			Version: w.Version, CredentialID: w.CredentialID, IssuedAt: w.IssuedAt, ExpiresAt: w.ExpiresAt,
			Principal: *w.Principal, Agent: *w.Agent, ARCCredential: arcCred, MCPCapabilities: w.MCPCapabilities,
			Delegation: *w.Delegation, DelegationChain: *w.DelegationChain, Signature: w.Signature, Extensions: w.Extensions,
		}}, nil
	}
	return nil, &acdperr.InvalidCredentialError{Reason: "unknown wire credential kind"}
}

// ParseWire decodes raw JSON into a Credential via Wire.
func ParseWire(data []byte) (*Credential, error) {
	var w Wire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &acdperr.InvalidCredentialError{Reason: "malformed credential JSON", Cause: err}
	}
	return FromWire(&w)
}
