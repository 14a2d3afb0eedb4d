package service

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maceip/acdp-gateway/internal/acdperr"
	"github.com/maceip/acdp-gateway/internal/domain/arc"
	"github.com/maceip/acdp-gateway/internal/domain/capability"
	"github.com/maceip/acdp-gateway/internal/domain/credential"
	"github.com/maceip/acdp-gateway/internal/domain/delegation"
	"github.com/maceip/acdp-gateway/internal/domain/idjag"
)

// CredentialService issues and verifies ACDP credentials. It holds the
// gateway's Ed25519 signing key (for identity-bound/hybrid credentials)
// and ARC server key pair (for anonymous/hybrid credentials), and tracks
// the in-flight ARC rate-limit state per credential ID.
//
// Mirrors IdentityService's mutex-guarded, in-memory-plus-logger shape,
// scaled to the ACDP issuance/verification flow in place of API-key CRUD.
type CredentialService struct {
	logger *slog.Logger

	signer    ed25519.PrivateKey
	issuerPub ed25519.PublicKey

	arcPriv *arc.ServerPrivateKey
	arcPub  *arc.ServerPublicKey
	gens    *arc.Generators

	mu          sync.Mutex
	activeARC   map[uuid.UUID]*arc.Credential
	delegations map[uuid.UUID]*delegation.Chain
}

// NewCredentialService constructs a CredentialService with a freshly
// generated Ed25519 identity key and ARC server key pair. Callers that
// need a stable issuer identity across restarts should persist and
// reload these keys via NewCredentialServiceWithKeys.
func NewCredentialService(logger *slog.Logger) (*CredentialService, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("generate issuer key: %w", err)
	}
	gens, err := arc.NewGenerators()
	if err != nil {
		return nil, fmt.Errorf("generate ARC generators: %w", err)
	}
	arcPriv := arc.NewServerPrivateKey()
	arcPub := arc.DeriveServerPublicKey(arcPriv, gens)

	return &CredentialService{
		logger: logger, signer: priv, issuerPub: pub,
		arcPriv: arcPriv, arcPub: arcPub, gens: gens,
		activeARC:   make(map[uuid.UUID]*arc.Credential),
		delegations: make(map[uuid.UUID]*delegation.Chain),
	}, nil
}

// IssuerPublicKey returns the gateway's Ed25519 identity key, published so
// relying parties can verify identity-bound/hybrid credential signatures.
func (s *CredentialService) IssuerPublicKey() ed25519.PublicKey { return s.issuerPub }

// ARCServerPublicKey returns the ARC public key clients need to build
// CredentialRequest blind-issuance requests.
func (s *CredentialService) ARCServerPublicKey() *arc.ServerPublicKey { return s.arcPub }

// ARCGenerators returns the group generators shared with ARC clients.
func (s *CredentialService) ARCGenerators() *arc.Generators { return s.gens }

// IssueIdentityBoundInput is the request to mint an identity-bound
// credential from a verified ID-JAG token.
type IssueIdentityBoundInput struct {
	IDJAGToken       *idjag.Token
	Agent            credential.Agent
	Capabilities     capability.MCPCapabilities
	DelegationRights delegation.Rights
	Duration         time.Duration
	ExpectedAudience string
	ExpectedResource string
}

// IssueIdentityBound verifies the caller's ID-JAG token, derives a
// Principal from its claims, and mints a signed identity-bound credential.
func (s *CredentialService) IssueIdentityBound(_ context.Context, in IssueIdentityBoundInput) (*credential.Credential, error) {
	if err := in.IDJAGToken.Verify(in.ExpectedAudience, in.ExpectedResource); err != nil {
		return nil, err
	}
	principal, err := credential.NewPrincipalFromIDJAG(in.IDJAGToken.Subject, in.IDJAGToken.Issuer, in.IDJAGToken.ClientID)
	if err != nil {
		return nil, err
	}

	cred, err := credential.NewIdentityBound(s.signer, principal, in.Agent, in.Capabilities, in.DelegationRights, in.Duration)
	if err != nil {
		return nil, err
	}

	s.logger.Info("identity-bound credential issued",
		"credential_id", cred.CredentialID(), "human_id", principal.HumanID, "agent_id", in.Agent.AgentID)
	return cred, nil
}

// IssueAnonymousInput is the request to mint an anonymous ARC credential.
// Req is the client's blind CredentialRequest built from its own
// ClientSecrets; the service never learns those secrets.
type IssueAnonymousInput struct {
	Req              *arc.CredentialRequest
	Capabilities     capability.MCPCapabilities
	MaxPresentations uint64
	Duration         time.Duration
}

// IssueAnonymousResponse carries the server's blind response alongside the
// credential shell the client finalizes client-side with its own secrets.
// The service cannot construct the finalized arc.Credential itself: doing
// so requires the client's ClientSecrets, which by design never leave the
// client. Callers finalize via arc.FinalizeCredential and register the
// result with RegisterAnonymous before first presentation.
type IssueAnonymousResponse struct {
	ARCResponse *arc.CredentialResponse
}

// IssueAnonymous runs the ARC blind-issuance protocol's server half. m2 is
// fixed to the zero scalar: this gateway issues credentials with no
// additional server-chosen attribute beyond the client's blinded m1.
func (s *CredentialService) IssueAnonymous(_ context.Context, in IssueAnonymousInput) (*IssueAnonymousResponse, error) {
	m2 := arc.Curve.NewScalar()
	resp, err := arc.IssueCredentialResponse(in.Req, s.arcPriv, m2, s.gens)
	if err != nil {
		return nil, err
	}
	s.logger.Info("anonymous ARC credential response issued", "max_presentations", in.MaxPresentations)
	return &IssueAnonymousResponse{ARCResponse: resp}, nil
}

// RegisterARCCredential tracks a finalized ARC credential's presentation
// budget server-side, so VerifyPresentation can enforce the rate limit
// without trusting the client's own counter.
func (s *CredentialService) RegisterARCCredential(id uuid.UUID, cred *arc.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeARC[id] = cred
}

// VerifyPresentation checks an ARC presentation against a tracked
// credential's server-side state.
func (s *CredentialService) VerifyPresentation(id uuid.UUID, p *arc.Presentation, presentationContext []byte, nonce, presentationLimit uint64) (bool, error) {
	s.mu.Lock()
	cred, ok := s.activeARC[id]
	s.mu.Unlock()
	if !ok {
		return false, &acdperr.InvalidCredentialError{Reason: "unknown ARC credential id"}
	}
	m2 := arc.Curve.NewScalar()
	return p.Verify(s.arcPriv, m2, presentationContext, nonce, presentationLimit, s.gens)
}

// IssueHybridInput is the request to mint a hybrid credential pairing an
// enterprise identity binding with a finalized ARC credential.
type IssueHybridInput struct {
	IDJAGToken       *idjag.Token
	Agent            credential.Agent
	ARCCredential    *arc.Credential
	Capabilities     capability.MCPCapabilities
	DelegationRights delegation.Rights
	Duration         time.Duration
	ExpectedAudience string
	ExpectedResource string
}

// IssueHybrid verifies the ID-JAG token and mints a signed hybrid
// credential wrapping the caller's already-finalized ARC credential.
func (s *CredentialService) IssueHybrid(_ context.Context, in IssueHybridInput) (*credential.Credential, error) {
	if err := in.IDJAGToken.Verify(in.ExpectedAudience, in.ExpectedResource); err != nil {
		return nil, err
	}
	principal, err := credential.NewPrincipalFromIDJAG(in.IDJAGToken.Subject, in.IDJAGToken.Issuer, in.IDJAGToken.ClientID)
	if err != nil {
		return nil, err
	}

	cred, err := credential.NewHybrid(s.signer, principal, in.Agent, in.ARCCredential, in.Capabilities, in.DelegationRights, in.Duration)
	if err != nil {
		return nil, err
	}
	s.RegisterARCCredential(cred.CredentialID(), in.ARCCredential)

	s.logger.Info("hybrid credential issued", "credential_id", cred.CredentialID(), "agent_id", in.Agent.AgentID)
	return cred, nil
}

// VerifyCredential checks a credential's signature (where applicable) and
// expiry, returning the capability grant callers should enforce against.
func (s *CredentialService) VerifyCredential(_ context.Context, cred *credential.Credential) (capability.MCPCapabilities, error) {
	if cred.IsExpired() {
		return capability.MCPCapabilities{}, &acdperr.CredentialExpiredError{CredentialID: cred.CredentialID().String()}
	}
	if err := cred.VerifySignature(s.issuerPub); err != nil {
		return capability.MCPCapabilities{}, err
	}
	return cred.MCPCapabilities(), nil
}

// DelegateInput requests a reduced-capability credential derived from a
// parent credential, signed by the delegator's agent key.
type DelegateInput struct {
	ParentCredential    *credential.Credential
	DelegatorSigner     ed25519.PrivateKey
	DelegatorAgentID    string
	DelegateeAgentID    string
	ReducedCapabilities capability.MCPCapabilities
	Duration            time.Duration
}

// Delegate builds a child credential with capabilities narrowed to a
// subset of the parent's grant, appends a signed delegation proof to the
// chain, and enforces the parent's delegation depth/reduction policy.
func (s *CredentialService) Delegate(_ context.Context, in DelegateInput) (*credential.Credential, error) {
	parentCaps := in.ParentCredential.MCPCapabilities()
	if !in.ReducedCapabilities.IsSubsetOf(parentCaps) {
		return nil, &acdperr.InvalidCredentialError{Reason: "delegated capabilities must be a subset of the parent grant"}
	}

	var parentChain delegation.Chain
	var parentRights delegation.Rights
	switch in.ParentCredential.Kind {
	case credential.KindIdentityBound:
		parentChain = in.ParentCredential.IdentityBound.DelegationChain
		parentRights = in.ParentCredential.IdentityBound.Delegation
	case credential.KindHybrid:
		parentChain = in.ParentCredential.Hybrid.DelegationChain
		parentRights = in.ParentCredential.Hybrid.Delegation
	default:
		return nil, &acdperr.InvalidCredentialError{Reason: "anonymous credentials cannot be delegated"}
	}

	if err := parentRights.CanDelegateAtDepth(parentChain.Depth()); err != nil {
		return nil, err
	}

	parentID := in.ParentCredential.CredentialID()
	childID := uuid.New()
	reduced := len(in.ReducedCapabilities.AllowedTools) < len(parentCaps.AllowedTools)
	proof := delegation.NewProof(in.DelegatorSigner, in.DelegatorAgentID, in.DelegateeAgentID, parentID, childID, reduced)

	s.mu.Lock()
	chain, ok := s.delegations[parentID]
	if !ok {
		c := parentChain
		chain = &c
		s.delegations[parentID] = chain
	}
	childChain := *chain
	childChain.AddProof(proof)
	s.delegations[childID] = &childChain
	s.mu.Unlock()

	childRights := parentRights

	var childAgent credential.Agent
	var childPrincipal credential.Principal
	switch in.ParentCredential.Kind {
	case credential.KindIdentityBound:
		childAgent = in.ParentCredential.IdentityBound.Agent
		childPrincipal = in.ParentCredential.IdentityBound.Principal
	case credential.KindHybrid:
		childAgent = in.ParentCredential.Hybrid.Agent
		childPrincipal = in.ParentCredential.Hybrid.Principal
	}
	childAgent.AgentID = in.DelegateeAgentID

	child, err := credential.NewIdentityBound(s.signer, childPrincipal, childAgent, in.ReducedCapabilities, childRights, in.Duration)
	if err != nil {
		return nil, err
	}
	child.IdentityBound.DelegationChain = childChain

	s.logger.Info("credential delegated", "parent_id", parentID, "child_id", childID,
		"delegator", in.DelegatorAgentID, "delegatee", in.DelegateeAgentID, "depth", childChain.Depth())
	return child, nil
}
