package credential

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/cloudflare/circl/group"
	"github.com/maceip/acdp-gateway/internal/domain/arc"
	"github.com/maceip/acdp-gateway/internal/domain/capability"
	"github.com/maceip/acdp-gateway/internal/domain/delegation"
)

func testCaps() capability.MCPCapabilities {
	return capability.MCPCapabilities{
		AllowedTools: []capability.ToolPattern{capability.NewToolPattern("filesystem/*")},
		RateLimit:    capability.Daily(1000),
	}
}

func TestIdentityBoundIssuanceAndVerification(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	principal, err := NewPrincipalFromIDJAG("alice@acme.com", "https://acme.idp.example", "mcp-client")
	if err != nil {
		t.Fatal(err)
	}
	agentPub, _, _ := ed25519.GenerateKey(nil)
	agent, err := NewAgent("agent://test", agentPub, AgentTypeCustom, false)
	if err != nil {
		t.Fatal(err)
	}

	cred, err := NewIdentityBound(priv, principal, agent, testCaps(), delegation.AllowDelegation(5), 7*24*time.Hour)
	if err != nil {
		t.Fatalf("NewIdentityBound: %v", err)
	}

	if cred.Kind != KindIdentityBound {
		t.Fatalf("Kind = %v, want KindIdentityBound", cred.Kind)
	}
	if cred.IsExpired() {
		t.Error("freshly issued credential should not be expired")
	}
	if err := cred.VerifySignature(pub); err != nil {
		t.Errorf("VerifySignature should succeed: %v", err)
	}

	otherPub, _, _ := ed25519.GenerateKey(nil)
	if err := cred.VerifySignature(otherPub); err == nil {
		t.Error("VerifySignature must fail against the wrong issuer key")
	}
}

func TestAnonymousCredentialHasNoSignatureRequirement(t *testing.T) {
	gens, err := arc.NewGenerators()
	if err != nil {
		t.Fatal(err)
	}
	arcPriv := arc.NewServerPrivateKey()
	arcPub := arc.DeriveServerPublicKey(arcPriv, gens)
	secrets := arc.NewClientSecrets()
	req, err := arc.NewCredentialRequest(secrets, arcPub, gens)
	if err != nil {
		t.Fatal(err)
	}

	m2 := group.P256.NewScalar()
	resp, err := arc.IssueCredentialResponse(req, arcPriv, m2, gens)
	if err != nil {
		t.Fatal(err)
	}
	arcCred, err := arc.FinalizeCredential(resp, secrets, arcPub, 1000)
	if err != nil {
		t.Fatal(err)
	}

	cred := NewAnonymous(arcCred, testCaps(), 24*time.Hour)
	if cred.Kind != KindAnonymous {
		t.Fatalf("Kind = %v, want KindAnonymous", cred.Kind)
	}

	anyPub, _, _ := ed25519.GenerateKey(nil)
	if err := cred.VerifySignature(anyPub); err != nil {
		t.Errorf("anonymous credential verification should be a no-op success: %v", err)
	}
	if cred.IsExpired() {
		t.Error("freshly issued anonymous credential should not be expired")
	}
}
