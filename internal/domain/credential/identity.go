package credential

import "github.com/maceip/acdp-gateway/internal/acdperr"

// Principal identifies the human who ultimately authorized an agent's
// actions, as asserted by an enterprise identity provider via ID-JAG.
type Principal struct {
	HumanID  string `json:"human_id"`
	IdPIssuer string `json:"idp_issuer"`
	ClientID string `json:"client_id"`
}

// NewPrincipalFromIDJAG builds a Principal from the claims of a verified
// ID-JAG token.
func NewPrincipalFromIDJAG(humanID, idpIssuer, clientID string) (Principal, error) {
	if humanID == "" {
		return Principal{}, &acdperr.InvalidCredentialError{Reason: "principal human_id must not be empty"}
	}
	return Principal{HumanID: humanID, IdPIssuer: idpIssuer, ClientID: clientID}, nil
}

// AgentType classifies how an agent's code provenance was established.
type AgentType string

const (
	AgentTypeCustom    AgentType = "custom"
	AgentTypeFramework AgentType = "framework"
	AgentTypeVerified  AgentType = "verified"
)

// Agent identifies the acting AI agent: its stable identifier, its
// Ed25519 public key (used to verify agent-originated signatures such as
// delegation proofs), and whether its code has been provenance-verified.
type Agent struct {
	AgentID      string    `json:"agent_id"`
	PublicKey    []byte    `json:"public_key"`
	AgentType    AgentType `json:"agent_type"`
	CodeVerified bool      `json:"code_verified"`
}

// NewAgent constructs an Agent identity.
func NewAgent(agentID string, publicKey []byte, agentType AgentType, codeVerified bool) (Agent, error) {
	if agentID == "" {
		return Agent{}, &acdperr.InvalidCredentialError{Reason: "agent_id must not be empty"}
	}
	if len(publicKey) != 32 {
		return Agent{}, &acdperr.InvalidCredentialError{Reason: "agent public key must be 32 bytes (Ed25519)"}
	}
	return Agent{AgentID: agentID, PublicKey: publicKey, AgentType: agentType, CodeVerified: codeVerified}, nil
}
