// Package delegation implements agent-to-agent credential delegation:
// rights that bound how far and how a credential may be re-delegated, the
// signed proof of one delegation hop, and the ordered chain of proofs that
// forms the audit trail from a human principal down to the current agent.
package delegation

import (
	"crypto/ed25519"
	"encoding/binary"
	"time"

	"github.com/google/uuid"
	"github.com/maceip/acdp-gateway/internal/acdperr"
)

// CapabilityReductionPolicy governs whether a delegated credential's
// capability grant must strictly shrink, or may stay equal to its parent.
type CapabilityReductionPolicy string

const (
	MustReduce CapabilityReductionPolicy = "must_reduce"
	AllowSame  CapabilityReductionPolicy = "allow_same"
)

// MaxDelegationDepth is the hard ceiling on chain length regardless of any
// individual credential's configured depth.
const MaxDelegationDepth = 10

// Rights controls whether and how far a credential can be delegated.
type Rights struct {
	CanDelegate               bool                      `json:"can_delegate"`
	MaxDelegationDepth        uint8                     `json:"max_delegation_depth"`
	CapabilityReductionPolicy CapabilityReductionPolicy `json:"capability_reduction_policy"`
}

// AllowDelegation returns rights permitting delegation up to maxDepth hops,
// requiring every hop to reduce capabilities. maxDepth is clamped to
// MaxDelegationDepth.
func AllowDelegation(maxDepth uint8) Rights {
	if maxDepth > MaxDelegationDepth {
		maxDepth = MaxDelegationDepth
	}
	return Rights{CanDelegate: true, MaxDelegationDepth: maxDepth, CapabilityReductionPolicy: MustReduce}
}

// NoDelegation returns rights that forbid any further delegation.
func NoDelegation() Rights {
	return Rights{CanDelegate: false, MaxDelegationDepth: 0, CapabilityReductionPolicy: MustReduce}
}

// CanDelegateAtDepth reports whether delegating one more hop from
// currentDepth is permitted under these rights.
func (r Rights) CanDelegateAtDepth(currentDepth uint8) error {
	if !r.CanDelegate {
		return &acdperr.InvalidCredentialError{Reason: "delegation not permitted for this credential"}
	}
	if currentDepth >= r.MaxDelegationDepth {
		return &acdperr.DelegationDepthExceededError{Current: int(currentDepth), Max: int(r.MaxDelegationDepth)}
	}
	return nil
}

// Proof is a delegator's signed attestation that it delegated a credential
// to a delegatee. The timestamp is captured once, at construction, and the
// signature always covers that exact value: there is no window in which
// the signed timestamp and the stored timestamp can diverge.
type Proof struct {
	Delegator              string    `json:"delegator"`
	Delegatee              string    `json:"delegatee"`
	ParentCredentialID     uuid.UUID `json:"parent_credential_id"`
	DelegatedCredentialID  uuid.UUID `json:"delegated_credential_id"`
	Timestamp              time.Time `json:"timestamp"`
	CapabilitiesReduced    bool      `json:"capabilities_reduced"`
	Signature              []byte    `json:"signature"`
}

// NewProof signs and constructs a delegation proof in one step. signer must
// be the delegator's Ed25519 private key.
func NewProof(signer ed25519.PrivateKey, delegator, delegatee string, parentCredentialID, delegatedCredentialID uuid.UUID, capabilitiesReduced bool) Proof {
	timestamp := time.Now().UTC()
	data := signingData(delegator, delegatee, parentCredentialID, delegatedCredentialID, timestamp, capabilitiesReduced)
	sig := ed25519.Sign(signer, data)
	return Proof{
		Delegator:             delegator,
		Delegatee:             delegatee,
		ParentCredentialID:    parentCredentialID,
		DelegatedCredentialID: delegatedCredentialID,
		Timestamp:             timestamp,
		CapabilitiesReduced:   capabilitiesReduced,
		Signature:             sig,
	}
}

// Verify checks the proof's signature against the delegator's public key.
func (p Proof) Verify(delegatorPublicKey ed25519.PublicKey) error {
	data := signingData(p.Delegator, p.Delegatee, p.ParentCredentialID, p.DelegatedCredentialID, p.Timestamp, p.CapabilitiesReduced)
	if !ed25519.Verify(delegatorPublicKey, data, p.Signature) {
		return &acdperr.InvalidCredentialError{Reason: "delegation proof signature verification failed"}
	}
	return nil
}

func signingData(delegator, delegatee string, parentID, delegatedID uuid.UUID, timestamp time.Time, reduced bool) []byte {
	data := make([]byte, 0, len(delegator)+len(delegatee)+16+16+8+1)
	data = append(data, delegator...)
	data = append(data, delegatee...)
	parentBytes := parentID
	delegatedBytes := delegatedID
	data = append(data, parentBytes[:]...)
	data = append(data, delegatedBytes[:]...)
	var tsBuf [8]byte
	binary.LittleEndian.PutUint64(tsBuf[:], uint64(timestamp.Unix()))
	data = append(data, tsBuf[:]...)
	if reduced {
		data = append(data, 1)
	} else {
		data = append(data, 0)
	}
	return data
}

// Chain is the ordered audit trail of delegation hops, oldest first: from
// the credential the human principal holds down to the currently-acting
// agent.
type Chain struct {
	Proofs []Proof `json:"proofs"`
}

// NewChain returns an empty delegation chain.
func NewChain() Chain { return Chain{} }

// AddProof appends a hop to the chain.
func (c *Chain) AddProof(p Proof) { c.Proofs = append(c.Proofs, p) }

// Depth reports the number of delegation hops so far.
func (c Chain) Depth() uint8 { return uint8(len(c.Proofs)) }

// CheckDepth reports an error if the chain already exceeds maxDepth.
func (c Chain) CheckDepth(maxDepth uint8) error {
	if c.Depth() > maxDepth {
		return &acdperr.DelegationDepthExceededError{Current: int(c.Depth()), Max: int(maxDepth)}
	}
	return nil
}

// PublicKeyLookup resolves a delegator agent ID to its Ed25519 public key,
// used by Chain.Verify to check every hop without the chain itself holding
// key material.
type PublicKeyLookup func(agentID string) (ed25519.PublicKey, error)

// Verify checks every proof in the chain against its delegator's public
// key, as resolved by lookup.
func (c Chain) Verify(lookup PublicKeyLookup) error {
	for _, p := range c.Proofs {
		pub, err := lookup(p.Delegator)
		if err != nil {
			return err
		}
		if err := p.Verify(pub); err != nil {
			return err
		}
	}
	return nil
}

// AuditTrail renders the chain as a sequence of "delegator -> delegatee"
// strings, oldest hop first.
func (c Chain) AuditTrail() []string {
	trail := make([]string, len(c.Proofs))
	for i, p := range c.Proofs {
		trail[i] = p.Delegator + " -> " + p.Delegatee
	}
	return trail
}
