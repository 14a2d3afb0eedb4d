package arc

import (
	"fmt"

	"github.com/google/uuid"
)

// CredentialWire is the JSON-friendly wire representation of a Credential,
// matching spec.md §6's little-endian-scalar / compressed-point encoding.
// Presentation counters are never serialized: they are local client state.
type CredentialWire struct {
	M1               []byte `json:"m1"`
	U                []byte `json:"u"`
	UPrime           []byte `json:"u_prime"`
	X1               []byte `json:"x1"`
	MaxPresentations uint64 `json:"max_presentations"`
}

// ToWire encodes the credential for transport/storage.
func (c *Credential) ToWire() (*CredentialWire, error) {
	m1, err := marshalScalarLE(c.M1)
	if err != nil {
		return nil, fmt.Errorf("arc: marshal m1: %w", err)
	}
	u, err := c.U.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("arc: marshal u: %w", err)
	}
	uPrime, err := c.UPrime.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("arc: marshal u_prime: %w", err)
	}
	x1, err := c.X1.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("arc: marshal x1: %w", err)
	}
	return &CredentialWire{M1: m1, U: u, UPrime: uPrime, X1: x1, MaxPresentations: c.MaxPresentations}, nil
}

// CredentialFromWire decodes a credential previously produced by ToWire.
// The returned credential's presentation counter starts at zero; callers
// restoring persisted state must account for previously-used presentations
// out of band (the counter is intentionally not part of the wire format).
func CredentialFromWire(w *CredentialWire) (*Credential, error) {
	m1, err := unmarshalScalarLE(w.M1)
	if err != nil {
		return nil, fmt.Errorf("arc: unmarshal m1: %w", err)
	}
	u, err := unmarshalPoint(w.U)
	if err != nil {
		return nil, fmt.Errorf("arc: unmarshal u: %w", err)
	}
	uPrime, err := unmarshalPoint(w.UPrime)
	if err != nil {
		return nil, fmt.Errorf("arc: unmarshal u_prime: %w", err)
	}
	x1, err := unmarshalPoint(w.X1)
	if err != nil {
		return nil, fmt.Errorf("arc: unmarshal x1: %w", err)
	}
	return &Credential{ID: uuid.New(), M1: m1, U: u, UPrime: uPrime, X1: x1, MaxPresentations: w.MaxPresentations}, nil
}

// PresentationWire is the JSON-friendly wire representation of a
// Presentation, sent by clients to the gateway on each tool call.
type PresentationWire struct {
	U            []byte `json:"u"`
	UPrimeCommit []byte `json:"u_prime_commit"`
	M1Commit     []byte `json:"m1_commit"`
	Tag          []byte `json:"tag"`
	M1Tag        []byte `json:"m1_tag"`
	T            []byte `json:"t"`
	Proof        []byte `json:"proof"`
}

// ToWire encodes the presentation for transport.
func (p *Presentation) ToWire() (*PresentationWire, error) {
	proof, err := p.Proof.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("arc: marshal proof: %w", err)
	}
	fields := []struct {
		name string
		e    interface{ MarshalBinary() ([]byte, error) }
	}{
		{"u", p.U}, {"u_prime_commit", p.UPrimeCommit}, {"m1_commit", p.M1Commit},
		{"tag", p.Tag}, {"m1_tag", p.M1Tag}, {"t", p.T},
	}
	enc := make(map[string][]byte, len(fields))
	for _, f := range fields {
		b, err := f.e.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("arc: marshal %s: %w", f.name, err)
		}
		enc[f.name] = b
	}
	return &PresentationWire{
		U: enc["u"], UPrimeCommit: enc["u_prime_commit"], M1Commit: enc["m1_commit"],
		Tag: enc["tag"], M1Tag: enc["m1_tag"], T: enc["t"], Proof: proof,
	}, nil
}

// PresentationFromWire decodes a presentation previously produced by ToWire.
func PresentationFromWire(w *PresentationWire) (*Presentation, error) {
	u, err := unmarshalPoint(w.U)
	if err != nil {
		return nil, fmt.Errorf("arc: unmarshal u: %w", err)
	}
	uPrimeCommit, err := unmarshalPoint(w.UPrimeCommit)
	if err != nil {
		return nil, fmt.Errorf("arc: unmarshal u_prime_commit: %w", err)
	}
	m1Commit, err := unmarshalPoint(w.M1Commit)
	if err != nil {
		return nil, fmt.Errorf("arc: unmarshal m1_commit: %w", err)
	}
	tag, err := unmarshalPoint(w.Tag)
	if err != nil {
		return nil, fmt.Errorf("arc: unmarshal tag: %w", err)
	}
	m1Tag, err := unmarshalPoint(w.M1Tag)
	if err != nil {
		return nil, fmt.Errorf("arc: unmarshal m1_tag: %w", err)
	}
	t, err := unmarshalPoint(w.T)
	if err != nil {
		return nil, fmt.Errorf("arc: unmarshal t: %w", err)
	}
	proof, err := UnmarshalSigmaProof(w.Proof)
	if err != nil {
		return nil, fmt.Errorf("arc: unmarshal proof: %w", err)
	}
	return &Presentation{U: u, UPrimeCommit: uPrimeCommit, M1Commit: m1Commit, Tag: tag, M1Tag: m1Tag, T: t, Proof: proof}, nil
}
