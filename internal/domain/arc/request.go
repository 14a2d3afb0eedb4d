package arc

import (
	"fmt"

	"github.com/cloudflare/circl/group"
)

// CredentialRequest is the client's blinded request for a new credential.
// CommitBlind hides M1 from the issuer behind a Pedersen commitment; the
// auxiliary points carry the randomness the client will later need to
// decrypt the issuer's blinded response.
type CredentialRequest struct {
	M1CommitBlinded []byte
	X0Aux           []byte
	X1Aux           []byte
	X2Aux           []byte
}

// NewCredentialRequest builds a blinded issuance request:
//
//	CommitBlind = s*G + m1*X1
func NewCredentialRequest(secrets *ClientSecrets, pub *ServerPublicKey, gens *Generators) (*CredentialRequest, error) {
	commitBlind := addG(mulG(gens.G, secrets.S), mulG(pub.X1, secrets.M1))

	zero := newScalar()
	x0Aux := mulG(gens.G, secrets.R1)
	x1Aux := mulG(gens.G, zero)
	x2Aux := mulG(gens.G, zero)

	cb, err := commitBlind.MarshalBinary()
	if err != nil {
		return nil, err
	}
	x0b, err := x0Aux.MarshalBinary()
	if err != nil {
		return nil, err
	}
	x1b, err := x1Aux.MarshalBinary()
	if err != nil {
		return nil, err
	}
	x2b, err := x2Aux.MarshalBinary()
	if err != nil {
		return nil, err
	}

	return &CredentialRequest{M1CommitBlinded: cb, X0Aux: x0b, X1Aux: x1b, X2Aux: x2b}, nil
}

func (r *CredentialRequest) points() (m1Commit, x0Aux, x1Aux, x2Aux group.Element, err error) {
	if m1Commit, err = unmarshalPoint(r.M1CommitBlinded); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("arc: m1_commit_blinded: %w", err)
	}
	if x0Aux, err = unmarshalPoint(r.X0Aux); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("arc: x0_aux: %w", err)
	}
	if x1Aux, err = unmarshalPoint(r.X1Aux); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("arc: x1_aux: %w", err)
	}
	if x2Aux, err = unmarshalPoint(r.X2Aux); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("arc: x2_aux: %w", err)
	}
	return m1Commit, x0Aux, x1Aux, x2Aux, nil
}
