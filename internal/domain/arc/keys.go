package arc

import (
	"fmt"

	"github.com/cloudflare/circl/group"
)

// ServerPrivateKey holds the issuer's MAC key material: three scalars used
// in credential issuance and verification, plus a blinding scalar used only
// for the dual-generator commitment X0.
type ServerPrivateKey struct {
	X0         group.Scalar
	X1         group.Scalar
	X2         group.Scalar
	X0Blinding group.Scalar
}

// NewServerPrivateKey generates a fresh random issuer key.
func NewServerPrivateKey() *ServerPrivateKey {
	return &ServerPrivateKey{
		X0:         randomScalar(),
		X1:         randomScalar(),
		X2:         randomScalar(),
		X0Blinding: randomScalar(),
	}
}

// MarshalBinary encodes the key as four little-endian 32-byte scalars.
func (k *ServerPrivateKey) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, 4*Suite.ScalarByteCount)
	for _, s := range []group.Scalar{k.X0, k.X1, k.X2, k.X0Blinding} {
		b, err := marshalScalarLE(s)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

// UnmarshalServerPrivateKey decodes a key produced by MarshalBinary.
func UnmarshalServerPrivateKey(data []byte) (*ServerPrivateKey, error) {
	n := Suite.ScalarByteCount
	if len(data) != 4*n {
		return nil, fmt.Errorf("arc: invalid server private key length %d", len(data))
	}
	x0, err := unmarshalScalarLE(data[0*n : 1*n])
	if err != nil {
		return nil, fmt.Errorf("arc: x0: %w", err)
	}
	x1, err := unmarshalScalarLE(data[1*n : 2*n])
	if err != nil {
		return nil, fmt.Errorf("arc: x1: %w", err)
	}
	x2, err := unmarshalScalarLE(data[2*n : 3*n])
	if err != nil {
		return nil, fmt.Errorf("arc: x2: %w", err)
	}
	x0b, err := unmarshalScalarLE(data[3*n : 4*n])
	if err != nil {
		return nil, fmt.Errorf("arc: x0_blinding: %w", err)
	}
	return &ServerPrivateKey{X0: x0, X1: x1, X2: x2, X0Blinding: x0b}, nil
}

// ServerPublicKey holds the issuer's public commitments to its MAC key,
// published so presentations can be verified by anyone holding it plus the
// matching private key (verification in ARC is symmetric: only the issuer
// verifies, but the public key documents the commitment structure).
type ServerPublicKey struct {
	X0 group.Element
	X1 group.Element
	X2 group.Element
}

// DeriveServerPublicKey computes the CMZ14 MACGGM public key:
//
//	X0 = x0_blinding*G + x0*H   (dual-generator commitment)
//	Xi = xi*G                   for i > 0
func DeriveServerPublicKey(priv *ServerPrivateKey, gens *Generators) *ServerPublicKey {
	x0 := addG(mulG(gens.G, priv.X0Blinding), mulG(gens.H, priv.X0))
	x1 := mulG(gens.G, priv.X1)
	x2 := mulG(gens.G, priv.X2)

	return &ServerPublicKey{X0: x0, X1: x1, X2: x2}
}

// MarshalBinary encodes the public key as three compressed points.
func (k *ServerPublicKey) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, 3*Suite.PointByteCount)
	for _, e := range []group.Element{k.X0, k.X1, k.X2} {
		b, err := e.MarshalBinary()
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

// UnmarshalServerPublicKey decodes a key produced by MarshalBinary.
func UnmarshalServerPublicKey(data []byte) (*ServerPublicKey, error) {
	n := Suite.PointByteCount
	if len(data) != 3*n {
		return nil, fmt.Errorf("arc: invalid server public key length %d", len(data))
	}
	x0, err := unmarshalPoint(data[0*n : 1*n])
	if err != nil {
		return nil, fmt.Errorf("arc: X0: %w", err)
	}
	x1, err := unmarshalPoint(data[1*n : 2*n])
	if err != nil {
		return nil, fmt.Errorf("arc: X1: %w", err)
	}
	x2, err := unmarshalPoint(data[2*n : 3*n])
	if err != nil {
		return nil, fmt.Errorf("arc: X2: %w", err)
	}
	return &ServerPublicKey{X0: x0, X1: x1, X2: x2}, nil
}

func unmarshalPoint(data []byte) (group.Element, error) {
	e := newElement()
	if err := e.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return e, nil
}

// ClientSecrets are the values a client generates to request a credential:
// the attribute it will later present (M1), a Pedersen blinding factor
// (S), and randomness used to construct auxiliary encryption points.
type ClientSecrets struct {
	M1 group.Scalar
	S  group.Scalar
	R1 group.Scalar
	R2 group.Scalar
}

// NewClientSecrets generates a fresh random secret set.
func NewClientSecrets() *ClientSecrets {
	return &ClientSecrets{M1: randomScalar(), S: randomScalar(), R1: randomScalar(), R2: randomScalar()}
}
