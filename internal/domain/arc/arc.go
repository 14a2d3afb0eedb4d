// Package arc implements Anonymous Rate-Limited Credentials: an algebraic
// MAC over a prime-order elliptic curve group, following the CMZ14 MACGGM
// construction (draft-yun-cfrg-arc, matching Swift Crypto's ARCV1-P256
// ciphersuite for cross-implementation compatibility).
//
// The group arithmetic is supplied by cloudflare/circl's P-256 group
// implementation rather than hand-rolled field code: circl gives domain-
// separated hash-to-curve and a scalar-field abstraction the sigma-proof
// math in sigma.go builds directly on top of.
package arc

import (
	"crypto/rand"
	"fmt"

	"github.com/cloudflare/circl/group"
)

// Suite is the ARC ciphersuite in use. Only P-256 is supported; the wire
// format and domain-separation strings below are specific to it.
var Suite = struct {
	ID              uint16
	Domain          string
	ScalarByteCount int
	PointByteCount  int
}{ID: 3, Domain: "ARCV1-P256", ScalarByteCount: 32, PointByteCount: 33}

const (
	dstGeneratorH = "HashToGroup-ARCV1-P256generatorH"
	dstTag        = "HashToGroup-ARCV1-P256Tag"
	dstChallenge  = "ACDPV1-P256-SigmaChallenge"
)

// Curve is the group all ARC operations run in.
var Curve = group.P256

// Generators holds the two independent generators G and H that the ARC
// Pedersen commitments and MAC are built from. G is the curve's standard
// generator; H is derived from it via domain-separated hash-to-curve so
// that no party knows log_G(H).
type Generators struct {
	G group.Element
	H group.Element
}

// NewGenerators computes the (G, H) pair for the P-256 ciphersuite.
func NewGenerators() (*Generators, error) {
	g := Curve.Generator()
	gBytes, err := g.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("arc: marshal generator: %w", err)
	}
	h := Curve.HashToElement(gBytes, []byte(dstGeneratorH))
	return &Generators{G: g, H: h}, nil
}

func randomScalar() group.Scalar {
	return Curve.RandomScalar(rand.Reader)
}

func newElement() group.Element { return Curve.NewElement() }

func newScalar() group.Scalar { return Curve.NewScalar() }

// mulG returns s*base as a freshly allocated element, leaving base untouched.
func mulG(base group.Element, s group.Scalar) group.Element {
	return newElement().Mul(base, s)
}

// addG returns a+b as a freshly allocated element.
func addG(a, b group.Element) group.Element {
	return newElement().Add(a, b)
}

// subG returns a-b as a freshly allocated element (a + (-b)).
func subG(a, b group.Element) group.Element {
	neg := newElement().Neg(b)
	return newElement().Add(a, neg)
}
