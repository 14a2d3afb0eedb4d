package arc

import (
	"fmt"

	"github.com/cloudflare/circl/group"
)

// SigmaProof is a non-interactive (Fiat-Shamir) proof of knowledge of the
// triple (m1, z, r) satisfying all three presentation constraints at once:
//
//	M1Commit = m1*U + z*G
//	V        = z*X1 - r*G
//	M1Tag    = m1*Tag
//
// No library in the reference corpus supplies a generic sigma-protocol
// combinator — this relation is bespoke to the ARC presentation scheme, so
// it is built directly on circl/group's scalar/element arithmetic rather
// than adapted from a third-party crypto-protocol package.
type SigmaProof struct {
	T1 group.Element
	T2 group.Element
	T3 group.Element
	S1 group.Scalar
	S2 group.Scalar
	S3 group.Scalar
}

type sigmaWitness struct {
	m1, z, r group.Scalar
}

type sigmaStatement struct {
	u, x1, g, h      group.Element
	tag, m1Commit, v, m1Tag group.Element
	context          []byte
}

func createPresentationProof(w sigmaWitness, st sigmaStatement) (*SigmaProof, error) {
	k1 := randomScalar()
	k2 := randomScalar()
	k3 := randomScalar()

	t1 := addG(mulG(st.u, k1), mulG(st.g, k2))
	t2 := subG(mulG(st.x1, k2), mulG(st.g, k3))
	t3 := mulG(st.tag, k1)

	c, err := sigmaChallenge(t1, t2, t3, st)
	if err != nil {
		return nil, err
	}

	s1 := newScalar().Add(k1, newScalar().Mul(c, w.m1))
	s2 := newScalar().Add(k2, newScalar().Mul(c, w.z))
	s3 := newScalar().Add(k3, newScalar().Mul(c, w.r))

	return &SigmaProof{T1: t1, T2: t2, T3: t3, S1: s1, S2: s2, S3: s3}, nil
}

func verifyPresentationProof(p *SigmaProof, st sigmaStatement) (bool, error) {
	if p == nil {
		return false, fmt.Errorf("arc: missing presentation proof")
	}

	c, err := sigmaChallenge(p.T1, p.T2, p.T3, st)
	if err != nil {
		return false, err
	}

	lhs1 := addG(mulG(st.u, p.S1), mulG(st.g, p.S2))
	rhs1 := addG(p.T1, mulG(st.m1Commit, c))
	if !lhs1.IsEqual(rhs1) {
		return false, nil
	}

	lhs2 := subG(mulG(st.x1, p.S2), mulG(st.g, p.S3))
	rhs2 := addG(p.T2, mulG(st.v, c))
	if !lhs2.IsEqual(rhs2) {
		return false, nil
	}

	lhs3 := mulG(st.tag, p.S1)
	rhs3 := addG(p.T3, mulG(st.m1Tag, c))
	if !lhs3.IsEqual(rhs3) {
		return false, nil
	}

	return true, nil
}

// sigmaChallenge hashes the proof commitments and full public statement
// into the Fiat-Shamir challenge scalar, domain-separated so this proof
// cannot be confused with any other sigma protocol in the codebase.
func sigmaChallenge(t1, t2, t3 group.Element, st sigmaStatement) (group.Scalar, error) {
	var buf []byte
	for _, e := range []group.Element{t1, t2, t3, st.u, st.x1, st.g, st.h, st.tag, st.m1Commit, st.v, st.m1Tag} {
		b, err := e.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("arc: marshal sigma statement: %w", err)
		}
		buf = append(buf, b...)
	}
	buf = append(buf, st.context...)
	return Curve.HashToScalar(buf, []byte(dstChallenge)), nil
}

// MarshalBinary encodes the proof as three compressed points followed by
// three little-endian scalars, for inclusion in a serialized Presentation.
func (p *SigmaProof) MarshalBinary() ([]byte, error) {
	var out []byte
	for _, e := range []group.Element{p.T1, p.T2, p.T3} {
		b, err := e.MarshalBinary()
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	for _, s := range []group.Scalar{p.S1, p.S2, p.S3} {
		b, err := marshalScalarLE(s)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

// UnmarshalSigmaProof decodes a proof produced by MarshalBinary.
func UnmarshalSigmaProof(data []byte) (*SigmaProof, error) {
	pn, sn := Suite.PointByteCount, Suite.ScalarByteCount
	want := 3*pn + 3*sn
	if len(data) != want {
		return nil, fmt.Errorf("arc: invalid sigma proof length %d, want %d", len(data), want)
	}
	off := 0
	readPoint := func() (group.Element, error) {
		e, err := unmarshalPoint(data[off : off+pn])
		off += pn
		return e, err
	}
	readScalar := func() (group.Scalar, error) {
		s, err := unmarshalScalarLE(data[off : off+sn])
		off += sn
		return s, err
	}

	t1, err := readPoint()
	if err != nil {
		return nil, err
	}
	t2, err := readPoint()
	if err != nil {
		return nil, err
	}
	t3, err := readPoint()
	if err != nil {
		return nil, err
	}
	s1, err := readScalar()
	if err != nil {
		return nil, err
	}
	s2, err := readScalar()
	if err != nil {
		return nil, err
	}
	s3, err := readScalar()
	if err != nil {
		return nil, err
	}

	return &SigmaProof{T1: t1, T2: t2, T3: t3, S1: s1, S2: s2, S3: s3}, nil
}
