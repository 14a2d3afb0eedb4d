package arc

import "github.com/cloudflare/circl/group"

// Presentation is what a client sends to prove it holds a valid,
// rate-limited ARC credential without revealing which credential it is
// (the randomization factor 'a' applied in CreatePresentation makes (U,
// U') unlinkable across presentations).
type Presentation struct {
	U            group.Element
	UPrimeCommit group.Element
	M1Commit     group.Element
	Tag          group.Element
	M1Tag        group.Element
	T            group.Element
	Proof        *SigmaProof
}

// Verify checks a presentation against the issuer's private key. Only the
// issuer can verify (verification requires x0/x1/x2, which never leave the
// gateway process).
func (p *Presentation) Verify(priv *ServerPrivateKey, m2 group.Scalar, presentationContext []byte, nonce, presentationLimit uint64, gens *Generators) (bool, error) {
	if nonce >= presentationLimit {
		return false, nil
	}
	if p.U.IsIdentity() || p.UPrimeCommit.IsIdentity() {
		return false, nil
	}

	// V = m1Commit*x1 + U*x0 + U*(x2*m2) - U'Commit
	//   = z*X1 - r*G   (see CreatePresentation)
	exponent := newScalar().Add(priv.X0, newScalar().Mul(priv.X2, m2))
	v := addG(mulG(p.M1Commit, priv.X1), mulG(p.U, exponent))
	v = subG(v, p.UPrimeCommit)

	x1 := mulG(gens.G, priv.X1)

	ok, err := verifyPresentationProof(p.Proof, sigmaStatement{
		u: p.U, x1: x1, g: gens.G, h: gens.H,
		tag: p.Tag, m1Commit: p.M1Commit, v: v, m1Tag: p.M1Tag,
		context: presentationContext,
	})
	if err != nil || !ok {
		return false, err
	}

	nonceScalar := newScalar()
	nonceScalar.SetUint64(nonce)

	expectedT := Curve.HashToElement(presentationContext, []byte(dstTag))
	expectedM1Tag := subG(expectedT, mulG(p.Tag, nonceScalar))

	if !p.T.IsEqual(expectedT) || !p.M1Tag.IsEqual(expectedM1Tag) {
		return false, nil
	}

	return true, nil
}
