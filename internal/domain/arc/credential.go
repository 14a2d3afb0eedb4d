package arc

import (
	"sync/atomic"

	"github.com/cloudflare/circl/group"
	"github.com/google/uuid"
	"github.com/maceip/acdp-gateway/internal/acdperr"
)

// Credential is the client-held ARC credential after blind issuance
// completes: an algebraic MAC (U, U') over the attribute M1, bound to the
// issuer's X1 commitment, with a local presentation budget. ID is a
// client-local handle used to register the credential's rate-limit state
// with the issuer (see service.CredentialService.RegisterARCCredential);
// it never crosses into the presentation itself, which stays unlinkable.
type Credential struct {
	ID               uuid.UUID
	M1               group.Scalar
	U                group.Element
	UPrime           group.Element
	X1               group.Element
	MaxPresentations uint64

	presentationsUsed atomic.Uint64
}

// CredentialID returns the credential's client-local handle.
func (c *Credential) CredentialID() uuid.UUID { return c.ID }

// FinalizeCredential performs client-side unblinding of an issuer response:
//
//	BlindQ = EncU' - X0Aux
//	Q      = r * (BlindQ - s*P)
//	U      = r * P
func FinalizeCredential(resp *CredentialResponse, secrets *ClientSecrets, pub *ServerPublicKey, maxPresentations uint64) (*Credential, error) {
	p, err := unmarshalPoint(resp.U)
	if err != nil {
		return nil, err
	}
	encBlindQ, err := unmarshalPoint(resp.EncUPrime)
	if err != nil {
		return nil, err
	}
	x0Aux, err := unmarshalPoint(resp.X0Aux)
	if err != nil {
		return nil, err
	}

	blindQ := subG(encBlindQ, x0Aux)

	r := randomScalar()
	inner := subG(blindQ, mulG(p, secrets.S))
	q := mulG(inner, r)
	u := mulG(p, r)

	c := &Credential{ID: uuid.New(), M1: secrets.M1, U: u, UPrime: q, X1: pub.X1, MaxPresentations: maxPresentations}
	return c, nil
}

// PresentationsRemaining reports how many presentations this credential can
// still produce before hitting its rate limit.
func (c *Credential) PresentationsRemaining() uint64 {
	used := c.presentationsUsed.Load()
	if used >= c.MaxPresentations {
		return 0
	}
	return c.MaxPresentations - used
}

// CreatePresentation produces a fresh, unlinkable presentation of this
// credential bound to presentationContext (typically the tool call being
// authorized) and nonce (a server-assigned per-window counter).
func (c *Credential) CreatePresentation(presentationContext []byte, nonce uint64, gens *Generators) (*Presentation, error) {
	used := c.presentationsUsed.Load()
	if used >= c.MaxPresentations {
		return nil, &acdperr.RateLimitExceededError{Used: used, Max: c.MaxPresentations}
	}

	a := randomScalar()
	uRand := mulG(c.U, a)
	uPrimeRand := mulG(c.UPrime, a)

	r := randomScalar()
	z := randomScalar()

	m1Commit := addG(mulG(uRand, c.M1), mulG(gens.G, z))
	uPrimeCommit := addG(uPrimeRand, mulG(gens.G, r))
	v := subG(mulG(c.X1, z), mulG(gens.G, r))

	nonceScalar := newScalar()
	nonceScalar.SetUint64(nonce)

	sum := newScalar().Add(c.M1, nonceScalar)
	if sum.IsZero() {
		return nil, &acdperr.InvalidCredentialError{Reason: "cannot invert (m1 + nonce): sum is zero"}
	}
	inverse := newScalar().Inv(sum)

	t := Curve.HashToElement(presentationContext, []byte(dstTag))
	tag := mulG(t, inverse)
	m1Tag := mulG(tag, c.M1)

	proof, err := createPresentationProof(sigmaWitness{
		m1: c.M1, z: z, r: r,
	}, sigmaStatement{
		u: uRand, x1: c.X1, g: gens.G, h: gens.H,
		tag: tag, m1Commit: m1Commit, v: v, m1Tag: m1Tag,
		context: presentationContext,
	})
	if err != nil {
		return nil, err
	}

	c.presentationsUsed.Add(1)

	return &Presentation{
		U:            uRand,
		UPrimeCommit: uPrimeCommit,
		M1Commit:     m1Commit,
		Tag:          tag,
		M1Tag:        m1Tag,
		T:            t,
		Proof:        proof,
	}, nil
}
