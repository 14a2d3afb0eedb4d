package arc

import "github.com/cloudflare/circl/group"

// circl's P-256 scalar encoding is big-endian (it follows SEC1's field-
// element convention). The ACDP wire format mandates little-endian 32-byte
// scalars for cross-implementation compatibility with the protocol's
// reference encoding, so every scalar that crosses a wire boundary is
// byte-reversed at the serialization edge; the group arithmetic itself
// never sees anything but circl's native representation.
func marshalScalarLE(s group.Scalar) ([]byte, error) {
	b, err := s.MarshalBinary()
	if err != nil {
		return nil, err
	}
	reverse(b)
	return b, nil
}

func unmarshalScalarLE(data []byte) (group.Scalar, error) {
	be := make([]byte, len(data))
	copy(be, data)
	reverse(be)
	s := newScalar()
	if err := s.UnmarshalBinary(be); err != nil {
		return nil, err
	}
	return s, nil
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}
