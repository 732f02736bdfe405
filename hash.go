package twinstate

import (
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"math"
)

// StateHash is a consistent hash (i.e., content address) over the entire twin
// state. Two states with the same StateHash hold the same elements with the same
// values, regardless of the order in which they were created.
//
// The store computes a new StateHash on every commit, so StateChanged
// notifications can be chained: the StateBefore of a notification is the
// StateAfter of the one preceding it.
type StateHash [sha1.Size]byte

func (h StateHash) MarshalText() ([]byte, error) {
	text := make([]byte, hex.EncodedLen(len(h)))
	hex.Encode(text, h[:]) // always returns hex.EncodedLen(len(h)) (see hex.Encode)
	return text, nil
}

func (h *StateHash) UnmarshalText(text []byte) error {
	n, err := hex.Decode(h[:], text)
	if err != nil {
		return fmt.Errorf("decode hex: %w", err)
	}
	if n != len(h) { // always n <= len(h[:]) (see hex.Decode)
		return fmt.Errorf("not enough bytes: %w", io.ErrUnexpectedEOF)
	}
	return nil
}

func (h StateHash) String() string { return "state(" + hex.EncodeToString(h[:]) + ")" }

// IsZero reports whether h is the zero value of the type.
func (h StateHash) IsZero() bool { return h == StateHash{} }

// HashState digests the given state into a StateHash.
//
// Every namespace is hashed in lexicographic key order, so the hash depends on
// the content of the state only.
func HashState(s State) StateHash {
	h := sha1.New()
	writeString(h, string(ElementProperty))
	for _, k := range sortedKeys(s.Properties) {
		p := s.Properties[k]
		writeString(h, p.Key)
		writeString(h, p.Type)
		writeValue(h, p.Value)
	}
	writeString(h, string(ElementEvent))
	for _, k := range sortedKeys(s.Events) {
		writeString(h, s.Events[k].Key)
		writeString(h, s.Events[k].Type)
	}
	writeString(h, string(ElementAction))
	for _, k := range sortedKeys(s.Actions) {
		a := s.Actions[k]
		writeString(h, a.Key)
		writeString(h, a.Type)
		writeString(h, a.ContentType)
	}
	writeString(h, string(ElementRelationship))
	for _, k := range sortedKeys(s.Relationships) {
		writeString(h, s.Relationships[k].Name)
		writeString(h, s.Relationships[k].Type)
		instances := s.Instances[k]
		for _, key := range sortedKeys(instances) {
			writeString(h, instances[key].Key)
			writeString(h, instances[key].TargetID)
		}
	}
	var sum StateHash
	copy(sum[:], h.Sum(nil))
	return sum
}

// writeString writes a length-prefixed string so that adjacent strings never
// collide ("ab"+"c" versus "a"+"bc").
func writeString(h hash.Hash, s string) {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], uint64(len(s)))
	h.Write(buf[:n])
	h.Write([]byte(s))
}

func writeValue(h hash.Hash, v Value) {
	var buf [1 + 8]byte
	buf[0] = byte(v.kind)
	switch v.kind {
	case KindInt, KindBool:
		binary.BigEndian.PutUint64(buf[1:], uint64(v.i))
		h.Write(buf[:])
	case KindReal:
		binary.BigEndian.PutUint64(buf[1:], math.Float64bits(v.f))
		h.Write(buf[:])
	case KindString:
		h.Write(buf[:1])
		writeString(h, v.s)
	default:
		h.Write(buf[:1])
	}
}
