package speechcache

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/MrWong99/avatarvoice/pkg/types"
)

// Key identifies a cacheable request. Two requests that differ only in
// insignificant whitespace share a key.
type Key uint64

// String returns the key as 16 lower-case hex digits.
func (k Key) String() string {
	return fmt.Sprintf("%016x", uint64(k))
}

// NewKey hashes the capability, the normalised input and every option of req.
// Text is trimmed with inner whitespace runs collapsed to one space. Audio is
// reduced to a fingerprint of its bytes plus its length.
func NewKey(req types.Request) Key {
	d := xxhash.New()
	field := func(s string) {
		d.WriteString(s)
		d.Write([]byte{0})
	}
	num := func(v uint64) {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		d.Write(b[:])
	}

	field(string(req.Capability))
	field(NormalizeText(req.Text))
	num(xxhash.Sum64(req.Audio))
	num(uint64(len(req.Audio)))

	o := req.Options
	field(o.Voice)
	field(o.Model)
	field(strings.ToLower(o.Language))
	num(math.Float64bits(o.Speed))
	num(math.Float64bits(o.Pitch))
	field(strings.ToLower(o.Format))
	num(uint64(o.SampleRate))
	return Key(d.Sum64())
}

// NormalizeText trims s and collapses every whitespace run into one space.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
