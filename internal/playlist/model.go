// Package playlist models HLS master and media playlists and parses M3U8
// text into those models.
package playlist

// EncryptionSpec describes how a contiguous run of segments is encrypted.
// Two specs are equal iff Method, KeyURI and IVHex all match; the parser
// reuses a single *EncryptionSpec value across adjacent segments so the
// processor's key-prefetch dedup is O(unique specs), not O(segments).
type EncryptionSpec struct {
	Method string // only "AES-128" is supported
	KeyURI string
	IVHex  string // empty means "derive from segment index"

	// KeyBytes is populated exactly once, by the processor, before any
	// segment referencing this spec is dispatched to a worker. It is
	// read-only from that point on.
	KeyBytes []byte
}

// Equal reports structural equality per the identity rule above.
func (e *EncryptionSpec) Equal(o *EncryptionSpec) bool {
	if e == nil || o == nil {
		return e == o
	}
	return e.Method == o.Method && e.KeyURI == o.KeyURI && e.IVHex == o.IVHex
}

// DedupKey returns a comparable value usable as a map key for structural
// equality, since *EncryptionSpec pointers aren't inherently comparable
// the way callers want ("unique by (method, key_uri, iv_hex)"); the
// processor's key-prefetch uses this to fetch each distinct key once.
func (e *EncryptionSpec) DedupKey() [3]string {
	return [3]string{e.Method, e.KeyURI, e.IVHex}
}

// Segment is an immutable value describing one fetchable media chunk.
type Segment struct {
	Index      int
	URI        string
	Duration   float64
	Title      string
	Encryption *EncryptionSpec // nil means unencrypted
}

// Playlist is the ordered, parsed result of a media playlist.
type Playlist struct {
	Segments        []Segment
	TargetDuration  float64
	EndList         bool
}

// VariantStream is one alternative listed in a master playlist.
type VariantStream struct {
	URI        string
	Bandwidth  int
	Resolution string
	Codecs     string
	FrameRate  float64
}

// VariantSelector chooses one variant out of a master playlist's list. It
// is supplied by the caller; the parser never guesses.
type VariantSelector func(variants []VariantStream) (VariantStream, error)
