package wire

import "hash/fnv"

// TrackNamespace is an ordered tuple of opaque byte-slice elements (MOQT
// §3), typically 1-8 elements. Equality is elementwise.
type TrackNamespace [][]byte

// Equal reports whether ns and other have the same elements in the same
// order.
func (ns TrackNamespace) Equal(other TrackNamespace) bool {
	if len(ns) != len(other) {
		return false
	}
	for i := range ns {
		if string(ns[i]) != string(other[i]) {
			return false
		}
	}
	return true
}

// Strings returns the namespace tuple as a []string, for logging and
// application-facing APIs that don't need to distinguish byte slices from
// text.
func (ns TrackNamespace) Strings() []string {
	out := make([]string, len(ns))
	for i, part := range ns {
		out[i] = string(part)
	}
	return out
}

// NewTrackNamespace builds a TrackNamespace from string parts.
func NewTrackNamespace(parts ...string) TrackNamespace {
	ns := make(TrackNamespace, len(parts))
	for i, p := range parts {
		ns[i] = []byte(p)
	}
	return ns
}

// AppendTrackNamespace serializes ns as a varint element count followed by
// each element as a length-prefixed byte slice.
func AppendTrackNamespace(buf []byte, ns TrackNamespace) []byte {
	buf = AppendVarint(buf, uint64(len(ns)))
	for _, part := range ns {
		buf = AppendBytesLP(buf, part)
	}
	return buf
}

// DecodeTrackNamespace decodes a TrackNamespace from the front of b,
// returning the namespace and the number of bytes consumed.
func DecodeTrackNamespace(b []byte) (TrackNamespace, int, error) {
	count, n, err := DecodeVarint(b)
	if err != nil {
		return nil, 0, &ParseError{Field: "namespace_count", Err: err}
	}
	total := n
	ns := make(TrackNamespace, count)
	for i := uint64(0); i < count; i++ {
		part, consumed, err := DecodeBytesLP(b[total:])
		if err != nil {
			return nil, 0, &ParseError{Field: "namespace_element", Err: err}
		}
		elem := make([]byte, len(part))
		copy(elem, part)
		ns[i] = elem
		total += consumed
	}
	return ns, total, nil
}

// FullTrackName is the logical identity of a track: a namespace plus a
// name, plus an optional per-session TrackAlias hint established by the
// publisher (MOQT §3).
type FullTrackName struct {
	Namespace TrackNamespace
	Name      []byte
	Alias     uint64
	HasAlias  bool
}

// Equal reports whether t and other name the same (namespace, name) pair.
// The alias hint does not participate in identity.
func (t FullTrackName) Equal(other FullTrackName) bool {
	return t.Namespace.Equal(other.Namespace) && string(t.Name) == string(other.Name)
}

// TrackHash holds the three deterministic 64-bit hashes MOQT §3 defines
// for use as map keys: NamespaceHash, NameHash (the name alone), and
// FullNameHash (namespace + name together). None of these are transmitted
// on the wire; only the TrackAlias is.
type TrackHash struct {
	NamespaceHash uint64
	NameHash      uint64
	FullNameHash  uint64
}

// HashFullTrackName computes the TrackHash for t. The hash function
// (FNV-1a) is an implementation choice: MOQT §3 requires only that it be
// deterministic for a given implementation, not that it match a specific
// algorithm or be stable across implementations.
func HashFullTrackName(t FullTrackName) TrackHash {
	nsHash := hashNamespace(t.Namespace)
	nameHash := hashBytes(t.Name)

	full := fnv.New64a()
	for _, part := range t.Namespace {
		_, _ = full.Write(part)
		_, _ = full.Write([]byte{0})
	}
	_, _ = full.Write(t.Name)

	return TrackHash{
		NamespaceHash: nsHash,
		NameHash:      nameHash,
		FullNameHash:  full.Sum64(),
	}
}

func hashNamespace(ns TrackNamespace) uint64 {
	h := fnv.New64a()
	for _, part := range ns {
		_, _ = h.Write(part)
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// Location is a (group_id, object_id) pair with lexicographic total
// ordering, per MOQT §3.
type Location struct {
	Group  uint64
	Object uint64
}

// Less reports whether l sorts before other: lexicographically by
// (Group, Object).
func (l Location) Less(other Location) bool {
	if l.Group != other.Group {
		return l.Group < other.Group
	}
	return l.Object < other.Object
}

// AppendLocation serializes l as two varints, group then object.
func AppendLocation(buf []byte, l Location) []byte {
	buf = AppendVarint(buf, l.Group)
	buf = AppendVarint(buf, l.Object)
	return buf
}

// DecodeLocation decodes a Location from the front of b.
func DecodeLocation(b []byte) (Location, int, error) {
	group, n1, err := DecodeVarint(b)
	if err != nil {
		return Location{}, 0, &ParseError{Field: "location_group", Err: err}
	}
	object, n2, err := DecodeVarint(b[n1:])
	if err != nil {
		return Location{}, 0, &ParseError{Field: "location_object", Err: err}
	}
	return Location{Group: group, Object: object}, n1 + n2, nil
}
