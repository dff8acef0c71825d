package wire

import "testing"

func TestTrackNamespaceRoundTrip(t *testing.T) {
	t.Parallel()
	ns := NewTrackNamespace("org.example", "live", "camera1")
	buf := AppendTrackNamespace(nil, ns)

	decoded, n, err := DecodeTrackNamespace(buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(buf) {
		t.Fatalf("consumed %d, want %d", n, len(buf))
	}
	if !decoded.Equal(ns) {
		t.Fatalf("decoded = %v, want %v", decoded.Strings(), ns.Strings())
	}
}

func TestTrackNamespaceEmpty(t *testing.T) {
	t.Parallel()
	ns := TrackNamespace{}
	buf := AppendTrackNamespace(nil, ns)
	decoded, _, err := DecodeTrackNamespace(buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(decoded) != 0 {
		t.Fatalf("decoded = %v, want empty", decoded)
	}
}

func TestTrackNamespaceEqual(t *testing.T) {
	t.Parallel()
	a := NewTrackNamespace("a", "b")
	b := NewTrackNamespace("a", "b")
	c := NewTrackNamespace("a", "c")
	if !a.Equal(b) {
		t.Fatal("expected a == b")
	}
	if a.Equal(c) {
		t.Fatal("expected a != c")
	}
}

func TestFullTrackNameEqualIgnoresAlias(t *testing.T) {
	t.Parallel()
	a := FullTrackName{Namespace: NewTrackNamespace("ns"), Name: []byte("track"), Alias: 1, HasAlias: true}
	b := FullTrackName{Namespace: NewTrackNamespace("ns"), Name: []byte("track"), Alias: 2, HasAlias: true}
	if !a.Equal(b) {
		t.Fatal("expected equal regardless of alias")
	}
}

func TestHashFullTrackNameDeterministic(t *testing.T) {
	t.Parallel()
	ftn := FullTrackName{Namespace: NewTrackNamespace("org.example", "live"), Name: []byte("camera1")}
	h1 := HashFullTrackName(ftn)
	h2 := HashFullTrackName(ftn)
	if h1 != h2 {
		t.Fatalf("hash not deterministic: %v vs %v", h1, h2)
	}

	other := FullTrackName{Namespace: NewTrackNamespace("org.example", "live"), Name: []byte("camera2")}
	h3 := HashFullTrackName(other)
	if h1.FullNameHash == h3.FullNameHash {
		t.Fatal("expected different full-name hashes for different tracks")
	}
	if h1.NamespaceHash != h3.NamespaceHash {
		t.Fatal("expected same namespace hash for tracks sharing a namespace")
	}
}

func TestLocationOrdering(t *testing.T) {
	t.Parallel()
	a := Location{Group: 1, Object: 5}
	b := Location{Group: 1, Object: 6}
	c := Location{Group: 2, Object: 0}
	if !a.Less(b) {
		t.Fatal("expected (1,5) < (1,6)")
	}
	if !b.Less(c) {
		t.Fatal("expected (1,6) < (2,0)")
	}
	if c.Less(a) {
		t.Fatal("expected (2,0) not less than (1,5)")
	}
}

func TestLocationRoundTrip(t *testing.T) {
	t.Parallel()
	loc := Location{Group: 42, Object: 7}
	buf := AppendLocation(nil, loc)
	decoded, n, err := DecodeLocation(buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(buf) {
		t.Fatalf("consumed %d, want %d", n, len(buf))
	}
	if decoded != loc {
		t.Fatalf("decoded = %v, want %v", decoded, loc)
	}
}
