package wire

import "testing"

func TestObjectDatagramRoundTrip(t *testing.T) {
	t.Parallel()
	msg := ObjectDatagram{
		TrackAlias:        1,
		Group:             2,
		Object:            3,
		PublisherPriority: 200,
		Payload:           []byte("frame data"),
	}
	buf := AppendObjectDatagram(nil, true, msg)
	typ := StreamHeaderType(buf[0])
	if !typ.IsObjectDatagram() {
		t.Fatalf("type %#x is not an object datagram type", typ)
	}
	if typ.HasExtensions() {
		t.Fatal("expected no extensions bit set")
	}

	decoded, err := DecodeObjectDatagram(typ, buf[1:])
	if err != nil {
		t.Fatal(err)
	}
	if decoded.TrackAlias != 1 || decoded.Group != 2 || decoded.Object != 3 {
		t.Fatalf("decoded = %+v", decoded)
	}
	if string(decoded.Payload) != "frame data" {
		t.Fatalf("payload = %q", decoded.Payload)
	}
}

func TestObjectDatagramWithExtensions(t *testing.T) {
	t.Parallel()
	msg := ObjectDatagram{
		TrackAlias: 9,
		Group:      1,
		Object:     0,
		Extensions: []Extension{{Type: 1, Value: []byte("ext")}},
		Payload:    []byte("x"),
	}
	buf := AppendObjectDatagram(nil, false, msg)
	typ := StreamHeaderType(buf[0])
	if !typ.HasExtensions() {
		t.Fatal("expected extensions bit set")
	}
	decoded, err := DecodeObjectDatagram(typ, buf[1:])
	if err != nil {
		t.Fatal(err)
	}
	if len(decoded.Extensions) != 1 || decoded.Extensions[0].Type != 1 || string(decoded.Extensions[0].Value) != "ext" {
		t.Fatalf("extensions = %+v", decoded.Extensions)
	}
}

func TestObjectDatagramStatusRoundTrip(t *testing.T) {
	t.Parallel()
	msg := ObjectDatagramStatus{
		TrackAlias: 4,
		Group:      5,
		Object:     6,
		Status:     ObjectStatusEndOfGroup,
	}
	buf := AppendObjectDatagramStatus(nil, msg)
	typ := StreamHeaderType(buf[0])
	if !typ.IsObjectDatagramStatus() {
		t.Fatalf("type %#x is not an object datagram status type", typ)
	}
	decoded, err := DecodeObjectDatagramStatus(typ, buf[1:])
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Status != ObjectStatusEndOfGroup {
		t.Fatalf("status = %v, want %v", decoded.Status, ObjectStatusEndOfGroup)
	}
}

func TestStreamHeaderSubgroupVariants(t *testing.T) {
	t.Parallel()
	cases := []SubgroupIDEncoding{SubgroupZero, SubgroupFirstObject, SubgroupExplicit}
	for _, sid := range cases {
		msg := StreamHeaderSubgroup{
			TrackAlias:        1,
			Group:             2,
			SubgroupID:        7,
			PublisherPriority: 10,
		}
		buf := AppendStreamHeaderSubgroup(nil, sid, false, false, msg)
		typ := StreamHeaderType(buf[0])
		if !typ.IsStreamHeaderSubgroup() {
			t.Fatalf("type %#x is not a subgroup header type", typ)
		}
		gotSID, endOfGroup, extensions := typ.Decompose()
		if gotSID != sid {
			t.Fatalf("sid = %v, want %v", gotSID, sid)
		}
		if endOfGroup {
			t.Fatalf("endOfGroup = %v, want false", endOfGroup)
		}
		if extensions {
			t.Fatalf("extensions = %v, want false", extensions)
		}

		decoded, n, err := DecodeStreamHeaderSubgroup(typ, buf[1:])
		if err != nil {
			t.Fatal(err)
		}
		if decoded.TrackAlias != 1 || decoded.Group != 2 || decoded.PublisherPriority != 10 {
			t.Fatalf("decoded = %+v", decoded)
		}
		if sid == SubgroupExplicit {
			if decoded.SubgroupID != 7 {
				t.Fatalf("subgroupID = %d, want 7", decoded.SubgroupID)
			}
		} else if decoded.SubgroupID != 0 {
			// SubgroupZero and SubgroupFirstObject both omit the id on the
			// wire; DecodeStreamHeaderSubgroup leaves it at 0 either way.
			// Resolving SubgroupFirstObject to the first delivered object's
			// id is the receiver's job, covered by
			// moqt.TestDispatcherHandleStreamSubgroupFirstObjectResolvesID.
			t.Fatalf("expected subgroupID left at 0 pending receiver resolution, got %d", decoded.SubgroupID)
		}
		if n != len(buf)-1 {
			t.Fatalf("consumed %d, want %d", n, len(buf)-1)
		}
	}
}

func TestStreamHeaderSubgroupExplicitWithExtensionsMatchesGroundedConstant(t *testing.T) {
	t.Parallel()
	typ := StreamHeaderSubgroupType(SubgroupExplicit, false, true)
	if typ != 0x0d {
		t.Fatalf("explicit-subgroup-not-end-with-extensions type = %#x, want 0x0d", byte(typ))
	}
}

func TestStreamHeaderSubgroupEndOfGroupVariant(t *testing.T) {
	t.Parallel()
	msg := StreamHeaderSubgroup{TrackAlias: 1, Group: 9, SubgroupID: 3, PublisherPriority: 1}
	buf := AppendStreamHeaderSubgroup(nil, SubgroupExplicit, true, false, msg)
	typ := StreamHeaderType(buf[0])
	sid, endOfGroup, extensions := typ.Decompose()
	if sid != SubgroupExplicit || !endOfGroup || extensions {
		t.Fatalf("decompose = (%v, %v, %v)", sid, endOfGroup, extensions)
	}
	decoded, _, err := DecodeStreamHeaderSubgroup(typ, buf[1:])
	if err != nil {
		t.Fatal(err)
	}
	if decoded.SubgroupID != 3 {
		t.Fatalf("subgroupID = %d, want 3", decoded.SubgroupID)
	}
}

func TestSubgroupObjectRoundTripWithPayload(t *testing.T) {
	t.Parallel()
	msg := SubgroupObject{Object: 3, Payload: []byte("payload bytes")}
	buf := AppendSubgroupObject(nil, false, msg)
	decoded, n, err := DecodeSubgroupObject(false, buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(buf) {
		t.Fatalf("consumed %d, want %d", n, len(buf))
	}
	if string(decoded.Payload) != "payload bytes" {
		t.Fatalf("payload = %q", decoded.Payload)
	}
}

func TestSubgroupObjectEmptyPayloadImpliesStatus(t *testing.T) {
	t.Parallel()
	msg := SubgroupObject{Object: 4, Status: ObjectStatusEndOfTrack}
	buf := AppendSubgroupObject(nil, false, msg)
	decoded, n, err := DecodeSubgroupObject(false, buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(buf) {
		t.Fatalf("consumed %d, want %d", n, len(buf))
	}
	if len(decoded.Payload) != 0 {
		t.Fatalf("expected empty payload, got %d bytes", len(decoded.Payload))
	}
	if decoded.Status != ObjectStatusEndOfTrack {
		t.Fatalf("status = %v, want %v", decoded.Status, ObjectStatusEndOfTrack)
	}
}

func TestSubgroupObjectWithExtensions(t *testing.T) {
	t.Parallel()
	msg := SubgroupObject{
		Object:     5,
		Extensions: []Extension{{Type: 2, Value: []byte("meta")}},
		Payload:    []byte("data"),
	}
	buf := AppendSubgroupObject(nil, true, msg)
	decoded, _, err := DecodeSubgroupObject(true, buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(decoded.Extensions) != 1 || string(decoded.Extensions[0].Value) != "meta" {
		t.Fatalf("extensions = %+v", decoded.Extensions)
	}
}

func TestFetchHeaderRoundTrip(t *testing.T) {
	t.Parallel()
	msg := FetchHeader{RequestID: 42}
	buf := AppendFetchHeader(nil, msg)
	if StreamHeaderType(buf[0]) != FetchHeaderType {
		t.Fatalf("type = %#x, want %#x", buf[0], FetchHeaderType)
	}
	decoded, n, err := DecodeFetchHeader(buf[1:])
	if err != nil {
		t.Fatal(err)
	}
	if decoded.RequestID != 42 {
		t.Fatalf("requestID = %d, want 42", decoded.RequestID)
	}
	if n != len(buf)-1 {
		t.Fatalf("consumed %d, want %d", n, len(buf)-1)
	}
}

func TestFetchObjectRoundTrip(t *testing.T) {
	t.Parallel()
	msg := FetchObject{
		Group:             1,
		SubgroupID:        2,
		Object:            3,
		PublisherPriority: 50,
		Payload:           []byte("fetched"),
	}
	buf := AppendFetchObject(nil, false, msg)
	decoded, n, err := DecodeFetchObject(false, buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(buf) {
		t.Fatalf("consumed %d, want %d", n, len(buf))
	}
	if decoded.Group != 1 || decoded.SubgroupID != 2 || decoded.Object != 3 {
		t.Fatalf("decoded = %+v", decoded)
	}
	if string(decoded.Payload) != "fetched" {
		t.Fatalf("payload = %q", decoded.Payload)
	}
}

func TestFetchObjectEmptyPayloadImpliesStatus(t *testing.T) {
	t.Parallel()
	msg := FetchObject{Group: 1, SubgroupID: 0, Object: 9, Status: ObjectStatusGroupDoesNotExist}
	buf := AppendFetchObject(nil, false, msg)
	decoded, _, err := DecodeFetchObject(false, buf)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Status != ObjectStatusGroupDoesNotExist {
		t.Fatalf("status = %v, want %v", decoded.Status, ObjectStatusGroupDoesNotExist)
	}
}

func TestExtensionsListRoundTrip(t *testing.T) {
	t.Parallel()
	exts := []Extension{
		{Type: 1, Value: []byte("a")},
		{Type: 3, Value: []byte("bcd")},
	}
	buf := AppendExtensions(nil, exts)
	decoded, n, err := DecodeExtensions(buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(buf) {
		t.Fatalf("consumed %d, want %d", n, len(buf))
	}
	if len(decoded) != 2 || decoded[0].Type != 1 || string(decoded[1].Value) != "bcd" {
		t.Fatalf("decoded = %+v", decoded)
	}
}
