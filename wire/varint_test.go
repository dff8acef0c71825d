package wire

import "testing"

func TestVarintRoundTrip(t *testing.T) {
	t.Parallel()
	cases := []uint64{0, 1, 63, 64, 16383, 16384, 1073741823, 1073741824, MaxVarint - 1}
	for _, v := range cases {
		buf := AppendVarint(nil, v)
		got, n, err := DecodeVarint(buf)
		if err != nil {
			t.Fatalf("DecodeVarint(%d): %v", v, err)
		}
		if got != v {
			t.Fatalf("DecodeVarint roundtrip = %d, want %d", got, v)
		}
		if n != len(buf) {
			t.Fatalf("consumed %d, want %d", n, len(buf))
		}
	}
}

func TestVarintMinimalEncoding(t *testing.T) {
	t.Parallel()
	cases := []struct {
		v    uint64
		size int
	}{
		{0, 1},
		{63, 1},
		{64, 2},
		{16383, 2},
		{16384, 4},
		{1073741823, 4},
		{1073741824, 8},
	}
	for _, c := range cases {
		buf := AppendVarint(nil, c.v)
		if len(buf) != c.size {
			t.Fatalf("AppendVarint(%d) len = %d, want %d", c.v, len(buf), c.size)
		}
		if VarintSize(buf[0]) != c.size {
			t.Fatalf("VarintSize(%d) = %d, want %d", c.v, VarintSize(buf[0]), c.size)
		}
	}
}

func TestDecodeVarintTruncated(t *testing.T) {
	t.Parallel()
	_, _, err := DecodeVarint(nil)
	if err == nil {
		t.Fatal("expected error on empty input")
	}

	// 2-byte tag with only 1 byte present.
	_, _, err = DecodeVarint([]byte{0x40})
	if err == nil {
		t.Fatal("expected error on truncated 2-byte varint")
	}
}

func TestDecodeVarintTolerantOfPadding(t *testing.T) {
	t.Parallel()
	// A value that fits in 1 byte, encoded as a non-minimal 4-byte varint:
	// top bits 0b10 select 4-byte length, remaining 30 bits hold the value.
	padded := []byte{0x80, 0x00, 0x00, 0x05}
	got, n, err := DecodeVarint(padded)
	if err != nil {
		t.Fatal(err)
	}
	if got != 5 {
		t.Fatalf("got %d, want 5", got)
	}
	if n != 4 {
		t.Fatalf("consumed %d, want 4", n)
	}
}

func TestBytesLPRoundTrip(t *testing.T) {
	t.Parallel()
	data := []byte("hello wire")
	buf := AppendBytesLP(nil, data)
	got, n, err := DecodeBytesLP(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(data) {
		t.Fatalf("got %q, want %q", got, data)
	}
	if n != len(buf) {
		t.Fatalf("consumed %d, want %d", n, len(buf))
	}
}

func TestBytesLPEmpty(t *testing.T) {
	t.Parallel()
	buf := AppendBytesLP(nil, nil)
	got, _, err := DecodeBytesLP(buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d bytes, want 0", len(got))
	}
}

func TestFixedWidthRoundTrip(t *testing.T) {
	t.Parallel()
	buf := PutUint16(nil, 1234)
	buf = PutUint32(buf, 567890)
	buf = PutUint64(buf, 1<<40)

	v16, n, err := DecodeUint16(buf)
	if err != nil || v16 != 1234 {
		t.Fatalf("DecodeUint16 = %d, %v", v16, err)
	}
	buf = buf[n:]

	v32, n, err := DecodeUint32(buf)
	if err != nil || v32 != 567890 {
		t.Fatalf("DecodeUint32 = %d, %v", v32, err)
	}
	buf = buf[n:]

	v64, _, err := DecodeUint64(buf)
	if err != nil || v64 != 1<<40 {
		t.Fatalf("DecodeUint64 = %d, %v", v64, err)
	}
}
