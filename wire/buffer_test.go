package wire

import "testing"

func TestStreamBufferDecodeVarintAcrossPushes(t *testing.T) {
	t.Parallel()
	sb := NewStreamBuffer()
	full := AppendVarint(nil, 1073741824) // 8-byte varint

	sb.Push(full[:3])
	if _, ok := sb.DecodeVarint(); ok {
		t.Fatal("expected partial decode to fail")
	}
	if sb.Len() != 3 {
		t.Fatalf("buffer should be untouched after failed decode, len = %d", sb.Len())
	}

	sb.Push(full[3:])
	v, ok := sb.DecodeVarint()
	if !ok {
		t.Fatal("expected decode to succeed once all bytes arrive")
	}
	if v != 1073741824 {
		t.Fatalf("got %d, want 1073741824", v)
	}
	if sb.Len() != 0 {
		t.Fatalf("buffer should be drained, len = %d", sb.Len())
	}
}

func TestStreamBufferDecodeBytesLPAcrossPushes(t *testing.T) {
	t.Parallel()
	sb := NewStreamBuffer()
	full := AppendBytesLP(nil, []byte("incremental payload"))

	for i := 0; i < len(full); i++ {
		sb.Push(full[i : i+1])
		got, ok := sb.DecodeBytesLP()
		if ok {
			if string(got) != "incremental payload" {
				t.Fatalf("got %q", got)
			}
			return
		}
	}
	t.Fatal("decode never succeeded despite full payload pushed")
}

func TestStreamBufferPopClampsToLen(t *testing.T) {
	t.Parallel()
	sb := NewStreamBuffer()
	sb.Push([]byte{1, 2, 3})
	sb.Pop(10)
	if sb.Len() != 0 {
		t.Fatalf("len = %d, want 0", sb.Len())
	}
}

func TestStreamBufferSlots(t *testing.T) {
	t.Parallel()
	sb := NewSyncStreamBuffer()
	if !sb.A.Empty() || !sb.B.Empty() {
		t.Fatal("expected both slots empty initially")
	}
	tag := uint64(7)
	sb.A.State = "in-progress-header"
	sb.A.Tag = &tag
	if sb.A.Empty() {
		t.Fatal("expected slot A non-empty after assignment")
	}
	sb.A.Reset()
	if !sb.A.Empty() {
		t.Fatal("expected slot A empty after reset")
	}
}

func TestStreamBufferAvailable(t *testing.T) {
	t.Parallel()
	sb := NewStreamBuffer()
	sb.Push([]byte{1, 2, 3})
	if !sb.Available(3) {
		t.Fatal("expected 3 bytes available")
	}
	if sb.Available(4) {
		t.Fatal("expected 4 bytes unavailable")
	}
}
