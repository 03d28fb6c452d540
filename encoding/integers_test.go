package encoding

import "testing"

// TestUint32RoundTrip checks that DecUint32(EncUint32(x)) == x for a range
// of values, including the chunk-id overflow sentinel.
func TestUint32RoundTrip(t *testing.T) {
	values := []uint32{0, 1, 42, 1234567890, 4294967295}
	for _, v := range values {
		if got := DecUint32(EncUint32(v)); got != v {
			t.Errorf("round trip of %d produced %d", v, got)
		}
	}
}

// TestDecShortPadding checks that a short byte slice is zero-padded rather
// than panicking.
func TestDecShortPadding(t *testing.T) {
	if got := DecUint32([]byte{1}); got != 1 {
		t.Errorf("expected 1, got %d", got)
	}
	if got := DecUint32([]byte{}); got != 0 {
		t.Errorf("expected 0, got %d", got)
	}
}
