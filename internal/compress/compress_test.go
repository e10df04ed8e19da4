package compress

import (
	"bytes"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	payloads := map[string][]byte{
		"empty":        {},
		"small":        []byte("akey payload"),
		"repetitive":   bytes.Repeat([]byte("vostore"), 1024),
		"incompressible": func() []byte {
			b := make([]byte, 4096)
			x := uint32(2463534242)
			for i := range b {
				x ^= x << 13
				x ^= x >> 17
				x ^= x << 5
				b[i] = byte(x)
			}
			return b
		}(),
	}

	for _, ct := range []Type{None, Snappy, LZ4, Zstd} {
		for name, payload := range payloads {
			t.Run(ct.String()+"/"+name, func(t *testing.T) {
				compressed, err := Compress(ct, payload)
				if err != nil {
					t.Fatalf("Compress: %v", err)
				}
				got, err := Decompress(ct, compressed)
				if err != nil {
					t.Fatalf("Decompress: %v", err)
				}
				if !bytes.Equal(got, payload) {
					t.Errorf("round trip mismatch: got %d bytes, want %d", len(got), len(payload))
				}
			})
		}
	}
}

func TestRepetitiveDataShrinks(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789abcdef"), 512)
	for _, ct := range []Type{Snappy, LZ4, Zstd} {
		compressed, err := Compress(ct, payload)
		if err != nil {
			t.Fatalf("%s: %v", ct, err)
		}
		if len(compressed) >= len(payload) {
			t.Errorf("%s: compressed %d >= original %d", ct, len(compressed), len(payload))
		}
	}
}

func TestUnsupportedType(t *testing.T) {
	if _, err := Compress(Type(200), []byte("x")); err == nil {
		t.Error("Compress(unknown) did not fail")
	}
	if _, err := Decompress(Type(200), []byte("x")); err == nil {
		t.Error("Decompress(unknown) did not fail")
	}
	if Type(200).IsSupported() {
		t.Error("IsSupported(unknown) = true")
	}
}
