package arena

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

func TestAllocGet(t *testing.T) {
	a := New()
	h := a.Alloc([]byte("entry"))
	if h.IsZero() {
		t.Fatal("Alloc returned zero handle")
	}
	got, err := a.Get(h)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, []byte("entry")) {
		t.Errorf("Get = %q, want %q", got, "entry")
	}
	if a.Live() != 1 {
		t.Errorf("Live = %d, want 1", a.Live())
	}
}

func TestZeroHandleNeverResolves(t *testing.T) {
	a := New()
	if _, err := a.Get(Handle{}); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("Get(zero) = %v, want ErrStaleHandle", err)
	}
}

func TestFreeDetectsStaleHandle(t *testing.T) {
	a := New()
	h := a.Alloc([]byte("gone"))
	if err := a.Free(h); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if _, err := a.Get(h); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("Get after Free = %v, want ErrStaleHandle", err)
	}
	if err := a.Free(h); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("double Free = %v, want ErrStaleHandle", err)
	}
}

func TestReuseBumpsGeneration(t *testing.T) {
	a := New()
	h1 := a.Alloc([]byte("first"))
	if err := a.Free(h1); err != nil {
		t.Fatalf("Free: %v", err)
	}

	// Reuses the freed slot, so the old handle must not see the new data.
	h2 := a.Alloc([]byte("second"))
	if h2.slot != h1.slot {
		t.Fatalf("expected slot reuse, got %d and %d", h1.slot, h2.slot)
	}
	if _, err := a.Get(h1); !errors.Is(err, ErrStaleHandle) {
		t.Error("stale handle resolved after slot reuse")
	}
	got, err := a.Get(h2)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "second" {
		t.Errorf("Get = %q, want %q", got, "second")
	}
}

func TestSet(t *testing.T) {
	a := New()
	h := a.Alloc([]byte("old"))
	if err := a.Set(h, []byte("newer")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, _ := a.Get(h)
	if string(got) != "newer" {
		t.Errorf("Get = %q, want %q", got, "newer")
	}
	if a.Bytes() != 5 {
		t.Errorf("Bytes = %d, want 5", a.Bytes())
	}
}

func TestBytesAccounting(t *testing.T) {
	a := New()
	var handles []Handle
	for i := 0; i < 10; i++ {
		handles = append(handles, a.Alloc(make([]byte, 100)))
	}
	if a.Bytes() != 1000 {
		t.Fatalf("Bytes = %d, want 1000", a.Bytes())
	}
	for _, h := range handles[:5] {
		if err := a.Free(h); err != nil {
			t.Fatal(err)
		}
	}
	if a.Bytes() != 500 {
		t.Errorf("Bytes = %d, want 500", a.Bytes())
	}
	if a.Live() != 5 {
		t.Errorf("Live = %d, want 5", a.Live())
	}
}

func TestManyAllocations(t *testing.T) {
	a := New()
	handles := make([]Handle, 0, 1000)
	for i := 0; i < 1000; i++ {
		handles = append(handles, a.Alloc(fmt.Appendf(nil, "entry-%d", i)))
	}
	for i, h := range handles {
		got, err := a.Get(h)
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}
		want := fmt.Sprintf("entry-%d", i)
		if string(got) != want {
			t.Fatalf("Get(%d) = %q, want %q", i, got, want)
		}
	}
}
