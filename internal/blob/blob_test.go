package blob

import (
	"bytes"
	"errors"
	"testing"

	"github.com/aalhour/vostore/internal/compress"
	"github.com/aalhour/vostore/internal/logging"
	"github.com/aalhour/vostore/internal/vfs"
)

func openStore(t *testing.T, fs vfs.FS, opts Options) *Store {
	t.Helper()
	opts.Logger = logging.Discard
	s, err := Open(fs, "blobs", opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestWriteReadRoundTrip(t *testing.T) {
	for _, comp := range []compress.Type{compress.None, compress.Snappy, compress.LZ4, compress.Zstd} {
		t.Run(comp.String(), func(t *testing.T) {
			s := openStore(t, vfs.NewMem(), Options{})
			payload := bytes.Repeat([]byte("versioned object storage "), 100)

			ref, err := s.Write(payload, comp)
			if err != nil {
				t.Fatalf("Write: %v", err)
			}
			if ref.Size != uint64(len(payload)) {
				t.Errorf("ref.Size = %d, want %d", ref.Size, len(payload))
			}

			got, err := s.Read(ref)
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
			if !bytes.Equal(got, payload) {
				t.Error("payload corrupted in round trip")
			}
		})
	}
}

func TestIncompressiblePayloadStoredRaw(t *testing.T) {
	s := openStore(t, vfs.NewMem(), Options{})

	// One byte cannot shrink; the store must fall back to raw bytes.
	ref, err := s.Write([]byte{0x42}, compress.Snappy)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if compress.Type(ref.Compression) != compress.None {
		t.Errorf("Compression = %d, want None", ref.Compression)
	}
	got, err := s.Read(ref)
	if err != nil || len(got) != 1 || got[0] != 0x42 {
		t.Fatalf("Read = %v, %v", got, err)
	}
}

func TestRotationAndCrossFileReads(t *testing.T) {
	s := openStore(t, vfs.NewMem(), Options{TargetFileSize: 256})

	payload := bytes.Repeat([]byte{0xab}, 200)

	r1, err := s.Write(payload, compress.None)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := s.Write(payload, compress.None)
	if err != nil {
		t.Fatal(err)
	}
	if r1.FileNum == r2.FileNum {
		t.Fatalf("no rotation: both payloads in file %d", r1.FileNum)
	}

	got1, err := s.Read(r1)
	if err != nil || !bytes.Equal(got1, payload) {
		t.Fatalf("Read sealed file: %v", err)
	}
	got2, err := s.Read(r2)
	if err != nil || !bytes.Equal(got2, payload) {
		t.Fatalf("Read active file: %v", err)
	}
}

func TestReleaseDeletesDeadFile(t *testing.T) {
	fs := vfs.NewMem()
	s := openStore(t, fs, Options{TargetFileSize: 128})

	payload := bytes.Repeat([]byte{0x01}, 200) // forces rotation per write
	ref, err := s.Write(payload, compress.None)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Write(payload, compress.None); err != nil {
		t.Fatal(err)
	}

	name := "blobs/" + fileName(ref.FileNum)
	if !fs.Exists(name) {
		t.Fatalf("sealed file %s missing before release", name)
	}
	s.Release(ref)
	if fs.Exists(name) {
		t.Errorf("dead file %s survived release", name)
	}
	if _, err := s.Read(ref); err == nil {
		t.Error("Read of released payload succeeded")
	}
}

func TestReleaseKeepsActiveFile(t *testing.T) {
	fs := vfs.NewMem()
	s := openStore(t, fs, Options{})

	ref, _ := s.Write([]byte("short-lived"), compress.None)
	s.Release(ref)
	if !fs.Exists("blobs/" + fileName(ref.FileNum)) {
		t.Error("active file deleted while still open for appends")
	}
}

func TestRetainRebuildsLiveCounts(t *testing.T) {
	fs := vfs.NewMem()
	s := openStore(t, fs, Options{})
	ref, _ := s.Write(bytes.Repeat([]byte{9}, 100), compress.None)
	_ = s.Close()

	// Reopen: the old file is sealed, counts start empty.
	s2 := openStore(t, fs, Options{})
	s2.Retain(ref)
	if s2.LiveBytes() != ref.Length {
		t.Errorf("LiveBytes = %d, want %d", s2.LiveBytes(), ref.Length)
	}
	got, err := s2.Read(ref)
	if err != nil || len(got) != 100 {
		t.Fatalf("Read across reopen: %v", err)
	}
}

func TestReopenDoesNotReuseFileNumbers(t *testing.T) {
	fs := vfs.NewMem()
	s := openStore(t, fs, Options{})
	ref1, _ := s.Write([]byte("first incarnation"), compress.None)
	_ = s.Close()

	s2 := openStore(t, fs, Options{})
	ref2, _ := s2.Write([]byte("second incarnation"), compress.None)
	if ref2.FileNum <= ref1.FileNum {
		t.Errorf("file number reused: %d after %d", ref2.FileNum, ref1.FileNum)
	}
}

func TestCorruptSizeDetected(t *testing.T) {
	s := openStore(t, vfs.NewMem(), Options{})
	ref, _ := s.Write([]byte("hello world"), compress.None)
	ref.Size = 999

	if _, err := s.Read(ref); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Read with wrong size = %v, want ErrCorrupt", err)
	}
}

func TestClosedStoreRejectsOperations(t *testing.T) {
	s := openStore(t, vfs.NewMem(), Options{})
	ref, _ := s.Write([]byte("x"), compress.None)
	_ = s.Close()

	if _, err := s.Write([]byte("y"), compress.None); !errors.Is(err, ErrClosed) {
		t.Errorf("Write after close = %v", err)
	}
	if _, err := s.Read(ref); !errors.Is(err, ErrClosed) {
		t.Errorf("Read after close = %v", err)
	}
}
