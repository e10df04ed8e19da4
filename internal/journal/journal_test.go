package journal

import (
	"bytes"
	"fmt"
	"io"
	"testing"

	"github.com/aalhour/vostore/internal/vfs"
)

func writeRecords(t *testing.T, fs vfs.FS, name string, records ...[]byte) {
	t.Helper()
	f, err := fs.Create(name)
	if err != nil {
		t.Fatal(err)
	}
	w := NewWriter(f)
	for _, rec := range records {
		if err := w.AddRecord(rec); err != nil {
			t.Fatalf("AddRecord: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func readAll(t *testing.T, fs vfs.FS, name string) ([][]byte, int) {
	t.Helper()
	f, err := fs.Open(name)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	r := NewReader(f)
	var out [][]byte
	for {
		rec, err := r.ReadRecord()
		if err == io.EOF {
			return out, r.Dropped()
		}
		if err != nil {
			t.Fatalf("ReadRecord: %v", err)
		}
		out = append(out, rec)
	}
}

func TestRoundTrip(t *testing.T) {
	fs := vfs.NewMem()
	records := [][]byte{
		[]byte("value write"),
		[]byte(""),
		bytes.Repeat([]byte{0x5a}, 1000),
	}
	writeRecords(t, fs, "j", records...)

	got, dropped := readAll(t, fs, "j")
	if dropped != 0 {
		t.Errorf("dropped = %d", dropped)
	}
	if len(got) != len(records) {
		t.Fatalf("read %d records, want %d", len(got), len(records))
	}
	for i := range records {
		if !bytes.Equal(got[i], records[i]) {
			t.Errorf("record %d mismatch: %d vs %d bytes", i, len(got[i]), len(records[i]))
		}
	}
}

func TestLargeRecordSpansBlocks(t *testing.T) {
	fs := vfs.NewMem()
	big := make([]byte, 3*BlockSize+57)
	for i := range big {
		big[i] = byte(i)
	}
	writeRecords(t, fs, "j", []byte("before"), big, []byte("after"))

	got, dropped := readAll(t, fs, "j")
	if dropped != 0 || len(got) != 3 {
		t.Fatalf("read %d records (%d dropped)", len(got), dropped)
	}
	if !bytes.Equal(got[1], big) {
		t.Error("spanning record corrupted")
	}
	if string(got[2]) != "after" {
		t.Errorf("record after span = %q", got[2])
	}
}

func TestBlockBoundaryPadding(t *testing.T) {
	fs := vfs.NewMem()
	// Size records so a block ends with fewer than headerSize spare bytes,
	// forcing the writer to pad.
	rec := make([]byte, BlockSize-headerSize-5)
	writeRecords(t, fs, "j", rec, []byte("next-block"))

	got, dropped := readAll(t, fs, "j")
	if dropped != 0 || len(got) != 2 {
		t.Fatalf("read %d records (%d dropped)", len(got), dropped)
	}
	if string(got[1]) != "next-block" {
		t.Errorf("second record = %q", got[1])
	}
}

func TestTornTailEndsReplayCleanly(t *testing.T) {
	fs := vfs.NewMem()
	writeRecords(t, fs, "j", []byte("committed-1"), []byte("committed-2"))

	// Simulate a crash mid-append: a header with a length that runs past
	// the end of the file.
	f, _ := fs.OpenAppend("j")
	partial := make([]byte, headerSize+3)
	partial[8] = 200 // claimed length far beyond the bytes present
	partial[10] = typeFull
	if _, err := f.Write(partial); err != nil {
		t.Fatal(err)
	}
	_ = f.Close()

	got, dropped := readAll(t, fs, "j")
	if len(got) != 2 {
		t.Fatalf("read %d records, want the 2 intact ones", len(got))
	}
	if dropped == 0 {
		t.Error("torn tail not reported")
	}
}

func TestCorruptFragmentStopsReplay(t *testing.T) {
	fs := vfs.NewMem()
	writeRecords(t, fs, "j", []byte("good"), []byte("flipped"), []byte("unreachable"))

	// Flip one payload byte of the second record.
	f, _ := fs.Open("j")
	data, _ := io.ReadAll(f)
	_ = f.Close()
	off := headerSize + len("good") + headerSize
	data[off] ^= 0xff
	wf, _ := fs.Create("j")
	_, _ = wf.Write(data)
	_ = wf.Close()

	got, dropped := readAll(t, fs, "j")
	if len(got) != 1 || string(got[0]) != "good" {
		t.Fatalf("read %v, want only the first record", got)
	}
	if dropped == 0 {
		t.Error("corruption not reported")
	}
}

func TestManySmallRecords(t *testing.T) {
	fs := vfs.NewMem()
	var records [][]byte
	for i := 0; i < 5000; i++ {
		records = append(records, []byte(fmt.Sprintf("record-%04d", i)))
	}
	writeRecords(t, fs, "j", records...)

	got, dropped := readAll(t, fs, "j")
	if dropped != 0 || len(got) != 5000 {
		t.Fatalf("read %d records (%d dropped)", len(got), dropped)
	}
	if string(got[4999]) != "record-4999" {
		t.Errorf("last record = %q", got[4999])
	}
}

func TestEmptyJournal(t *testing.T) {
	fs := vfs.NewMem()
	writeRecords(t, fs, "j")
	got, dropped := readAll(t, fs, "j")
	if len(got) != 0 || dropped != 0 {
		t.Errorf("empty journal read %d records, %d dropped", len(got), dropped)
	}
}
