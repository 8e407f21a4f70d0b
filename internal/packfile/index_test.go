package packfile

import (
	"bytes"
	"testing"

	"github.com/brineport/gitcellar/internal/githash"
)

func mustHash(t *testing.T, b byte, size githash.Size) githash.Hash {
	t.Helper()
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = b
	}
	h, err := githash.New(buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

func TestWriteIndexV2ReadIndexRoundTrip(t *testing.T) {
	entries := []IndexEntry{
		{Hash: mustHash(t, 0x01, githash.SHA1Size), Offset: 12},
		{Hash: mustHash(t, 0xaa, githash.SHA1Size), Offset: 5000},
		{Hash: mustHash(t, 0x40, githash.SHA1Size), Offset: 1 << 32},
	}
	packHash := mustHash(t, 0xff, githash.SHA1Size)

	var buf bytes.Buffer
	if err := WriteIndexV2(&buf, githash.SHA1Size, entries, packHash); err != nil {
		t.Fatalf("WriteIndexV2: %v", err)
	}

	idx, err := ReadIndex(bytes.NewReader(buf.Bytes()), githash.SHA1Size)
	if err != nil {
		t.Fatalf("ReadIndex: %v", err)
	}
	if idx.Len() != len(entries) {
		t.Fatalf("Len() = %d, want %d", idx.Len(), len(entries))
	}
	for _, e := range entries {
		off, ok := idx.Offset(e.Hash)
		if !ok {
			t.Fatalf("Offset(%s): not found", e.Hash)
		}
		if off != e.Offset {
			t.Fatalf("Offset(%s) = %d, want %d", e.Hash, off, e.Offset)
		}
	}
}

func TestIndexOffsetMissing(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteIndexV2(&buf, githash.SHA1Size, nil, mustHash(t, 0, githash.SHA1Size)); err != nil {
		t.Fatalf("WriteIndexV2: %v", err)
	}
	idx, err := ReadIndex(bytes.NewReader(buf.Bytes()), githash.SHA1Size)
	if err != nil {
		t.Fatalf("ReadIndex: %v", err)
	}
	if _, ok := idx.Offset(mustHash(t, 0x77, githash.SHA1Size)); ok {
		t.Fatal("expected missing hash to not be found")
	}
}

func TestReadIndexV1Format(t *testing.T) {
	h := mustHash(t, 0x22, githash.SHA1Size)

	var buf bytes.Buffer
	var fanout [256]uint32
	for i := int(h.Bytes()[0]); i < 256; i++ {
		fanout[i] = 1
	}
	for _, c := range fanout {
		var b [4]byte
		putBE32(b[:], c)
		buf.Write(b[:])
	}
	buf.Write(h.Bytes())
	var offBuf [4]byte
	putBE32(offBuf[:], 42)
	buf.Write(offBuf[:])
	buf.Write(make([]byte, githash.SHA1Size*2))

	idx, err := ReadIndex(bytes.NewReader(buf.Bytes()), githash.SHA1Size)
	if err != nil {
		t.Fatalf("ReadIndex (v1): %v", err)
	}
	off, ok := idx.Offset(h)
	if !ok || off != 42 {
		t.Fatalf("Offset = %d, %v; want 42, true", off, ok)
	}
}

func putBE32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}
