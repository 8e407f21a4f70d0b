package packfile

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/brineport/gitcellar/internal/githash"
	"github.com/brineport/gitcellar/internal/gitobj"
)

type memSink struct {
	byHash map[string]gitobj.Data
	size   githash.Size
}

func newMemSink(size githash.Size) *memSink {
	return &memSink{byHash: make(map[string]gitobj.Data), size: size}
}

func (m *memSink) WriteRaw(typ gitobj.Type, payload []byte) (githash.Hash, error) {
	h, err := gitobj.Hash(m.size, typ, payload)
	if err != nil {
		return githash.Hash{}, err
	}
	m.byHash[h.String()] = gitobj.Data{Type: typ, Raw: payload}
	return h, nil
}

func (m *memSink) Read(hash githash.Hash) (gitobj.Data, error) {
	d, ok := m.byHash[hash.String()]
	if !ok {
		return gitobj.Data{}, fmt.Errorf("not found: %s", hash)
	}
	return d, nil
}

func TestWritePackReadPackRoundTrip(t *testing.T) {
	size := githash.SHA1Size
	blob1 := []byte("hello world\n")
	blob2 := []byte("second blob contents here\n")

	h1, err := gitobj.Hash(size, gitobj.TypeBlob, blob1)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	h2, err := gitobj.Hash(size, gitobj.TypeBlob, blob2)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}

	objects := []WriteObject{
		{Type: gitobj.TypeBlob, Raw: blob1},
		{Type: gitobj.TypeBlob, Raw: blob2},
	}

	var buf bytes.Buffer
	trailer, err := WritePack(&buf, size, objects)
	if err != nil {
		t.Fatalf("WritePack: %v", err)
	}

	sink := newMemSink(size)
	stats, err := ReadPack(bytes.NewReader(buf.Bytes()), size, sink)
	if err != nil {
		t.Fatalf("ReadPack: %v", err)
	}
	if stats.Objects != 2 {
		t.Fatalf("stats.Objects = %d, want 2", stats.Objects)
	}

	got1, err := sink.Read(h1)
	if err != nil {
		t.Fatalf("sink.Read(h1): %v", err)
	}
	if !bytes.Equal(got1.Raw, blob1) {
		t.Fatalf("blob1 mismatch")
	}
	got2, err := sink.Read(h2)
	if err != nil {
		t.Fatalf("sink.Read(h2): %v", err)
	}
	if !bytes.Equal(got2.Raw, blob2) {
		t.Fatalf("blob2 mismatch")
	}

	if trailer.IsZero() {
		t.Fatal("expected non-zero trailer hash")
	}
}

func TestReadPackRejectsBadMagic(t *testing.T) {
	bad := []byte("NOPE\x00\x00\x00\x02\x00\x00\x00\x00")
	sink := newMemSink(githash.SHA1Size)
	if _, err := ReadPack(bytes.NewReader(bad), githash.SHA1Size, sink); err == nil {
		t.Fatal("expected bad magic error")
	}
}

func TestReadPackRejectsTrailerMismatch(t *testing.T) {
	size := githash.SHA1Size
	objects := []WriteObject{{Type: gitobj.TypeBlob, Raw: []byte("x")}}

	var buf bytes.Buffer
	if _, err := WritePack(&buf, size, objects); err != nil {
		t.Fatalf("WritePack: %v", err)
	}
	corrupted := buf.Bytes()
	corrupted[len(corrupted)-1] ^= 0xFF

	sink := newMemSink(size)
	if _, err := ReadPack(bytes.NewReader(corrupted), size, sink); err == nil {
		t.Fatal("expected trailer checksum mismatch error")
	}
}

func TestReadPackResolvesRefDeltaAgainstExistingBase(t *testing.T) {
	size := githash.SHA1Size
	base := []byte("The quick brown fox jumps over the lazy dog")
	target := []byte("The slow brown fox jumps over the lazy cat")

	sink := newMemSink(size)
	baseHash, err := sink.WriteRaw(gitobj.TypeBlob, base)
	if err != nil {
		t.Fatalf("WriteRaw: %v", err)
	}

	var deltaBuf bytes.Buffer
	deltaBuf.Write(encodeVarint(int64(len(base))))
	deltaBuf.Write(encodeVarint(int64(len(target))))
	deltaBuf.WriteByte(0x80 | 0x01 | 0x10)
	deltaBuf.WriteByte(0)
	deltaBuf.WriteByte(4)
	deltaBuf.WriteByte(4)
	deltaBuf.WriteString("slow")
	deltaBuf.WriteByte(0x80 | 0x01 | 0x10)
	deltaBuf.WriteByte(9)
	deltaBuf.WriteByte(31)
	deltaBuf.WriteByte(3)
	deltaBuf.WriteString("cat")

	compressedDelta, err := gitobj.DeflatePack(deltaBuf.Bytes())
	if err != nil {
		t.Fatalf("DeflatePack: %v", err)
	}

	var pack bytes.Buffer
	pack.WriteString("PACK")
	pack.Write([]byte{0, 0, 0, 2})
	pack.Write([]byte{0, 0, 0, 1})

	if err := writeObjHeader(&pack, packTypeRefDelta, int64(len(deltaBuf.Bytes()))); err != nil {
		t.Fatalf("writeObjHeader: %v", err)
	}
	pack.Write(baseHash.Bytes())
	pack.Write(compressedDelta)

	trailer, err := gitobj.SumBytes(size, pack.Bytes())
	if err != nil {
		t.Fatalf("SumBytes: %v", err)
	}
	pack.Write(trailer.Bytes())

	stats, err := ReadPack(bytes.NewReader(pack.Bytes()), size, sink)
	if err != nil {
		t.Fatalf("ReadPack: %v", err)
	}
	if stats.Objects != 1 {
		t.Fatalf("stats.Objects = %d, want 1", stats.Objects)
	}

	targetHash, err := gitobj.Hash(size, gitobj.TypeBlob, target)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	got, err := sink.Read(targetHash)
	if err != nil {
		t.Fatalf("sink.Read(target): %v", err)
	}
	if !bytes.Equal(got.Raw, target) {
		t.Fatalf("resolved delta mismatch: got %q", got.Raw)
	}
}
