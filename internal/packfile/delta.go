package packfile

import (
	"bytes"
	"fmt"
	"io"
)

// readDeltaVarint reads a Git delta-header variable-length integer: 7
// bits per byte, little-endian, continuation bit in the high bit.
func readDeltaVarint(r io.ByteReader) (int64, error) {
	var size int64
	var shift uint
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		size |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			return size, nil
		}
	}
}

// ApplyDelta reconstructs an object's bytes from its base bytes and a
// delta payload, per the copy/insert opcode stream described in the
// pack format.
func ApplyDelta(base, delta []byte) ([]byte, error) {
	r := bytes.NewReader(delta)

	baseLen, err := readDeltaVarint(r)
	if err != nil {
		return nil, fmt.Errorf("packfile: delta: read base size: %w", err)
	}
	if baseLen != int64(len(base)) {
		return nil, fmt.Errorf("packfile: delta: base size mismatch: delta expects %d, got %d", baseLen, len(base))
	}
	resultLen, err := readDeltaVarint(r)
	if err != nil {
		return nil, fmt.Errorf("packfile: delta: read result size: %w", err)
	}

	result := make([]byte, 0, resultLen)
	for r.Len() > 0 {
		opcode, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("packfile: delta: %w", err)
		}
		switch {
		case opcode&0x80 != 0:
			var offset, size int64
			if opcode&0x01 != 0 {
				b, _ := r.ReadByte()
				offset |= int64(b)
			}
			if opcode&0x02 != 0 {
				b, _ := r.ReadByte()
				offset |= int64(b) << 8
			}
			if opcode&0x04 != 0 {
				b, _ := r.ReadByte()
				offset |= int64(b) << 16
			}
			if opcode&0x08 != 0 {
				b, _ := r.ReadByte()
				offset |= int64(b) << 24
			}
			if opcode&0x10 != 0 {
				b, _ := r.ReadByte()
				size |= int64(b)
			}
			if opcode&0x20 != 0 {
				b, _ := r.ReadByte()
				size |= int64(b) << 8
			}
			if opcode&0x40 != 0 {
				b, _ := r.ReadByte()
				size |= int64(b) << 16
			}
			if size == 0 {
				size = 0x10000
			}
			if offset < 0 || size < 0 || offset+size > int64(len(base)) {
				return nil, fmt.Errorf("packfile: delta: copy out of bounds: offset=%d size=%d base=%d", offset, size, len(base))
			}
			result = append(result, base[offset:offset+size]...)
		case opcode != 0:
			buf := make([]byte, opcode)
			if _, err := io.ReadFull(r, buf); err != nil {
				return nil, fmt.Errorf("packfile: delta: insert: %w", err)
			}
			result = append(result, buf...)
		default:
			return nil, fmt.Errorf("packfile: delta: invalid opcode 0")
		}
	}

	if int64(len(result)) != resultLen {
		return nil, fmt.Errorf("packfile: delta: result size mismatch: got %d, want %d", len(result), resultLen)
	}
	return result, nil
}
