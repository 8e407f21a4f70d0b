// Package pktline implements the Git Smart HTTP wire framing unit: a
// 4-byte hex length prefix (including itself) followed by payload bytes.
package pktline

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
)

// MaxDataSize is the largest payload a single non-special pkt-line may
// carry (length field is 4 hex digits, capped at 0xffff including itself).
const MaxDataSize = 0xFFFF - 4

// Flush is the zero-length "0000" packet that terminates a section.
var Flush = []byte("0000")

// Delim is the "0001" delimiter packet used between negotiation rounds.
// This implementation only reads it; it never writes one.
var Delim = []byte("0001")

// Encode wraps payload in a pkt-line. len(payload) must not exceed
// MaxDataSize.
func Encode(payload []byte) ([]byte, error) {
	if len(payload) > MaxDataSize {
		return nil, fmt.Errorf("pktline: payload too large: %d bytes", len(payload))
	}
	n := len(payload) + 4
	out := make([]byte, 0, n)
	out = append(out, []byte(fmt.Sprintf("%04x", n))...)
	out = append(out, payload...)
	return out, nil
}

// WriteString pkt-line-encodes s and writes it to w.
func WriteString(w io.Writer, s string) error {
	return WriteBytes(w, []byte(s))
}

// WriteBytes pkt-line-encodes payload and writes it to w.
func WriteBytes(w io.Writer, payload []byte) error {
	line, err := Encode(payload)
	if err != nil {
		return err
	}
	_, err = w.Write(line)
	return err
}

// WriteFlush writes a flush packet to w.
func WriteFlush(w io.Writer) error {
	_, err := w.Write(Flush)
	return err
}

// Reader reads a sequence of pkt-lines from an underlying stream.
type Reader struct {
	br *bufio.Reader
}

// NewReader wraps r for pkt-line decoding.
func NewReader(r io.Reader) *Reader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Reader{br: br}
}

// Next reads one pkt-line. A flush packet ("0000") is reported by
// returning (nil, nil) with ok=false. A delimiter packet ("0001") is
// reported the same way but with isDelim=true.
func (r *Reader) Next() (payload []byte, ok bool, isDelim bool, err error) {
	var lenHex [4]byte
	if _, err := io.ReadFull(r.br, lenHex[:]); err != nil {
		return nil, false, false, err
	}
	length, err := strconv.ParseInt(string(lenHex[:]), 16, 32)
	if err != nil {
		return nil, false, false, fmt.Errorf("pktline: invalid length %q: %w", lenHex, err)
	}
	switch length {
	case 0:
		return nil, false, false, nil
	case 1:
		return nil, false, true, nil
	}
	if length < 4 {
		return nil, false, false, fmt.Errorf("pktline: invalid length %d", length)
	}
	buf := make([]byte, length-4)
	if _, err := io.ReadFull(r.br, buf); err != nil {
		return nil, false, false, fmt.Errorf("pktline: short payload: %w", err)
	}
	return buf, true, false, nil
}

// ReadAllUntilFlush reads pkt-lines until a flush packet (inclusive) and
// returns the payloads seen before it.
func ReadAllUntilFlush(r *Reader) ([][]byte, error) {
	var lines [][]byte
	for {
		payload, ok, _, err := r.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return lines, nil
		}
		lines = append(lines, payload)
	}
}

// SplitCapabilities splits a pkt-line payload of the form "<text>\0<caps>"
// into the text and a set of whitespace-separated capability tokens. If
// there is no NUL byte, caps is empty and text is the whole payload.
func SplitCapabilities(payload []byte) (text []byte, caps map[string]string) {
	caps = make(map[string]string)
	idx := bytes.IndexByte(payload, 0)
	if idx < 0 {
		return payload, caps
	}
	text = payload[:idx]
	for _, tok := range bytes.Fields(payload[idx+1:]) {
		if name, value, found := bytes.Cut(tok, []byte{'='}); found {
			caps[string(name)] = string(value)
		} else {
			caps[string(tok)] = ""
		}
	}
	return text, caps
}

// Side-band channel identifiers for side-band-64k responses.
const (
	SidebandData     byte = 1
	SidebandProgress byte = 2
	SidebandFatal    byte = 3
)

// sidebandMaxChunk leaves 5 bytes of pkt-line/channel overhead inside the
// 65520-byte side-band-64k envelope.
const sidebandMaxChunk = 65515

// WriteSideband splits payload into side-band-64k chunks of channel ch
// and writes each as a pkt-line to w.
func WriteSideband(w io.Writer, ch byte, payload []byte) error {
	for len(payload) > 0 {
		n := sidebandMaxChunk
		if len(payload) < n {
			n = len(payload)
		}
		frame := make([]byte, n+1)
		frame[0] = ch
		copy(frame[1:], payload[:n])
		if err := WriteBytes(w, frame); err != nil {
			return err
		}
		payload = payload[n:]
	}
	return nil
}

// SidebandWriter is an io.Writer that frames every Write call as
// side-band-64k pkt-lines on a fixed channel, without buffering more than
// one chunk at a time. Callers that need to stream a large payload (a
// pack, in particular) through side-band muxing should write to a
// SidebandWriter directly instead of building the full payload in memory
// and calling WriteSideband once.
type SidebandWriter struct {
	w  io.Writer
	ch byte
}

// NewSidebandWriter wraps w so that writes are multiplexed on channel ch.
func NewSidebandWriter(w io.Writer, ch byte) *SidebandWriter {
	return &SidebandWriter{w: w, ch: ch}
}

func (s *SidebandWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		n := sidebandMaxChunk
		if len(p) < n {
			n = len(p)
		}
		if err := WriteSideband(s.w, s.ch, p[:n]); err != nil {
			return written, err
		}
		written += n
		p = p[n:]
	}
	return written, nil
}
