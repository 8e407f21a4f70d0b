package gitobj

import (
	"bytes"
	"fmt"

	"github.com/brineport/gitcellar/internal/githash"
)

// Tag is a decoded annotated tag object. Parsing and serialization are
// symmetric to Commit: header lines, a blank line, then the message.
type Tag struct {
	ID         githash.Hash
	Object     githash.Hash
	ObjectType Type
	Name       string
	Tagger     string // raw signature line, empty if absent
	Message    string
}

// ParseTag decodes a tag object's raw payload: "object <hex>",
// "type <name>", "tag <name>", optional "tagger <sig>", blank line,
// message.
func ParseTag(raw []byte, hashSize githash.Size) (Tag, error) {
	var t Tag

	headerBlock, message, found := bytes.Cut(raw, []byte("\n\n"))
	if !found {
		headerBlock = raw
		message = nil
	}
	t.Message = string(message)

	var sawObject, sawType, sawTag bool
	for _, line := range bytes.Split(headerBlock, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		name, value, ok := bytes.Cut(line, []byte(" "))
		if !ok {
			return Tag{}, fmt.Errorf("gitobj: tag: malformed header line %q", line)
		}
		switch string(name) {
		case "object":
			h, err := githash.Parse(string(value))
			if err != nil {
				return Tag{}, fmt.Errorf("gitobj: tag: object: %w", err)
			}
			t.Object = h
			sawObject = true
		case "type":
			typ, err := ParseType(string(value))
			if err != nil {
				return Tag{}, fmt.Errorf("gitobj: tag: %w", err)
			}
			t.ObjectType = typ
			sawType = true
		case "tag":
			t.Name = string(value)
			sawTag = true
		case "tagger":
			t.Tagger = string(value)
		default:
			// Unknown header lines are tolerated, per the capability
			// forward-compatibility rule applied elsewhere in this engine.
		}
	}
	if !sawObject || !sawType || !sawTag {
		return Tag{}, fmt.Errorf("gitobj: tag: missing required header")
	}
	return t, nil
}

// SerializeTag encodes t into a tag object's raw payload, reproducing the
// header order ParseTag expects.
func SerializeTag(t Tag) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "object %s\n", t.Object)
	fmt.Fprintf(&buf, "type %s\n", t.ObjectType)
	fmt.Fprintf(&buf, "tag %s\n", t.Name)
	if t.Tagger != "" {
		fmt.Fprintf(&buf, "tagger %s\n", t.Tagger)
	}
	buf.WriteByte('\n')
	buf.WriteString(t.Message)
	return buf.Bytes()
}
