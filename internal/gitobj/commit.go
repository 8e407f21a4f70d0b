package gitobj

import (
	"bytes"
	"fmt"

	"github.com/brineport/gitcellar/internal/githash"
)

// HeaderLine is one "name value" commit header line, preserved in
// insertion order for headers other than tree/parent.
type HeaderLine struct {
	Name  string
	Value string
}

// Commit is a decoded commit object.
type Commit struct {
	ID      githash.Hash
	Tree    githash.Hash
	Parents []githash.Hash
	Headers []HeaderLine
	Message string
}

// Header returns the value of the first header line with the given
// name, and whether one was present.
func (c Commit) Header(name string) (string, bool) {
	for _, h := range c.Headers {
		if h.Name == name {
			return h.Value, true
		}
	}
	return "", false
}

// ParseCommit decodes a commit object's raw payload.
func ParseCommit(raw []byte, hashSize githash.Size) (Commit, error) {
	var c Commit

	headerBlock, message, found := bytes.Cut(raw, []byte("\n\n"))
	if !found {
		// A commit with no message still has the trailing blank line;
		// tolerate raw payloads that omit it (empty message, no newline).
		headerBlock = raw
		message = nil
	}
	c.Message = string(message)

	var sawTree bool
	for _, line := range bytes.Split(headerBlock, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		name, value, ok := bytes.Cut(line, []byte(" "))
		if !ok {
			return Commit{}, fmt.Errorf("gitobj: commit: malformed header line %q", line)
		}
		switch string(name) {
		case "tree":
			h, err := githash.Parse(string(value))
			if err != nil {
				return Commit{}, fmt.Errorf("gitobj: commit: tree: %w", err)
			}
			c.Tree = h
			sawTree = true
		case "parent":
			h, err := githash.Parse(string(value))
			if err != nil {
				return Commit{}, fmt.Errorf("gitobj: commit: parent: %w", err)
			}
			c.Parents = append(c.Parents, h)
		default:
			c.Headers = append(c.Headers, HeaderLine{Name: string(name), Value: string(value)})
		}
	}
	if !sawTree {
		return Commit{}, fmt.Errorf("gitobj: commit: missing tree header")
	}
	return c, nil
}

// SerializeCommit encodes c into a commit object's raw payload, in
// canonical order: tree, parents, author, committer, remaining headers
// in caller-supplied order, blank line, message.
func SerializeCommit(c Commit) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "tree %s\n", c.Tree)
	for _, p := range c.Parents {
		fmt.Fprintf(&buf, "parent %s\n", p)
	}
	for _, name := range []string{"author", "committer"} {
		for _, h := range c.Headers {
			if h.Name == name {
				fmt.Fprintf(&buf, "%s %s\n", h.Name, h.Value)
			}
		}
	}
	for _, h := range c.Headers {
		if h.Name != "author" && h.Name != "committer" {
			fmt.Fprintf(&buf, "%s %s\n", h.Name, h.Value)
		}
	}
	buf.WriteByte('\n')
	buf.WriteString(c.Message)
	return buf.Bytes()
}

// Signature formats a Git author/committer line: "Name <email> <unix> <±HHMM>".
func Signature(name, email string, unixSeconds int64, offset string) string {
	return fmt.Sprintf("%s <%s> %d %s", name, email, unixSeconds, offset)
}
