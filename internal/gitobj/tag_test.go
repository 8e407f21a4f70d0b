package gitobj

import (
	"testing"

	"github.com/brineport/gitcellar/internal/githash"
)

func TestTagParseSerializeRoundTrip(t *testing.T) {
	target, _ := githash.Parse("da39a3ee5e6b4b0d3255bfef95601890afd80709")
	tag := Tag{
		Object:     target,
		ObjectType: TypeCommit,
		Name:       "v1.0.0",
		Tagger:     Signature("A U Thor", "a@example.com", 1700000000, "+0000"),
		Message:    "release\n",
	}

	raw := SerializeTag(tag)
	parsed, err := ParseTag(raw, githash.SHA1Size)
	if err != nil {
		t.Fatalf("ParseTag: %v", err)
	}
	if !parsed.Object.Equal(target) {
		t.Fatalf("Object = %v, want %v", parsed.Object, target)
	}
	if parsed.ObjectType != TypeCommit {
		t.Fatalf("ObjectType = %v, want %v", parsed.ObjectType, TypeCommit)
	}
	if parsed.Name != tag.Name {
		t.Fatalf("Name = %q, want %q", parsed.Name, tag.Name)
	}
	if parsed.Tagger != tag.Tagger {
		t.Fatalf("Tagger = %q, want %q", parsed.Tagger, tag.Tagger)
	}
	if parsed.Message != tag.Message {
		t.Fatalf("Message = %q, want %q", parsed.Message, tag.Message)
	}
}

func TestTagWithoutTaggerOmitsLine(t *testing.T) {
	target, _ := githash.Parse("da39a3ee5e6b4b0d3255bfef95601890afd80709")
	tag := Tag{Object: target, ObjectType: TypeBlob, Name: "v2", Message: "m"}
	raw := SerializeTag(tag)
	parsed, err := ParseTag(raw, githash.SHA1Size)
	if err != nil {
		t.Fatalf("ParseTag: %v", err)
	}
	if parsed.Tagger != "" {
		t.Fatalf("Tagger = %q, want empty", parsed.Tagger)
	}
}

func TestParseTagRequiresHeaders(t *testing.T) {
	if _, err := ParseTag([]byte("tag v1\n\nmsg"), githash.SHA1Size); err == nil {
		t.Fatal("ParseTag without object/type: error = nil, want error")
	}
}
