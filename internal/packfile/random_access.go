package packfile

import (
	"fmt"
	"io"

	"github.com/brineport/gitcellar/internal/githash"
	"github.com/brineport/gitcellar/internal/gitobj"
)

// BaseResolver resolves a REF_DELTA base hash to its object data, used
// when that base was not written as part of the pack being randomly
// accessed (e.g. it lives in another pack, or loose).
type BaseResolver interface {
	Read(hash githash.Hash) (gitobj.Data, error)
}

// ReadPackObjectAt reads and fully resolves (following OFS_DELTA and
// REF_DELTA chains) the object stored at byte offset off within the
// pack file ra, as consulted by the object store's pack fallback path.
func ReadPackObjectAt(ra io.ReaderAt, off int64, hashSize githash.Size, resolver BaseResolver) (gitobj.Data, error) {
	typeNum, _, hdrConsumed, err := readObjHeader(ra, off)
	if err != nil {
		return gitobj.Data{}, err
	}
	payloadOffset := off + hdrConsumed

	switch typeNum {
	case packTypeCommit, packTypeTree, packTypeBlob, packTypeTag:
		typ, err := typeFromPackType(typeNum)
		if err != nil {
			return gitobj.Data{}, err
		}
		payload, _, err := inflateWithConsumed(io.NewSectionReader(ra, payloadOffset, 1<<62-payloadOffset))
		if err != nil {
			return gitobj.Data{}, err
		}
		return gitobj.Data{Type: typ, Raw: payload}, nil

	case packTypeOfsDelta:
		distance, distConsumed, err := readOfsDistance(ra, payloadOffset)
		if err != nil {
			return gitobj.Data{}, err
		}
		deltaPayload, _, err := inflateWithConsumed(io.NewSectionReader(ra, payloadOffset+distConsumed, 1<<62-(payloadOffset+distConsumed)))
		if err != nil {
			return gitobj.Data{}, err
		}
		base, err := ReadPackObjectAt(ra, off-distance, hashSize, resolver)
		if err != nil {
			return gitobj.Data{}, err
		}
		resolved, err := ApplyDelta(base.Raw, deltaPayload)
		if err != nil {
			return gitobj.Data{}, err
		}
		return gitobj.Data{Type: base.Type, Raw: resolved}, nil

	case packTypeRefDelta:
		buf := make([]byte, hashSize)
		if _, err := ra.ReadAt(buf, payloadOffset); err != nil {
			return gitobj.Data{}, err
		}
		baseHash, err := githash.New(buf)
		if err != nil {
			return gitobj.Data{}, err
		}
		deltaPayload, _, err := inflateWithConsumed(io.NewSectionReader(ra, payloadOffset+int64(hashSize), 1<<62-(payloadOffset+int64(hashSize))))
		if err != nil {
			return gitobj.Data{}, err
		}
		base, err := resolver.Read(baseHash)
		if err != nil {
			return gitobj.Data{}, err
		}
		resolved, err := ApplyDelta(base.Raw, deltaPayload)
		if err != nil {
			return gitobj.Data{}, err
		}
		return gitobj.Data{Type: base.Type, Raw: resolved}, nil

	default:
		return gitobj.Data{}, fmt.Errorf("packfile: unknown type %d at offset %d", typeNum, off)
	}
}
