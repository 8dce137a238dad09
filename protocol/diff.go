package protocol

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

type Change int

const (
	ChangeNew       Change = 1
	ChangeUnchanged Change = 2
	ChangeUpdated   Change = 3
)

func (self Change) String() string {
	switch self {
	case ChangeNew:
		return "new"
	case ChangeUnchanged:
		return "unchanged"
	case ChangeUpdated:
		return "updated"
	default:
		return fmt.Sprintf("change(%d)", int(self))
	}
}

type ChangeSet struct {
	Change Change
	// the generation the block must carry
	Generation  Generation
	Fingerprint uint64
}

// Fingerprint hashes the canonical encoding of the extent, origin and content.
// Id and generation are not part of the fingerprint.
func Fingerprint(block *Block) uint64 {
	h := xxhash.New()
	var b []byte
	b = appendPointField(b, blockExtent, block.Extent)
	b = appendPointField(b, blockOrigin, block.Origin)
	b = appendKindField(b, block.Kind())
	h.Write(b)
	if block.Content != nil {
		h.Write(appendContent(nil, block.Content))
	}
	return h.Sum64()
}

func appendKindField(b []byte, kind BlockKind) []byte {
	return appendVarintField(b, blockKind, uint64(kind))
}

// DiffAgainst compares this block to what the peer is believed to hold for the same id.
// `previous` is nil when the id is unknown to the peer.
func (self *Block) DiffAgainst(previous *BlockSnapshot) ChangeSet {
	fingerprint := Fingerprint(self)
	switch {
	case previous == nil:
		return ChangeSet{
			Change:      ChangeNew,
			Generation:  0,
			Fingerprint: fingerprint,
		}
	case previous.Fingerprint == fingerprint:
		return ChangeSet{
			Change:      ChangeUnchanged,
			Generation:  previous.Generation,
			Fingerprint: fingerprint,
		}
	default:
		return ChangeSet{
			Change:      ChangeUpdated,
			Generation:  previous.Generation + 1,
			Fingerprint: fingerprint,
		}
	}
}

func (self *Block) Snapshot() *BlockSnapshot {
	return &BlockSnapshot{
		Id:          self.Id,
		Generation:  self.Generation,
		Fingerprint: Fingerprint(self),
	}
}
