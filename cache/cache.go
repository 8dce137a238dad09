package cache

import (
	"errors"
	"fmt"
	"sync"

	"github.com/golang/glog"
	"go.uber.org/atomic"

	"github.com/bringyour/remoteblock/protocol"
)

var ErrCacheClosed = errors.New("Cache closed.")

type CacheSettings struct {
	// a frame that would grow the cache beyond this many entries is rejected
	MaxEntryCount int
}

func DefaultCacheSettings() *CacheSettings {
	return &CacheSettings{
		MaxEntryCount: 1 << 20,
	}
}

// Entry is the cache state for one block id.
type Entry struct {
	Block *protocol.Block
	// the last frame whose reference tree included this block
	LastReferencedFrame uint64
	// references to this block in the current reference tree
	RefCount int
}

// Tree is the resolved surface of one integrated frame.
// It is read only and stays valid after later frames are integrated.
type Tree struct {
	SequenceNumber uint64
	Roots          []*protocol.ResolvedBlock
}

// depth first over all roots. Return false to skip the children.
func (self *Tree) Walk(visit func(*protocol.ResolvedBlock) bool) {
	for _, root := range self.Roots {
		root.Walk(visit)
	}
}

type CacheStats struct {
	EntryCount         int
	LastSequenceNumber uint64
	IntegratedCount    uint64
	RejectedCount      uint64
	EvictedCount       uint64
}

// Cache is the client side block store.
// Frames are integrated atomically: a frame either fully resolves and commits
// or leaves the cache unchanged. Entries leave the cache only by eviction,
// a full frame or `Close`.
// Decoded blocks alias their message buffers, which stay alive while the block is resident.
type Cache struct {
	settings *CacheSettings

	stateLock          sync.RWMutex
	entries            map[protocol.BlockId]*Entry
	lastSequenceNumber uint64
	tree               *Tree
	closed             bool

	integratedCount atomic.Uint64
	rejectedCount   atomic.Uint64
	evictedCount    atomic.Uint64
}

func NewCacheWithDefaults() *Cache {
	return NewCache(DefaultCacheSettings())
}

func NewCache(settings *CacheSettings) *Cache {
	return &Cache{
		settings: settings,
		entries:  map[protocol.BlockId]*Entry{},
	}
}

// resident blocks as a `protocol.BlockSource`. Must be used inside the state lock.
type entrySource map[protocol.BlockId]*Entry

func (self entrySource) Block(id protocol.BlockId) (*protocol.Block, bool) {
	entry, ok := self[id]
	if !ok {
		return nil, false
	}
	return entry.Block, true
}

// Integrate validates the frame, resolves its roots against the frame blocks and the
// resident blocks, and commits. On error the cache is unchanged.
//
// Errors:
// `*protocol.ProtocolInvariantViolation` for a sequence gap, a generation regression,
// an eviction of a referenced block, a duplicate block or a reference cycle.
// `*protocol.MissingBlockError` for a reference that does not resolve.
func (self *Cache) Integrate(frame *protocol.Frame) (*Tree, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	tree, err := self.integrate(frame)
	if err != nil {
		self.rejectedCount.Inc()
		glog.V(1).Infof("[c]reject frame %d = %s\n", frame.SequenceNumber, err)
		return nil, err
	}
	self.integratedCount.Inc()
	return tree, nil
}

// must be called inside the state lock
func (self *Cache) integrate(frame *protocol.Frame) (*Tree, error) {
	if self.closed {
		return nil, ErrCacheClosed
	}

	if frame.Full {
		// a full frame may follow a gap, but never goes back
		if frame.SequenceNumber <= self.lastSequenceNumber {
			return nil, protocol.NewProtocolInvariantViolation(
				protocol.ViolationSequence,
				nil,
				"full frame %d does not follow %d",
				frame.SequenceNumber,
				self.lastSequenceNumber,
			)
		}
	} else if frame.SequenceNumber != self.lastSequenceNumber+1 {
		return nil, protocol.NewProtocolInvariantViolation(
			protocol.ViolationSequence,
			nil,
			"frame %d does not follow %d",
			frame.SequenceNumber,
			self.lastSequenceNumber,
		)
	}

	staged := protocol.BlockMap{}
	for _, block := range frame.Blocks {
		if _, ok := staged[block.Id]; ok {
			return nil, protocol.NewProtocolInvariantViolation(
				protocol.ViolationDuplicateBlock,
				[]protocol.BlockId{block.Id},
				"block %s appears twice in frame %d",
				block.Id,
				frame.SequenceNumber,
			)
		}
		if !frame.Full {
			if entry, ok := self.entries[block.Id]; ok {
				if err := checkGeneration(block, entry.Block); err != nil {
					return nil, err
				}
			}
		}
		staged[block.Id] = block
	}

	var source protocol.BlockSource
	if frame.Full {
		source = staged
	} else {
		source = protocol.OverlaySource{
			Top:  staged,
			Base: entrySource(self.entries),
		}
	}

	roots, err := protocol.ResolveRoots(frame.Roots, source)
	if err != nil {
		return nil, err
	}

	// reference counts of the new tree
	refCounts := map[protocol.BlockId]int{}
	for _, root := range roots {
		root.Walk(func(resolved *protocol.ResolvedBlock) bool {
			refCounts[resolved.Id()] += 1
			return true
		})
	}

	referencedEvicts := []protocol.BlockId{}
	for _, id := range frame.Evict {
		if 0 < refCounts[id] {
			referencedEvicts = append(referencedEvicts, id)
		}
	}
	if 0 < len(referencedEvicts) {
		return nil, protocol.NewProtocolInvariantViolation(
			protocol.ViolationEvictReferenced,
			referencedEvicts,
			"frame %d evicts referenced blocks %v",
			frame.SequenceNumber,
			referencedEvicts,
		)
	}

	entryCount := len(staged)
	if !frame.Full {
		entryCount = len(self.entries)
		for id := range staged {
			if _, ok := self.entries[id]; !ok {
				entryCount += 1
			}
		}
	}
	if 0 < self.settings.MaxEntryCount && self.settings.MaxEntryCount < entryCount {
		return nil, fmt.Errorf("Frame %d grows the cache to %d entries, max %d.", frame.SequenceNumber, entryCount, self.settings.MaxEntryCount)
	}

	// commit. Nothing below fails.

	if frame.Full {
		if 0 < len(self.entries) {
			glog.V(1).Infof("[c]full frame %d replaces %d entries\n", frame.SequenceNumber, len(self.entries))
		}
		self.entries = map[protocol.BlockId]*Entry{}
	}
	for id, block := range staged {
		if entry, ok := self.entries[id]; ok {
			entry.Block = block
		} else {
			self.entries[id] = &Entry{
				Block: block,
			}
		}
	}
	for id, entry := range self.entries {
		refCount := refCounts[id]
		entry.RefCount = refCount
		if 0 < refCount {
			entry.LastReferencedFrame = frame.SequenceNumber
		}
	}
	// referenced evictions were rejected above
	evictedCount, _ := self.evict(frame.Evict)

	self.lastSequenceNumber = frame.SequenceNumber
	self.tree = &Tree{
		SequenceNumber: frame.SequenceNumber,
		Roots:          roots,
	}
	glog.V(2).Infof(
		"[c]integrated %d blocks=%d entries=%d evicted=%d\n",
		frame.SequenceNumber,
		len(staged),
		len(self.entries),
		evictedCount,
	)
	return self.tree, nil
}

// ApplyEviction removes entries. An id that the current tree still references is
// evicted anyway and reported with a `*protocol.ProtocolInvariantViolation`.
// Unknown ids are ignored.
func (self *Cache) ApplyEviction(ids []protocol.BlockId) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return ErrCacheClosed
	}

	_, referencedIds := self.evict(ids)
	if 0 < len(referencedIds) {
		return protocol.NewProtocolInvariantViolation(
			protocol.ViolationEvictReferenced,
			referencedIds,
			"evicted referenced blocks %v",
			referencedIds,
		)
	}
	return nil
}

// a resident block may be resent at its generation only with the same content
func checkGeneration(block *protocol.Block, resident *protocol.Block) error {
	switch {
	case block.Generation < resident.Generation:
		return protocol.NewProtocolInvariantViolation(
			protocol.ViolationGeneration,
			[]protocol.BlockId{block.Id},
			"block %s generation %d is behind resident generation %d",
			block.Id,
			block.Generation,
			resident.Generation,
		)
	case block.Generation == resident.Generation && protocol.Fingerprint(block) != protocol.Fingerprint(resident):
		return protocol.NewProtocolInvariantViolation(
			protocol.ViolationGeneration,
			[]protocol.BlockId{block.Id},
			"block %s changed content without a generation bump (%d)",
			block.Id,
			block.Generation,
		)
	default:
		return nil
	}
}

// evict removes the entries and returns how many were removed and which of them
// the current tree still referenced. Unknown ids are ignored.
// Must be called inside the state lock.
func (self *Cache) evict(ids []protocol.BlockId) (evictedCount int, referencedIds []protocol.BlockId) {
	for _, id := range ids {
		entry, ok := self.entries[id]
		if !ok {
			glog.V(1).Infof("[c]evict unknown block %s\n", id)
			continue
		}
		if 0 < entry.RefCount {
			referencedIds = append(referencedIds, id)
		}
		delete(self.entries, id)
		evictedCount += 1
	}
	self.evictedCount.Add(uint64(evictedCount))
	if 0 < len(referencedIds) {
		// the client is out of sync with the server
		glog.Infof("[c]evict referenced blocks %v\n", referencedIds)
	}
	return
}

func (self *Cache) Block(id protocol.BlockId) (*protocol.Block, bool) {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()

	entry, ok := self.entries[id]
	if !ok {
		return nil, false
	}
	return entry.Block, true
}

// a copy of the entry
func (self *Cache) Entry(id protocol.BlockId) (Entry, bool) {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()

	entry, ok := self.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// the tree of the last integrated frame, or nil
func (self *Cache) Tree() *Tree {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()

	return self.tree
}

func (self *Cache) LastSequenceNumber() uint64 {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()

	return self.lastSequenceNumber
}

func (self *Cache) Stats() CacheStats {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()

	return CacheStats{
		EntryCount:         len(self.entries),
		LastSequenceNumber: self.lastSequenceNumber,
		IntegratedCount:    self.integratedCount.Load(),
		RejectedCount:      self.rejectedCount.Load(),
		EvictedCount:       self.evictedCount.Load(),
	}
}

// Close releases all entries. Later calls fail with `ErrCacheClosed`.
func (self *Cache) Close() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.entries = map[protocol.BlockId]*Entry{}
	self.tree = nil
	self.closed = true
}
