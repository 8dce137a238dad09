package producer

import (
	"fmt"
	"slices"
	"sync"

	"github.com/golang/glog"
	"go.uber.org/atomic"

	"github.com/bringyour/remoteblock/protocol"
)

type ProducerSettings struct {
	// a known block absent from the layout for more than this many consecutive frames
	// is evicted from the client
	GraceFrames int
}

func DefaultProducerSettings() *ProducerSettings {
	return &ProducerSettings{
		GraceFrames: 8,
	}
}

type knownBlock struct {
	snapshot    *protocol.BlockSnapshot
	absentCount int
}

type ProducerStats struct {
	SequenceNumber  uint64
	KnownBlockCount int
	SentBlockCount  uint64
	ReusedCount     uint64
	EvictedCount    uint64
}

// Producer turns layouts into frames against what the client is known to hold.
// Known state is updated optimistically when a frame is produced.
// If the client loses state, `Reset` makes the next frame full.
type Producer struct {
	settings *ProducerSettings

	nextId atomic.Uint64

	stateLock      sync.Mutex
	sequenceNumber uint64
	known          map[protocol.BlockId]*knownBlock
	// the last snapshot sent for each id. Survives `Reset` so that generations
	// never go backwards within a session. Dropped when the id is evicted.
	sent map[protocol.BlockId]*protocol.BlockSnapshot
	full bool

	sentBlockCount atomic.Uint64
	reusedCount    atomic.Uint64
	evictedCount   atomic.Uint64
}

func NewProducerWithDefaults() *Producer {
	return NewProducer(DefaultProducerSettings())
}

func NewProducer(settings *ProducerSettings) *Producer {
	return &Producer{
		settings: settings,
		known:    map[protocol.BlockId]*knownBlock{},
		sent:     map[protocol.BlockId]*protocol.BlockSnapshot{},
		// the first frame carries everything
		full: true,
	}
}

// AllocateId returns a block id unique to this producer. Ids start at 1.
func (self *Producer) AllocateId() protocol.BlockId {
	return protocol.BlockId(self.nextId.Inc())
}

// Reset forgets everything the client is known to hold.
// The next frame is full. Resent blocks keep their generation, or bump it if
// their content changed since it was last sent.
func (self *Producer) Reset() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.known = map[protocol.BlockId]*knownBlock{}
	self.full = true
}

// Produce diffs the layout against known state and returns the next frame.
// On error known state is unchanged and no sequence number is consumed.
func (self *Producer) Produce(layout *Layout) (*protocol.Frame, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	blocks, order, err := collect(layout)
	if err != nil {
		return nil, err
	}

	full := self.full
	frame := &protocol.Frame{
		SequenceNumber: self.sequenceNumber + 1,
		Roots:          make([]protocol.ChildRef, 0, len(layout.Roots)),
		Full:           full,
	}
	for _, root := range layout.Roots {
		frame.Roots = append(frame.Roots, root.ref())
	}

	nextKnown := map[protocol.BlockId]*knownBlock{}
	reusedCount := 0
	for _, id := range order {
		block := blocks[id]
		_, isKnown := self.known[id]
		changes := block.DiffAgainst(self.sent[id])
		block.Generation = changes.Generation
		nextKnown[id] = &knownBlock{
			snapshot: &protocol.BlockSnapshot{
				Id:          id,
				Generation:  changes.Generation,
				Fingerprint: changes.Fingerprint,
			},
			absentCount: 0,
		}
		if full || !isKnown || changes.Change != protocol.ChangeUnchanged {
			frame.Blocks = append(frame.Blocks, block)
		} else {
			reusedCount += 1
		}
	}

	if !full {
		for id, known := range self.known {
			if _, ok := blocks[id]; ok {
				continue
			}
			absentCount := known.absentCount + 1
			if self.settings.GraceFrames < absentCount {
				frame.Evict = append(frame.Evict, id)
			} else {
				nextKnown[id] = &knownBlock{
					snapshot:    known.snapshot,
					absentCount: absentCount,
				}
			}
		}
		slices.Sort(frame.Evict)
	}
	// a full frame replaces the client state, so absent blocks are simply not carried

	for id, known := range nextKnown {
		self.sent[id] = known.snapshot
	}
	// an evicted id is no longer held by the client and starts over
	for _, id := range frame.Evict {
		delete(self.sent, id)
	}
	self.sequenceNumber = frame.SequenceNumber
	self.known = nextKnown
	self.full = false

	self.sentBlockCount.Add(uint64(len(frame.Blocks)))
	self.reusedCount.Add(uint64(reusedCount))
	self.evictedCount.Add(uint64(len(frame.Evict)))

	glog.V(2).Infof(
		"[p]frame %d full=%t blocks=%d reused=%d evict=%d\n",
		frame.SequenceNumber,
		frame.Full,
		len(frame.Blocks),
		reusedCount,
		len(frame.Evict),
	)
	return frame, nil
}

func (self *Producer) Stats() ProducerStats {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return ProducerStats{
		SequenceNumber:  self.sequenceNumber,
		KnownBlockCount: len(self.known),
		SentBlockCount:  self.sentBlockCount.Load(),
		ReusedCount:     self.reusedCount.Load(),
		EvictedCount:    self.evictedCount.Load(),
	}
}

// the snapshot the producer believes the client holds for `id`
func (self *Producer) Known(id protocol.BlockId) (*protocol.BlockSnapshot, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	known, ok := self.known[id]
	if !ok {
		return nil, false
	}
	return known.snapshot, true
}

// collect walks the layout and returns the blocks by id, in post order.
// The same id may appear more than once only with identical content.
func collect(layout *Layout) (map[protocol.BlockId]*protocol.Block, []protocol.BlockId, error) {
	blocks := map[protocol.BlockId]*protocol.Block{}
	fingerprints := map[protocol.BlockId]uint64{}
	order := []protocol.BlockId{}

	var visit func(node *Node, depth int) error
	visit = func(node *Node, depth int) error {
		if node == nil {
			return fmt.Errorf("Layout has a nil node.")
		}
		if node.Id == 0 {
			return fmt.Errorf("Block id 0 is reserved.")
		}
		if protocol.MaxResolveDepth <= depth {
			return protocol.NewProtocolInvariantViolation(
				protocol.ViolationReferenceCycle,
				[]protocol.BlockId{node.Id},
				"layout deeper than %d at %s",
				protocol.MaxResolveDepth,
				node.Id,
			)
		}
		if node.Content != nil && 0 < len(node.Children) {
			return fmt.Errorf("Block %s has both content and children.", node.Id)
		}
		if _, ok := node.Content.(*protocol.NestedContainer); ok {
			return fmt.Errorf("Block %s: containers are built from children.", node.Id)
		}

		for _, child := range node.Children {
			if err := visit(child.Node, depth+1); err != nil {
				return err
			}
		}

		block := node.block()
		fingerprint := protocol.Fingerprint(block)
		if previousFingerprint, ok := fingerprints[node.Id]; ok {
			if previousFingerprint != fingerprint {
				return protocol.NewProtocolInvariantViolation(
					protocol.ViolationDuplicateBlock,
					[]protocol.BlockId{node.Id},
					"block %s appears twice with different content",
					node.Id,
				)
			}
			return nil
		}
		fingerprints[node.Id] = fingerprint
		blocks[node.Id] = block
		order = append(order, node.Id)
		return nil
	}

	for _, root := range layout.Roots {
		if err := visit(root.Node, 0); err != nil {
			return nil, nil, err
		}
	}
	return blocks, order, nil
}
