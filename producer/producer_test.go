package producer

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/bringyour/remoteblock/protocol"
)

func textNode(id protocol.BlockId, text string) *Node {
	return NewLeaf(id, protocol.Point{X: 10, Y: 10}, &protocol.ShapedTextRun{
		Text: []byte(text),
	})
}

func singleRoot(node *Node) *Layout {
	return &Layout{
		Roots: []Child{Place(node, 0, 0)},
	}
}

func TestProducerReuse(t *testing.T) {
	// scenario A
	p := NewProducerWithDefaults()

	frame, err := p.Produce(singleRoot(textNode(1, "hello")))
	assert.Equal(t, err, nil)
	assert.Equal(t, frame.SequenceNumber, uint64(1))
	assert.Equal(t, frame.Full, true)
	assert.Equal(t, len(frame.Blocks), 1)
	assert.Equal(t, frame.Blocks[0].Id, protocol.BlockId(1))
	assert.Equal(t, frame.Blocks[0].Kind(), protocol.KindShapedTextRun)
	assert.Equal(t, frame.Blocks[0].Generation, protocol.Generation(0))

	frame, err = p.Produce(singleRoot(textNode(1, "hello")))
	assert.Equal(t, err, nil)
	assert.Equal(t, frame.SequenceNumber, uint64(2))
	assert.Equal(t, frame.Full, false)
	assert.Equal(t, len(frame.Blocks), 0)
	assert.Equal(t, frame.Roots, []protocol.ChildRef{{Id: 1}})
	assert.Equal(t, len(frame.Evict), 0)

	stats := p.Stats()
	assert.Equal(t, stats.ReusedCount, uint64(1))
	assert.Equal(t, stats.SentBlockCount, uint64(1))
}

func TestProducerUpdate(t *testing.T) {
	// scenario B
	p := NewProducerWithDefaults()

	_, err := p.Produce(singleRoot(textNode(1, "hello")))
	assert.Equal(t, err, nil)

	frame, err := p.Produce(singleRoot(textNode(1, "world")))
	assert.Equal(t, err, nil)
	assert.Equal(t, len(frame.Blocks), 1)
	assert.Equal(t, frame.Blocks[0].Id, protocol.BlockId(1))
	assert.Equal(t, frame.Blocks[0].Generation, protocol.Generation(1))

	// generations only move forward
	frame, err = p.Produce(singleRoot(textNode(1, "hello")))
	assert.Equal(t, err, nil)
	assert.Equal(t, frame.Blocks[0].Generation, protocol.Generation(2))

	snapshot, ok := p.Known(1)
	assert.Equal(t, ok, true)
	assert.Equal(t, snapshot.Generation, protocol.Generation(2))
}

func TestProducerGraceWindow(t *testing.T) {
	// scenario C
	p := NewProducer(&ProducerSettings{
		GraceFrames: 2,
	})

	a := textNode(1, "a")
	b := textNode(2, "b")
	both := &Layout{
		Roots: []Child{Place(a, 0, 0), Place(b, 0, 20)},
	}
	onlyA := singleRoot(a)

	_, err := p.Produce(both)
	assert.Equal(t, err, nil)

	// out of view for one frame
	frame, err := p.Produce(onlyA)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(frame.Evict), 0)

	// returns within the grace window with no retransmission
	frame, err = p.Produce(both)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(frame.Blocks), 0)
	assert.Equal(t, len(frame.Evict), 0)

	// out of view for longer than the grace window
	for i := 0; i < 2; i += 1 {
		frame, err = p.Produce(onlyA)
		assert.Equal(t, err, nil)
		assert.Equal(t, len(frame.Evict), 0)
	}
	frame, err = p.Produce(onlyA)
	assert.Equal(t, err, nil)
	assert.Equal(t, frame.Evict, []protocol.BlockId{2})
	_, ok := p.Known(2)
	assert.Equal(t, ok, false)

	// evicted ids come back as new
	frame, err = p.Produce(both)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(frame.Blocks), 1)
	assert.Equal(t, frame.Blocks[0].Id, protocol.BlockId(2))
	assert.Equal(t, frame.Blocks[0].Generation, protocol.Generation(0))
}

func TestProducerEvictNeverReferenced(t *testing.T) {
	p := NewProducer(&ProducerSettings{
		GraceFrames: 0,
	})

	leaves := []*Node{}
	for i := 1; i <= 10; i += 1 {
		leaves = append(leaves, textNode(p.AllocateId(), "x"))
	}

	for round := 0; round < 20; round += 1 {
		children := []Child{}
		for i, leaf := range leaves {
			if (i+round)%3 != 0 {
				children = append(children, Place(leaf, 0, float32(i)))
			}
		}
		root := NewContainer(100, protocol.Point{X: 100, Y: 100}, children...)
		frame, err := p.Produce(singleRoot(root))
		assert.Equal(t, err, nil)

		referenced := map[protocol.BlockId]bool{100: true}
		for _, child := range children {
			referenced[child.Node.Id] = true
		}
		for _, id := range frame.Evict {
			assert.Equal(t, referenced[id], false)
		}
	}
}

func TestProducerNested(t *testing.T) {
	p := NewProducerWithDefaults()

	line1 := textNode(1, "one")
	line2 := textNode(2, "two")
	body := NewContainer(3, protocol.Point{X: 100, Y: 40}, Place(line1, 0, 0), PlaceOnLayer(line2, 0, 20, 1))
	_, err := p.Produce(singleRoot(body))
	assert.Equal(t, err, nil)

	// a child change updates the child. The container is unchanged since it holds references.
	line2 = textNode(2, "TWO")
	body = NewContainer(3, protocol.Point{X: 100, Y: 40}, Place(line1, 0, 0), PlaceOnLayer(line2, 0, 20, 1))
	frame, err := p.Produce(singleRoot(body))
	assert.Equal(t, err, nil)
	assert.Equal(t, frame.BlockIds(), []protocol.BlockId{2})

	// moving a child updates the container only
	body = NewContainer(3, protocol.Point{X: 100, Y: 40}, Place(line1, 0, 0), PlaceOnLayer(line2, 0, 30, 1))
	frame, err = p.Produce(singleRoot(body))
	assert.Equal(t, err, nil)
	assert.Equal(t, frame.BlockIds(), []protocol.BlockId{3})
	assert.Equal(t, frame.Blocks[0].Generation, protocol.Generation(1))
}

func TestProducerAlpha(t *testing.T) {
	p := NewProducerWithDefaults()

	line := textNode(1, "one")
	_, err := p.Produce(singleRoot(NewContainer(2, protocol.Point{}, Place(line, 0, 0))))
	assert.Equal(t, err, nil)

	// hiding the container is a content change of the container only
	frame, err := p.Produce(singleRoot(NewContainer(2, protocol.Point{}, Place(line, 0, 0)).WithAlpha(0)))
	assert.Equal(t, err, nil)
	assert.Equal(t, frame.BlockIds(), []protocol.BlockId{2})
	assert.Equal(t, frame.Blocks[0].Generation, protocol.Generation(1))
	assert.Equal(t, frame.Blocks[0].Content.(*protocol.NestedContainer).Hidden(), true)
}

func TestProducerDuplicate(t *testing.T) {
	p := NewProducerWithDefaults()

	// same id with the same content is a shared reference
	shared := textNode(1, "same")
	_, err := p.Produce(&Layout{
		Roots: []Child{Place(shared, 0, 0), Place(textNode(1, "same"), 0, 10)},
	})
	assert.Equal(t, err, nil)

	_, err = p.Produce(&Layout{
		Roots: []Child{Place(textNode(1, "a"), 0, 0), Place(textNode(1, "b"), 0, 10)},
	})
	var violation *protocol.ProtocolInvariantViolation
	assert.Equal(t, errors.As(err, &violation), true)
	assert.Equal(t, violation.Kind, protocol.ViolationDuplicateBlock)

	// the failed layout consumed nothing
	assert.Equal(t, p.Stats().SequenceNumber, uint64(1))
}

func TestProducerBadLayout(t *testing.T) {
	p := NewProducerWithDefaults()

	_, err := p.Produce(singleRoot(textNode(0, "zero")))
	assert.NotEqual(t, err, nil)

	both := textNode(1, "x")
	both.Children = []Child{Place(textNode(2, "y"), 0, 0)}
	_, err = p.Produce(singleRoot(both))
	assert.NotEqual(t, err, nil)

	cycle := NewContainer(1, protocol.Point{})
	cycle.Children = []Child{Place(cycle, 0, 0)}
	_, err = p.Produce(singleRoot(cycle))
	var violation *protocol.ProtocolInvariantViolation
	assert.Equal(t, errors.As(err, &violation), true)
}

func TestProducerReset(t *testing.T) {
	p := NewProducerWithDefaults()

	layout := singleRoot(textNode(1, "hello"))
	p.Produce(layout)
	frame, _ := p.Produce(layout)
	assert.Equal(t, len(frame.Blocks), 0)

	p.Reset()
	frame, err := p.Produce(layout)
	assert.Equal(t, err, nil)
	assert.Equal(t, frame.Full, true)
	assert.Equal(t, frame.SequenceNumber, uint64(3))
	assert.Equal(t, frame.BlockIds(), []protocol.BlockId{1})
}

func TestProducerResetGeneration(t *testing.T) {
	p := NewProducerWithDefaults()

	_, err := p.Produce(singleRoot(textNode(1, "hello")))
	assert.Equal(t, err, nil)
	frame, err := p.Produce(singleRoot(textNode(1, "world")))
	assert.Equal(t, err, nil)
	assert.Equal(t, frame.Blocks[0].Generation, protocol.Generation(1))

	// a resend after reset keeps the generation of unchanged content
	p.Reset()
	frame, err = p.Produce(singleRoot(textNode(1, "world")))
	assert.Equal(t, err, nil)
	assert.Equal(t, frame.Full, true)
	assert.Equal(t, frame.Blocks[0].Generation, protocol.Generation(1))

	// and bumps it for changed content
	p.Reset()
	frame, err = p.Produce(singleRoot(textNode(1, "again")))
	assert.Equal(t, err, nil)
	assert.Equal(t, frame.Full, true)
	assert.Equal(t, frame.Blocks[0].Generation, protocol.Generation(2))

	// a block left out of a full frame is resent with its generation when it returns
	p.Reset()
	frame, err = p.Produce(singleRoot(textNode(2, "other")))
	assert.Equal(t, err, nil)
	assert.Equal(t, frame.BlockIds(), []protocol.BlockId{2})
	frame, err = p.Produce(singleRoot(textNode(1, "again")))
	assert.Equal(t, err, nil)
	assert.Equal(t, frame.Full, false)
	assert.Equal(t, frame.BlockIds(), []protocol.BlockId{1})
	assert.Equal(t, frame.Blocks[0].Generation, protocol.Generation(2))
}

func TestAllocateId(t *testing.T) {
	p := NewProducerWithDefaults()
	assert.Equal(t, p.AllocateId(), protocol.BlockId(1))
	assert.Equal(t, p.AllocateId(), protocol.BlockId(2))

	// producers are independent
	assert.Equal(t, NewProducerWithDefaults().AllocateId(), protocol.BlockId(1))
}
