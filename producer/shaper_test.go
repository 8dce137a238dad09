package producer

import (
	"context"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/bringyour/remoteblock/protocol"
)

func TestMonospaceShaper(t *testing.T) {
	shaper := &MonospaceShaper{
		AdvanceRatio:    0.5,
		LineHeightRatio: 1.5,
	}
	font := Font{Family: 1, Size: 10, Color: 0xffffffff}

	line := shaper.Shape("héllo", font)
	assert.Equal(t, line.Content.Glyphs.Len(), 5)
	assert.Equal(t, line.Content.Glyphs.At(1), protocol.Glyph{Glyph: uint16('é'), X: 5, Y: 10})
	assert.Equal(t, line.Extent, protocol.Point{X: 25, Y: 15})
	assert.Equal(t, len(line.Content.Runs), 1)
	assert.Equal(t, int(line.Content.Runs[0].ByteLength), len("héllo"))

	// runs cover the text and split on rune boundaries
	long := strings.Repeat("é", 40_000)
	line = shaper.Shape(long, font)
	byteCount := 0
	for _, run := range line.Content.Runs {
		assert.Equal(t, int(run.ByteLength)%2, 0)
		byteCount += int(run.ByteLength)
	}
	assert.Equal(t, byteCount, len(long))
	assert.Equal(t, len(line.Content.Runs), 2)

	// the shaped block passes a checked decode
	frame := &protocol.Frame{
		SequenceNumber: 1,
		Blocks: []*protocol.Block{
			&protocol.Block{Id: 1, Content: line.Content},
		},
	}
	_, err := protocol.DecodeFrame(protocol.RequireEncodeFrame(frame), nil)
	assert.Equal(t, err, nil)
}

type countingShaper struct {
	shaper Shaper
	count  int
}

func (self *countingShaper) Shape(text string, font Font) *ShapedLine {
	self.count += 1
	return self.shaper.Shape(text, font)
}

func TestCachingShaper(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	counting := &countingShaper{shaper: NewMonospaceShaper()}
	shaper := NewCachingShaper(ctx, counting, DefaultShaperCacheSettings())

	font := Font{Family: 1, Size: 12}

	a := shaper.Shape("alpha", font)
	b := shaper.Shape("alpha", font)
	assert.Equal(t, counting.count, 1)
	// shared
	assert.Equal(t, a == b, true)

	shaper.Shape("alpha", Font{Family: 2, Size: 12})
	shaper.Shape("beta", font)
	assert.Equal(t, counting.count, 3)
	assert.Equal(t, shaper.Len(), 3)

	metrics := shaper.Metrics()
	assert.Equal(t, metrics.Hits, uint64(1))
	assert.Equal(t, metrics.Misses, uint64(3))
}
