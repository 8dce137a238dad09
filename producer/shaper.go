package producer

import (
	"context"
	"encoding/binary"
	"math"
	"time"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/glog"
	"github.com/jellydator/ttlcache/v3"

	"github.com/bringyour/remoteblock/protocol"
)

type Font struct {
	Family uint8
	Size   float32
	Color  uint32
}

// ShapedLine is the result of shaping one line of text.
type ShapedLine struct {
	Content *protocol.ShapedTextRun
	Extent  protocol.Point
}

// Shaper turns text into positioned glyphs. Implementations must be safe for concurrent use.
type Shaper interface {
	Shape(text string, font Font) *ShapedLine
}

// MonospaceShaper places one glyph per rune on a fixed grid.
// The glyph id is the code point, clamped to 16 bits.
type MonospaceShaper struct {
	// advance as a fraction of the font size
	AdvanceRatio float32
	// line height as a fraction of the font size
	LineHeightRatio float32
}

func NewMonospaceShaper() *MonospaceShaper {
	return &MonospaceShaper{
		AdvanceRatio:    0.6,
		LineHeightRatio: 1.25,
	}
}

func (self *MonospaceShaper) Shape(text string, font Font) *ShapedLine {
	advance := font.Size * self.AdvanceRatio
	lineHeight := font.Size * self.LineHeightRatio
	baseline := font.Size

	glyphs := make([]protocol.Glyph, 0, utf8.RuneCountInString(text))
	x := float32(0)
	for _, r := range text {
		glyph := uint16(math.MaxUint16)
		if r <= math.MaxUint16 {
			glyph = uint16(r)
		}
		glyphs = append(glyphs, protocol.Glyph{
			Glyph: glyph,
			X:     x,
			Y:     baseline,
		})
		x += advance
	}

	// run byte lengths are 16 bit. Split at rune boundaries.
	runs := []protocol.TextRunMetadata{}
	for start := 0; start < len(text); {
		end := min(start+math.MaxUint16, len(text))
		for end < len(text) && !utf8.RuneStart(text[end]) {
			end -= 1
		}
		runs = append(runs, protocol.TextRunMetadata{
			ByteLength: uint16(end - start),
			FontFamily: font.Family,
			FontSize:   font.Size,
			Color:      font.Color,
			Advance:    protocol.Point{X: advance * float32(utf8.RuneCountInString(text[start:end]))},
			Baseline:   baseline,
		})
		start = end
	}

	return &ShapedLine{
		Content: &protocol.ShapedTextRun{
			Text:   []byte(text),
			Glyphs: protocol.NewGlyphRun(glyphs...),
			Runs:   runs,
		},
		Extent: protocol.Point{X: x, Y: lineHeight},
	}
}

type ShaperCacheSettings struct {
	Ttl      time.Duration
	Capacity uint64
}

func DefaultShaperCacheSettings() *ShaperCacheSettings {
	return &ShaperCacheSettings{
		Ttl:      5 * time.Minute,
		Capacity: 20_000,
	}
}

type shapedEntry struct {
	text string
	font Font
	line *ShapedLine
}

// CachingShaper memoizes another shaper by (text, font).
// Shaped lines are shared between callers and must not be modified.
type CachingShaper struct {
	shaper Shaper
	cache  *ttlcache.Cache[uint64, *shapedEntry]
}

// the cache expires entries in the background until `ctx` is done
func NewCachingShaper(ctx context.Context, shaper Shaper, settings *ShaperCacheSettings) *CachingShaper {
	cache := ttlcache.New[uint64, *shapedEntry](
		ttlcache.WithTTL[uint64, *shapedEntry](settings.Ttl),
		ttlcache.WithCapacity[uint64, *shapedEntry](settings.Capacity),
	)

	go cache.Start()

	go func() {
		<-ctx.Done()
		cache.Stop()
	}()

	return &CachingShaper{
		shaper: shaper,
		cache:  cache,
	}
}

func shapeKey(text string, font Font) uint64 {
	var fontBytes [9]byte
	fontBytes[0] = font.Family
	binary.LittleEndian.PutUint32(fontBytes[1:5], math.Float32bits(font.Size))
	binary.LittleEndian.PutUint32(fontBytes[5:9], font.Color)

	h := xxhash.New()
	h.Write(fontBytes[:])
	h.WriteString(text)
	return h.Sum64()
}

func (self *CachingShaper) Shape(text string, font Font) *ShapedLine {
	key := shapeKey(text, font)
	if item := self.cache.Get(key); item != nil {
		entry := item.Value()
		if entry.text == text && entry.font == font {
			return entry.line
		}
		// hash collision. Shape without caching.
		glog.V(2).Infof("[shape]collision %d\n", key)
		return self.shaper.Shape(text, font)
	}
	line := self.shaper.Shape(text, font)
	self.cache.Set(key, &shapedEntry{
		text: text,
		font: font,
		line: line,
	}, ttlcache.DefaultTTL)
	return line
}

func (self *CachingShaper) Metrics() ttlcache.Metrics {
	return self.cache.Metrics()
}

func (self *CachingShaper) Len() int {
	return self.cache.Len()
}
