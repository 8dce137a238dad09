package protocol

import (
	"encoding/binary"
	"math"
)

// packed buffers are views. A decoded frame addresses them directly in the received
// message bytes, so they must not be modified after decode.

const GlyphByteCount = 10
const VertexByteCount = 8

type Glyph struct {
	Glyph uint16
	X     float32
	Y     float32
}

// packed little endian (u16 glyph, f32 x, f32 y)
type GlyphRun []byte

func NewGlyphRun(glyphs ...Glyph) GlyphRun {
	if len(glyphs) == 0 {
		return nil
	}
	b := make([]byte, 0, len(glyphs)*GlyphByteCount)
	for _, glyph := range glyphs {
		b = binary.LittleEndian.AppendUint16(b, glyph.Glyph)
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(glyph.X))
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(glyph.Y))
	}
	return GlyphRun(b)
}

func (self GlyphRun) Len() int {
	return len(self) / GlyphByteCount
}

func (self GlyphRun) At(i int) Glyph {
	b := self[i*GlyphByteCount : (i+1)*GlyphByteCount]
	return Glyph{
		Glyph: binary.LittleEndian.Uint16(b[0:2]),
		X:     math.Float32frombits(binary.LittleEndian.Uint32(b[2:6])),
		Y:     math.Float32frombits(binary.LittleEndian.Uint32(b[6:10])),
	}
}

func (self GlyphRun) valid() bool {
	return len(self)%GlyphByteCount == 0
}

// packed little endian (f32 x, f32 y)
type VertexBuffer []byte

func NewVertexBuffer(points ...Point) VertexBuffer {
	if len(points) == 0 {
		return nil
	}
	b := make([]byte, 0, len(points)*VertexByteCount)
	for _, point := range points {
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(point.X))
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(point.Y))
	}
	return VertexBuffer(b)
}

func (self VertexBuffer) Len() int {
	return len(self) / VertexByteCount
}

func (self VertexBuffer) At(i int) Point {
	b := self[i*VertexByteCount : (i+1)*VertexByteCount]
	return Point{
		X: math.Float32frombits(binary.LittleEndian.Uint32(b[0:4])),
		Y: math.Float32frombits(binary.LittleEndian.Uint32(b[4:8])),
	}
}

func (self VertexBuffer) valid() bool {
	return len(self)%VertexByteCount == 0
}
