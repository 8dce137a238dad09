package protocol

import (
	"fmt"
	"math"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

// The wire representation is the protobuf wire format, written and read directly with
// `protowire` so that large payloads (text, glyph runs, vertex buffers, image handles)
// are decoded as sub-slices of the message bytes with no copy.
//
// Encoding is deterministic: fields are written in field number order and zero values
// are omitted. The content of a block is always written, since its kind selects the variant.
// Empty slices and strings are zero values, so an empty non-nil slice decodes as nil.

const pointByteCount = 8

type DecodeSettings struct {
	// Skips the validation pass over nested payloads (packed buffer strides,
	// text run lengths, utf-8, enum ranges, unknown fields).
	// Bounds and wire types are always checked.
	// Only set this for a fully trusted peer.
	Unchecked bool
}

func DefaultDecodeSettings() *DecodeSettings {
	return &DecodeSettings{
		Unchecked: false,
	}
}

// frame fields
const (
	frameSequenceNumber protowire.Number = 1
	frameBlock          protowire.Number = 2
	frameRoot           protowire.Number = 3
	frameEvict          protowire.Number = 4
	frameFull           protowire.Number = 5
)

// block fields
const (
	blockId         protowire.Number = 1
	blockGeneration protowire.Number = 2
	blockKind       protowire.Number = 3
	blockExtent     protowire.Number = 4
	blockOrigin     protowire.Number = 5
	blockContent    protowire.Number = 6
)

func EncodeFrame(frame *Frame) ([]byte, error) {
	return appendFrame(nil, frame)
}

func DecodeFrame(b []byte, settings *DecodeSettings) (*Frame, error) {
	d := newDecoder(settings)
	return d.frame(b, 0)
}

func RequireEncodeFrame(frame *Frame) []byte {
	b, err := EncodeFrame(frame)
	if err != nil {
		panic(err)
	}
	return b
}

func appendFrame(b []byte, frame *Frame) ([]byte, error) {
	b = appendVarintField(b, frameSequenceNumber, frame.SequenceNumber)
	for _, block := range frame.Blocks {
		blockBytes, err := appendBlock(nil, block)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, frameBlock, protowire.BytesType)
		b = protowire.AppendBytes(b, blockBytes)
	}
	for _, ref := range frame.Roots {
		b = protowire.AppendTag(b, frameRoot, protowire.BytesType)
		b = protowire.AppendBytes(b, appendChildRef(nil, ref))
	}
	if 0 < len(frame.Evict) {
		var packed []byte
		for _, id := range frame.Evict {
			packed = protowire.AppendVarint(packed, uint64(id))
		}
		b = protowire.AppendTag(b, frameEvict, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	b = appendBoolField(b, frameFull, frame.Full)
	return b, nil
}

func appendBlock(b []byte, block *Block) ([]byte, error) {
	if block.Content == nil {
		return nil, fmt.Errorf("Block %s has no content.", block.Id)
	}
	b = appendVarintField(b, blockId, uint64(block.Id))
	b = appendVarintField(b, blockGeneration, block.Generation)
	b = appendVarintField(b, blockKind, uint64(block.Content.Kind()))
	b = appendPointField(b, blockExtent, block.Extent)
	b = appendPointField(b, blockOrigin, block.Origin)
	b = protowire.AppendTag(b, blockContent, protowire.BytesType)
	b = protowire.AppendBytes(b, appendContent(nil, block.Content))
	return b, nil
}

// the content bytes are also the input to the block fingerprint
func appendContent(b []byte, content Content) []byte {
	switch v := content.(type) {
	case *ShapedTextRun:
		b = appendBytesField(b, 1, v.Text)
		b = appendBytesField(b, 2, v.Glyphs)
		for _, run := range v.Runs {
			b = protowire.AppendTag(b, 3, protowire.BytesType)
			b = protowire.AppendBytes(b, appendTextRunMetadata(nil, run))
		}
	case *PolygonShape:
		b = appendPaintField(b, 1, v.Paint)
		b = appendBoolField(b, 2, v.Closed)
		b = appendBytesField(b, 3, v.Vertices)
		if 0 < len(v.Verbs) {
			verbs := make([]byte, len(v.Verbs))
			for i, verb := range v.Verbs {
				verbs[i] = byte(verb)
			}
			b = appendBytesField(b, 4, verbs)
		}
	case *NestedContainer:
		for _, ref := range v.Children {
			b = protowire.AppendTag(b, 1, protowire.BytesType)
			b = protowire.AppendBytes(b, appendChildRef(nil, ref))
		}
		b = appendBoolField(b, 2, v.Buffered)
		// alpha is written when set, including 0
		if v.Alpha != nil {
			b = protowire.AppendTag(b, 3, protowire.VarintType)
			b = protowire.AppendVarint(b, uint64(*v.Alpha))
		}
	case *ImageReference:
		b = appendBytesField(b, 1, v.Handle)
		b = appendPaintField(b, 2, v.Paint)
	default:
		panic(errUnknownContent(content))
	}
	return b
}

func appendTextRunMetadata(b []byte, run TextRunMetadata) []byte {
	b = appendVarintField(b, 1, uint64(run.ByteLength))
	b = appendVarintField(b, 2, uint64(run.FontFamily))
	b = appendFloatField(b, 3, run.FontSize)
	b = appendFixed32Field(b, 4, run.Color)
	b = appendPointField(b, 5, run.Advance)
	b = appendFloatField(b, 6, run.Baseline)
	return b
}

func appendChildRef(b []byte, ref ChildRef) []byte {
	b = appendVarintField(b, 1, uint64(ref.Id))
	b = appendPointField(b, 2, ref.Placement.Offset)
	b = appendVarintField(b, 3, uint64(ref.Placement.Layer))
	return b
}

func appendPaintField(b []byte, num protowire.Number, paint Paint) []byte {
	if paint == (Paint{}) {
		return b
	}
	var paintBytes []byte
	paintBytes = appendFixed32Field(paintBytes, 1, paint.LineColor)
	paintBytes = appendFixed32Field(paintBytes, 2, paint.FillColor)
	paintBytes = appendFloatField(paintBytes, 3, paint.LineWidth)
	paintBytes = appendVarintField(paintBytes, 4, uint64(paint.Blend))
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, paintBytes)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

func appendFixed32Field(b []byte, num protowire.Number, v uint32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, v)
}

func appendFloatField(b []byte, num protowire.Number, v float32) []byte {
	return appendFixed32Field(b, num, math.Float32bits(v))
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendPointField(b []byte, num protowire.Number, point Point) []byte {
	if point == (Point{}) {
		return b
	}
	pointBytes := make([]byte, 0, pointByteCount)
	pointBytes = protowire.AppendFixed32(pointBytes, math.Float32bits(point.X))
	pointBytes = protowire.AppendFixed32(pointBytes, math.Float32bits(point.Y))
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, pointBytes)
}

func errUnknownContent(content Content) error {
	return fmt.Errorf("Unknown block content: %T", content)
}

// decode

type field struct {
	num protowire.Number
	typ protowire.Type
	// absolute offset of the tag
	offset int
	// absolute offset of the value bytes, for bytes fields
	valueOffset int

	varint  uint64
	fixed32 uint32
	bytes   []byte
}

type decoder struct {
	settings *DecodeSettings
}

func newDecoder(settings *DecodeSettings) *decoder {
	if settings == nil {
		settings = DefaultDecodeSettings()
	}
	return &decoder{
		settings: settings,
	}
}

func (self *decoder) checked() bool {
	return !self.settings.Unchecked
}

// visits each field of the message in `b`. `base` is the absolute offset of `b`.
func (self *decoder) eachField(b []byte, base int, visit func(f *field) error) error {
	for i := 0; i < len(b); {
		num, typ, n := protowire.ConsumeTag(b[i:])
		if n < 0 {
			return NewDecodeError(base+i, "bad tag: %s", protowire.ParseError(n))
		}
		f := &field{
			num:    num,
			typ:    typ,
			offset: base + i,
		}
		i += n
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b[i:])
			if n < 0 {
				return NewDecodeError(base+i, "bad varint: %s", protowire.ParseError(n))
			}
			f.varint = v
			i += n
		case protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b[i:])
			if n < 0 {
				return NewDecodeError(base+i, "bad fixed32: %s", protowire.ParseError(n))
			}
			f.fixed32 = v
			i += n
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b[i:])
			if n < 0 {
				return NewDecodeError(base+i, "bad length: %s", protowire.ParseError(n))
			}
			f.bytes = v
			f.valueOffset = base + i + n - len(v)
			i += n
		default:
			return NewDecodeError(f.offset, "unsupported wire type %d for field %d", typ, num)
		}
		if err := visit(f); err != nil {
			return err
		}
	}
	return nil
}

func (self *decoder) expect(f *field, typ protowire.Type) error {
	if f.typ != typ {
		return NewDecodeError(f.offset, "field %d has wire type %d, expected %d", f.num, f.typ, typ)
	}
	return nil
}

func (self *decoder) unknown(f *field, message string) error {
	if self.checked() {
		return NewDecodeError(f.offset, "unknown field %d in %s", f.num, message)
	}
	return nil
}

func (self *decoder) bool(f *field) (bool, error) {
	if err := self.expect(f, protowire.VarintType); err != nil {
		return false, err
	}
	if self.checked() && 1 < f.varint {
		return false, NewDecodeError(f.offset, "bad bool %d", f.varint)
	}
	return f.varint != 0, nil
}

func (self *decoder) uint(f *field, max uint64) (uint64, error) {
	if err := self.expect(f, protowire.VarintType); err != nil {
		return 0, err
	}
	if max < f.varint {
		return 0, NewDecodeError(f.offset, "value %d out of range", f.varint)
	}
	return f.varint, nil
}

func (self *decoder) float(f *field) (float32, error) {
	if err := self.expect(f, protowire.Fixed32Type); err != nil {
		return 0, err
	}
	return math.Float32frombits(f.fixed32), nil
}

func (self *decoder) point(f *field) (Point, error) {
	if err := self.expect(f, protowire.BytesType); err != nil {
		return Point{}, err
	}
	// structural, always checked
	if len(f.bytes) != pointByteCount {
		return Point{}, NewDecodeError(f.valueOffset, "point must be %d bytes, got %d", pointByteCount, len(f.bytes))
	}
	x, _ := protowire.ConsumeFixed32(f.bytes[0:4])
	y, _ := protowire.ConsumeFixed32(f.bytes[4:8])
	return Point{
		X: math.Float32frombits(x),
		Y: math.Float32frombits(y),
	}, nil
}

func (self *decoder) frame(b []byte, base int) (*Frame, error) {
	frame := &Frame{}
	err := self.eachField(b, base, func(f *field) error {
		switch f.num {
		case frameSequenceNumber:
			v, err := self.uint(f, math.MaxUint64)
			frame.SequenceNumber = v
			return err
		case frameBlock:
			if err := self.expect(f, protowire.BytesType); err != nil {
				return err
			}
			block, err := self.block(f.bytes, f.valueOffset)
			if err != nil {
				return err
			}
			frame.Blocks = append(frame.Blocks, block)
			return nil
		case frameRoot:
			if err := self.expect(f, protowire.BytesType); err != nil {
				return err
			}
			ref, err := self.childRef(f.bytes, f.valueOffset)
			if err != nil {
				return err
			}
			frame.Roots = append(frame.Roots, ref)
			return nil
		case frameEvict:
			if err := self.expect(f, protowire.BytesType); err != nil {
				return err
			}
			for i := 0; i < len(f.bytes); {
				v, n := protowire.ConsumeVarint(f.bytes[i:])
				if n < 0 {
					return NewDecodeError(f.valueOffset+i, "bad evict id: %s", protowire.ParseError(n))
				}
				frame.Evict = append(frame.Evict, BlockId(v))
				i += n
			}
			return nil
		case frameFull:
			v, err := self.bool(f)
			frame.Full = v
			return err
		default:
			return self.unknown(f, "frame")
		}
	})
	if err != nil {
		return nil, err
	}
	if self.checked() {
		if err := self.validateFrame(frame, base); err != nil {
			return nil, err
		}
	}
	return frame, nil
}

func (self *decoder) validateFrame(frame *Frame, base int) error {
	ids := map[BlockId]bool{}
	for _, block := range frame.Blocks {
		if ids[block.Id] {
			return NewDecodeError(base, "block %s appears twice in frame %d", block.Id, frame.SequenceNumber)
		}
		ids[block.Id] = true
	}
	return nil
}

func (self *decoder) block(b []byte, base int) (*Block, error) {
	block := &Block{}
	kind := KindUnknown
	var contentBytes []byte
	contentOffset := base
	err := self.eachField(b, base, func(f *field) error {
		switch f.num {
		case blockId:
			v, err := self.uint(f, math.MaxUint64)
			block.Id = BlockId(v)
			return err
		case blockGeneration:
			v, err := self.uint(f, math.MaxUint64)
			block.Generation = v
			return err
		case blockKind:
			v, err := self.uint(f, math.MaxUint8)
			kind = BlockKind(v)
			return err
		case blockExtent:
			v, err := self.point(f)
			block.Extent = v
			return err
		case blockOrigin:
			v, err := self.point(f)
			block.Origin = v
			return err
		case blockContent:
			if err := self.expect(f, protowire.BytesType); err != nil {
				return err
			}
			contentBytes = f.bytes
			contentOffset = f.valueOffset
			return nil
		default:
			return self.unknown(f, "block")
		}
	})
	if err != nil {
		return nil, err
	}

	// the variant set is closed. An unknown tag is never skipped.
	var content Content
	switch kind {
	case KindShapedTextRun:
		content, err = self.shapedTextRun(contentBytes, contentOffset)
	case KindPolygonShape:
		content, err = self.polygonShape(contentBytes, contentOffset)
	case KindNestedContainer:
		content, err = self.nestedContainer(contentBytes, contentOffset)
	case KindImageReference:
		content, err = self.imageReference(contentBytes, contentOffset)
	default:
		return nil, NewDecodeError(base, "unknown block kind %d for block %s", uint8(kind), block.Id)
	}
	if err != nil {
		return nil, err
	}
	block.Content = content
	return block, nil
}

func (self *decoder) shapedTextRun(b []byte, base int) (*ShapedTextRun, error) {
	text := &ShapedTextRun{}
	err := self.eachField(b, base, func(f *field) error {
		switch f.num {
		case 1:
			if err := self.expect(f, protowire.BytesType); err != nil {
				return err
			}
			text.Text = f.bytes
			return nil
		case 2:
			if err := self.expect(f, protowire.BytesType); err != nil {
				return err
			}
			text.Glyphs = GlyphRun(f.bytes)
			return nil
		case 3:
			if err := self.expect(f, protowire.BytesType); err != nil {
				return err
			}
			run, err := self.textRunMetadata(f.bytes, f.valueOffset)
			if err != nil {
				return err
			}
			text.Runs = append(text.Runs, run)
			return nil
		default:
			return self.unknown(f, "shaped text run")
		}
	})
	if err != nil {
		return nil, err
	}
	if self.checked() {
		if !text.Glyphs.valid() {
			return nil, NewDecodeError(base, "glyph run length %d is not a multiple of %d", len(text.Glyphs), GlyphByteCount)
		}
		if !utf8.Valid(text.Text) {
			return nil, NewDecodeError(base, "text is not valid utf-8")
		}
		if 0 < len(text.Runs) {
			byteCount := 0
			for _, run := range text.Runs {
				byteCount += int(run.ByteLength)
			}
			if byteCount != len(text.Text) {
				return nil, NewDecodeError(base, "text runs cover %d bytes, text has %d", byteCount, len(text.Text))
			}
		}
	}
	return text, nil
}

func (self *decoder) textRunMetadata(b []byte, base int) (TextRunMetadata, error) {
	run := TextRunMetadata{}
	err := self.eachField(b, base, func(f *field) error {
		switch f.num {
		case 1:
			v, err := self.uint(f, math.MaxUint16)
			run.ByteLength = uint16(v)
			return err
		case 2:
			v, err := self.uint(f, math.MaxUint8)
			run.FontFamily = uint8(v)
			return err
		case 3:
			v, err := self.float(f)
			run.FontSize = v
			return err
		case 4:
			if err := self.expect(f, protowire.Fixed32Type); err != nil {
				return err
			}
			run.Color = f.fixed32
			return nil
		case 5:
			v, err := self.point(f)
			run.Advance = v
			return err
		case 6:
			v, err := self.float(f)
			run.Baseline = v
			return err
		default:
			return self.unknown(f, "text run")
		}
	})
	return run, err
}

func (self *decoder) polygonShape(b []byte, base int) (*PolygonShape, error) {
	polygon := &PolygonShape{}
	err := self.eachField(b, base, func(f *field) error {
		switch f.num {
		case 1:
			if err := self.expect(f, protowire.BytesType); err != nil {
				return err
			}
			paint, err := self.paint(f.bytes, f.valueOffset)
			polygon.Paint = paint
			return err
		case 2:
			v, err := self.bool(f)
			polygon.Closed = v
			return err
		case 3:
			if err := self.expect(f, protowire.BytesType); err != nil {
				return err
			}
			polygon.Vertices = VertexBuffer(f.bytes)
			return nil
		case 4:
			if err := self.expect(f, protowire.BytesType); err != nil {
				return err
			}
			// one byte per verb. Verbs are small so they are copied.
			polygon.Verbs = make([]PathVerb, len(f.bytes))
			for i, v := range f.bytes {
				polygon.Verbs[i] = PathVerb(v)
			}
			return nil
		default:
			return self.unknown(f, "polygon")
		}
	})
	if err != nil {
		return nil, err
	}
	if self.checked() {
		if !polygon.Vertices.valid() {
			return nil, NewDecodeError(base, "vertex buffer length %d is not a multiple of %d", len(polygon.Vertices), VertexByteCount)
		}
		if 0 < len(polygon.Verbs) {
			pointCount := pathPointCount(polygon.Verbs)
			if pointCount < 0 {
				return nil, NewDecodeError(base, "unknown path verb")
			}
			if pointCount != polygon.Vertices.Len() {
				return nil, NewDecodeError(base, "path verbs take %d points, vertex buffer has %d", pointCount, polygon.Vertices.Len())
			}
		}
	}
	return polygon, nil
}

func (self *decoder) nestedContainer(b []byte, base int) (*NestedContainer, error) {
	container := &NestedContainer{}
	err := self.eachField(b, base, func(f *field) error {
		switch f.num {
		case 1:
			if err := self.expect(f, protowire.BytesType); err != nil {
				return err
			}
			ref, err := self.childRef(f.bytes, f.valueOffset)
			if err != nil {
				return err
			}
			container.Children = append(container.Children, ref)
			return nil
		case 2:
			v, err := self.bool(f)
			container.Buffered = v
			return err
		case 3:
			v, err := self.uint(f, math.MaxUint8)
			alpha := uint8(v)
			container.Alpha = &alpha
			return err
		default:
			return self.unknown(f, "container")
		}
	})
	if err != nil {
		return nil, err
	}
	return container, nil
}

func (self *decoder) imageReference(b []byte, base int) (*ImageReference, error) {
	image := &ImageReference{}
	err := self.eachField(b, base, func(f *field) error {
		switch f.num {
		case 1:
			if err := self.expect(f, protowire.BytesType); err != nil {
				return err
			}
			image.Handle = f.bytes
			return nil
		case 2:
			if err := self.expect(f, protowire.BytesType); err != nil {
				return err
			}
			paint, err := self.paint(f.bytes, f.valueOffset)
			image.Paint = paint
			return err
		default:
			return self.unknown(f, "image")
		}
	})
	if err != nil {
		return nil, err
	}
	return image, nil
}

func (self *decoder) childRef(b []byte, base int) (ChildRef, error) {
	ref := ChildRef{}
	err := self.eachField(b, base, func(f *field) error {
		switch f.num {
		case 1:
			v, err := self.uint(f, math.MaxUint64)
			ref.Id = BlockId(v)
			return err
		case 2:
			v, err := self.point(f)
			ref.Placement.Offset = v
			return err
		case 3:
			v, err := self.uint(f, math.MaxUint8)
			ref.Placement.Layer = uint8(v)
			return err
		default:
			return self.unknown(f, "child ref")
		}
	})
	return ref, err
}

func (self *decoder) paint(b []byte, base int) (Paint, error) {
	paint := Paint{}
	err := self.eachField(b, base, func(f *field) error {
		switch f.num {
		case 1:
			if err := self.expect(f, protowire.Fixed32Type); err != nil {
				return err
			}
			paint.LineColor = f.fixed32
			return nil
		case 2:
			if err := self.expect(f, protowire.Fixed32Type); err != nil {
				return err
			}
			paint.FillColor = f.fixed32
			return nil
		case 3:
			v, err := self.float(f)
			paint.LineWidth = v
			return err
		case 4:
			v, err := self.uint(f, math.MaxUint8)
			paint.Blend = BlendMode(v)
			if err == nil && self.checked() && BlendScreen < paint.Blend {
				return NewDecodeError(f.offset, "unknown blend mode %d", v)
			}
			return err
		default:
			return self.unknown(f, "paint")
		}
	})
	return paint, err
}
