package protocol

import (
	"errors"
	"testing"
	"unsafe"

	"github.com/go-playground/assert/v2"
	"google.golang.org/protobuf/encoding/protowire"
)

func testFrame() *Frame {
	text := []byte("hello world")
	return &Frame{
		SequenceNumber: 7,
		Blocks: []*Block{
			&Block{
				Id:         1,
				Generation: 2,
				Extent:     Point{X: 80, Y: 16},
				Content: &ShapedTextRun{
					Text: text,
					Glyphs: NewGlyphRun(
						Glyph{Glyph: 72, X: 0, Y: 12},
						Glyph{Glyph: 101, X: 8, Y: 12},
					),
					Runs: []TextRunMetadata{
						{
							ByteLength: uint16(len(text)),
							FontFamily: 1,
							FontSize:   14,
							Color:      0xffffffff,
							Advance:    Point{X: 88, Y: 0},
							Baseline:   12,
						},
					},
				},
			},
			&Block{
				Id:     2,
				Extent: Point{X: 10, Y: 10},
				Origin: Point{X: -1, Y: -1},
				Content: &PolygonShape{
					Paint: Paint{
						FillColor: 0xff0000ff,
						LineWidth: 1.5,
						Blend:     BlendMultiply,
					},
					Closed:   true,
					Vertices: NewVertexBuffer(Point{0, 0}, Point{10, 0}, Point{10, 10}),
				},
			},
			&Block{
				Id: 3,
				Content: &ImageReference{
					Handle: []byte{1, 2, 3, 4},
				},
			},
			&Block{
				Id:     4,
				Extent: Point{X: 100, Y: 100},
				Content: &NestedContainer{
					Children: []ChildRef{
						{Id: 1, Placement: Placement{Offset: Point{X: 0, Y: 0}}},
						{Id: 2, Placement: Placement{Offset: Point{X: 5, Y: 20}, Layer: 1}},
						{Id: 3, Placement: Placement{Offset: Point{X: 50, Y: 50}, Layer: 2}},
					},
					Buffered: true,
				},
			},
		},
		Roots: []ChildRef{
			{Id: 4},
		},
		Evict: []BlockId{9, 10, 300},
	}
}

func TestFrameRoundTrip(t *testing.T) {
	frame := testFrame()

	b, err := EncodeFrame(frame)
	assert.Equal(t, err, nil)

	decoded, err := DecodeFrame(b, DefaultDecodeSettings())
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded, frame)

	// deterministic
	b2, err := EncodeFrame(decoded)
	assert.Equal(t, err, nil)
	assert.Equal(t, b2, b)

	unchecked, err := DecodeFrame(b, &DecodeSettings{Unchecked: true})
	assert.Equal(t, err, nil)
	assert.Equal(t, unchecked, frame)
}

func TestFullFrameRoundTrip(t *testing.T) {
	frame := &Frame{
		SequenceNumber: 1,
		Full:           true,
	}
	b := RequireEncodeFrame(frame)
	decoded, err := DecodeFrame(b, nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded.Full, true)
	assert.Equal(t, decoded.SequenceNumber, uint64(1))
	assert.Equal(t, len(decoded.Blocks), 0)
}

func TestRoundTripEmptySlices(t *testing.T) {
	frame := &Frame{
		SequenceNumber: 2,
		Blocks: []*Block{
			{
				Id:      1,
				Content: &ShapedTextRun{Text: []byte{}},
			},
		},
		Roots: []ChildRef{},
		Evict: []BlockId{},
	}
	b := RequireEncodeFrame(frame)
	decoded, err := DecodeFrame(b, DefaultDecodeSettings())
	assert.Equal(t, err, nil)

	// empty slices are not written and come back nil
	assert.Equal(t, decoded.Roots == nil, true)
	assert.Equal(t, decoded.Evict == nil, true)
	assert.Equal(t, decoded.Blocks[0].Content.(*ShapedTextRun).Text == nil, true)

	// the nil form is the same frame on the wire
	assert.Equal(t, RequireEncodeFrame(decoded), b)
	assert.Equal(t, RequireEncodeFrame(&Frame{
		SequenceNumber: 2,
		Blocks: []*Block{
			{
				Id:      1,
				Content: &ShapedTextRun{},
			},
		},
	}), b)
}

func TestDecodeZeroCopy(t *testing.T) {
	frame := testFrame()
	b := RequireEncodeFrame(frame)

	decoded, err := DecodeFrame(b, nil)
	assert.Equal(t, err, nil)

	within := func(v []byte) bool {
		if len(v) == 0 {
			return false
		}
		start := uintptr(unsafe.Pointer(unsafe.SliceData(b)))
		p := uintptr(unsafe.Pointer(unsafe.SliceData(v)))
		return start <= p && p+uintptr(len(v)) <= start+uintptr(len(b))
	}

	text := decoded.Blocks[0].Content.(*ShapedTextRun)
	assert.Equal(t, within(text.Text), true)
	assert.Equal(t, within(text.Glyphs), true)
	assert.Equal(t, text.Glyphs.Len(), 2)
	assert.Equal(t, text.Glyphs.At(1), Glyph{Glyph: 101, X: 8, Y: 12})

	polygon := decoded.Blocks[1].Content.(*PolygonShape)
	assert.Equal(t, within(polygon.Vertices), true)
	assert.Equal(t, polygon.Vertices.At(2), Point{10, 10})

	image := decoded.Blocks[2].Content.(*ImageReference)
	assert.Equal(t, within(image.Handle), true)
}

func encodeRawBlock(kind uint64, content []byte) []byte {
	var block []byte
	block = protowire.AppendTag(block, blockId, protowire.VarintType)
	block = protowire.AppendVarint(block, 5)
	block = protowire.AppendTag(block, blockKind, protowire.VarintType)
	block = protowire.AppendVarint(block, kind)
	block = protowire.AppendTag(block, blockContent, protowire.BytesType)
	block = protowire.AppendBytes(block, content)

	var b []byte
	b = protowire.AppendTag(b, frameSequenceNumber, protowire.VarintType)
	b = protowire.AppendVarint(b, 1)
	b = protowire.AppendTag(b, frameBlock, protowire.BytesType)
	b = protowire.AppendBytes(b, block)
	return b
}

func TestDecodeUnknownKind(t *testing.T) {
	b := encodeRawBlock(99, nil)

	for _, settings := range []*DecodeSettings{
		DefaultDecodeSettings(),
		&DecodeSettings{Unchecked: true},
	} {
		_, err := DecodeFrame(b, settings)
		var decodeErr *DecodeError
		assert.Equal(t, errors.As(err, &decodeErr), true)
	}
}

func TestDecodeBadStride(t *testing.T) {
	var content []byte
	content = protowire.AppendTag(content, 3, protowire.BytesType)
	// 1.5 vertices
	content = protowire.AppendBytes(content, make([]byte, 12))
	b := encodeRawBlock(uint64(KindPolygonShape), content)

	_, err := DecodeFrame(b, nil)
	var decodeErr *DecodeError
	assert.Equal(t, errors.As(err, &decodeErr), true)

	// the unchecked path trusts the peer
	frame, err := DecodeFrame(b, &DecodeSettings{Unchecked: true})
	assert.Equal(t, err, nil)
	assert.Equal(t, len(frame.Blocks), 1)
}

func TestDecodeKindPayloadMismatch(t *testing.T) {
	// polygon payload with a text kind. Field 2 of a text run is bytes, polygon field 2 is a bool.
	var content []byte
	content = protowire.AppendTag(content, 2, protowire.VarintType)
	content = protowire.AppendVarint(content, 1)
	b := encodeRawBlock(uint64(KindShapedTextRun), content)

	_, err := DecodeFrame(b, nil)
	var decodeErr *DecodeError
	assert.Equal(t, errors.As(err, &decodeErr), true)
}

func TestDecodeTextRunLength(t *testing.T) {
	frame := &Frame{
		SequenceNumber: 1,
		Blocks: []*Block{
			&Block{
				Id: 1,
				Content: &ShapedTextRun{
					Text: []byte("abc"),
					Runs: []TextRunMetadata{{ByteLength: 2}},
				},
			},
		},
	}
	b := RequireEncodeFrame(frame)
	_, err := DecodeFrame(b, nil)
	var decodeErr *DecodeError
	assert.Equal(t, errors.As(err, &decodeErr), true)
}

func TestDecodeUnknownField(t *testing.T) {
	b := RequireEncodeFrame(&Frame{SequenceNumber: 3})
	b = protowire.AppendTag(b, 40, protowire.VarintType)
	b = protowire.AppendVarint(b, 1)

	_, err := DecodeFrame(b, nil)
	var decodeErr *DecodeError
	assert.Equal(t, errors.As(err, &decodeErr), true)

	frame, err := DecodeFrame(b, &DecodeSettings{Unchecked: true})
	assert.Equal(t, err, nil)
	assert.Equal(t, frame.SequenceNumber, uint64(3))
}

func TestDecodeTruncated(t *testing.T) {
	b := RequireEncodeFrame(testFrame())
	for _, n := range []int{1, 3, len(b) - 1} {
		_, err := DecodeFrame(b[:n], &DecodeSettings{Unchecked: true})
		var decodeErr *DecodeError
		assert.Equal(t, errors.As(err, &decodeErr), true)
	}
}

func TestDecodeDuplicateBlock(t *testing.T) {
	frame := &Frame{
		SequenceNumber: 1,
		Blocks: []*Block{
			&Block{Id: 1, Content: &ImageReference{Handle: []byte{1}}},
			&Block{Id: 1, Content: &ImageReference{Handle: []byte{2}}},
		},
	}
	_, err := DecodeFrame(RequireEncodeFrame(frame), nil)
	var decodeErr *DecodeError
	assert.Equal(t, errors.As(err, &decodeErr), true)
}

func TestEncodeNoContent(t *testing.T) {
	_, err := EncodeFrame(&Frame{
		Blocks: []*Block{&Block{Id: 1}},
	})
	assert.NotEqual(t, err, nil)
}

func TestMessageRoundTrip(t *testing.T) {
	messages := []Message{
		testFrame(),
		&Ack{SequenceNumber: 12},
		&ResyncRequest{LastSequenceNumber: 4, Reason: "missing block b9"},
		&Input{TimeMillis: 1000, Event: &ResizeEvent{Width: 1920, Height: 1080, ScaleFactor: 2}},
		&Input{TimeMillis: 1001, Event: &KeyEvent{KeyCode: 36, Pressed: true, Modifiers: ModifierShift | ModifierControl}},
		&Input{TimeMillis: 1002, Event: &CharEvent{Char: 'é'}},
		&Input{TimeMillis: 1003, Event: &MouseButtonEvent{Button: 1, Pressed: true}},
		&Input{TimeMillis: 1004, Event: &CursorMovedEvent{Position: Point{X: 12.5, Y: 3}}},
		&Input{TimeMillis: 1005, Event: &ClipboardEvent{Text: "pasted"}},
	}
	for _, message := range messages {
		b, err := EncodeMessage(message)
		assert.Equal(t, err, nil)
		decoded, err := DecodeMessage(b, DefaultDecodeSettings())
		assert.Equal(t, err, nil)
		assert.Equal(t, decoded, message)
	}
}

func TestEnvelope(t *testing.T) {
	envelope := RequireToEnvelope(&Ack{SequenceNumber: 3})
	assert.Equal(t, envelope.MessageType, MessageTypeAck)

	message, err := FromEnvelope(envelope, nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, message, &Ack{SequenceNumber: 3})

	_, err = FromEnvelope(&Envelope{MessageType: 77}, nil)
	var decodeErr *DecodeError
	assert.Equal(t, errors.As(err, &decodeErr), true)
}

func TestDecodeUnknownInputKind(t *testing.T) {
	var input []byte
	input = protowire.AppendTag(input, 2, protowire.VarintType)
	input = protowire.AppendVarint(input, 40)
	_, err := FromEnvelope(&Envelope{MessageType: MessageTypeInput, MessageBytes: input}, nil)
	var decodeErr *DecodeError
	assert.Equal(t, errors.As(err, &decodeErr), true)
}

func TestPathRoundTrip(t *testing.T) {
	opaque := uint8(255)
	hidden := uint8(0)
	frame := &Frame{
		SequenceNumber: 1,
		Full:           true,
		Blocks: []*Block{
			{
				Id: 1,
				Content: &PolygonShape{
					Vertices: NewVertexBuffer(
						Point{X: 0, Y: 0},
						Point{X: 10, Y: 0},
						Point{X: 10, Y: 10},
						Point{X: 0, Y: 10},
					),
					Verbs: []PathVerb{PathMove, PathLine, PathQuad, PathClose},
				},
			},
			{
				Id:      2,
				Content: &NestedContainer{Children: []ChildRef{{Id: 1}}, Alpha: &hidden},
			},
			{
				Id:      3,
				Content: &NestedContainer{Children: []ChildRef{{Id: 2}}, Buffered: true, Alpha: &opaque},
			},
		},
		Roots: []ChildRef{{Id: 3}},
	}
	decoded, err := DecodeFrame(RequireEncodeFrame(frame), nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded, frame)

	container := decoded.Blocks[1].Content.(*NestedContainer)
	assert.Equal(t, container.Hidden(), true)
	assert.Equal(t, decoded.Blocks[2].Content.(*NestedContainer).Hidden(), false)

	// alpha is part of the content
	assert.NotEqual(t, Fingerprint(frame.Blocks[1]), Fingerprint(&Block{
		Id:      2,
		Content: &NestedContainer{Children: []ChildRef{{Id: 1}}},
	}))

	verbs := []PathVerb{}
	pointCounts := []int{}
	decoded.Blocks[0].Content.(*PolygonShape).Segments(func(verb PathVerb, points []Point) {
		verbs = append(verbs, verb)
		pointCounts = append(pointCounts, len(points))
	})
	assert.Equal(t, verbs, []PathVerb{PathMove, PathLine, PathQuad, PathClose})
	assert.Equal(t, pointCounts, []int{1, 1, 2, 0})
}

func TestPolygonSegments(t *testing.T) {
	polygon := &PolygonShape{
		Closed:   true,
		Vertices: NewVertexBuffer(Point{X: 0, Y: 0}, Point{X: 1, Y: 0}, Point{X: 1, Y: 1}),
	}
	verbs := []PathVerb{}
	polygon.Segments(func(verb PathVerb, points []Point) {
		verbs = append(verbs, verb)
	})
	assert.Equal(t, verbs, []PathVerb{PathMove, PathLine, PathLine, PathClose})
}

func TestDecodeBadPath(t *testing.T) {
	// a cubic needs three points
	b := RequireEncodeFrame(&Frame{
		SequenceNumber: 1,
		Blocks: []*Block{
			{
				Id: 1,
				Content: &PolygonShape{
					Vertices: NewVertexBuffer(Point{}, Point{}),
					Verbs:    []PathVerb{PathMove, PathCubic},
				},
			},
		},
	})
	_, err := DecodeFrame(b, nil)
	var decodeErr *DecodeError
	assert.Equal(t, errors.As(err, &decodeErr), true)

	b = RequireEncodeFrame(&Frame{
		SequenceNumber: 1,
		Blocks: []*Block{
			{
				Id: 1,
				Content: &PolygonShape{
					Vertices: NewVertexBuffer(Point{}),
					Verbs:    []PathVerb{PathVerb(9)},
				},
			},
		},
	})
	_, err = DecodeFrame(b, nil)
	assert.Equal(t, errors.As(err, &decodeErr), true)

	_, err = DecodeFrame(b, &DecodeSettings{Unchecked: true})
	assert.Equal(t, err, nil)
}
