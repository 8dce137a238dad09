package protocol

import (
	"fmt"
)

// comparable
type BlockId uint64

func (self BlockId) String() string {
	return fmt.Sprintf("b%d", uint64(self))
}

type Generation = uint64

type BlockKind uint8

const (
	KindUnknown         BlockKind = 0
	KindShapedTextRun   BlockKind = 1
	KindPolygonShape    BlockKind = 2
	KindNestedContainer BlockKind = 3
	KindImageReference  BlockKind = 4
)

func (self BlockKind) String() string {
	switch self {
	case KindShapedTextRun:
		return "ShapedTextRun"
	case KindPolygonShape:
		return "PolygonShape"
	case KindNestedContainer:
		return "NestedContainer"
	case KindImageReference:
		return "ImageReference"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(self))
	}
}

type Point struct {
	X float32
	Y float32
}

func (self Point) Add(other Point) Point {
	return Point{
		X: self.X + other.X,
		Y: self.Y + other.Y,
	}
}

// where a referenced block is drawn inside its parent.
// Layer is the draw order, 0 is drawn first. Blocks on the same layer can be drawn in any order.
type Placement struct {
	Offset Point
	Layer  uint8
}

type ChildRef struct {
	Id        BlockId
	Placement Placement
}

type BlendMode uint8

const (
	BlendSrcOver  BlendMode = 0
	BlendSrc      BlendMode = 1
	BlendDst      BlendMode = 2
	BlendClear    BlendMode = 3
	BlendMultiply BlendMode = 4
	BlendScreen   BlendMode = 5
)

type Paint struct {
	LineColor uint32
	FillColor uint32
	LineWidth float32
	Blend     BlendMode
}

// Block is the unit of renderable content.
// A block id denotes the same logical entity until it is evicted.
// Content changes under a reused id always come with a generation bump.
type Block struct {
	Id         BlockId
	Generation Generation
	Extent     Point
	// offset of the content relative to the placement given by the parent
	Origin  Point
	Content Content
}

func (self *Block) Kind() BlockKind {
	if self.Content == nil {
		return KindUnknown
	}
	return self.Content.Kind()
}

// children of a container, nil for all other kinds
func (self *Block) Children() []ChildRef {
	if container, ok := self.Content.(*NestedContainer); ok {
		return container.Children
	}
	return nil
}

func (self *Block) String() string {
	return fmt.Sprintf("%s(%s,gen=%d)", self.Id, self.Kind(), self.Generation)
}

// Content is the closed set of block variants.
// The set is sealed by the unexported marker method; every switch over content
// lists all four variants and treats anything else as a programming error.
type Content interface {
	Kind() BlockKind
	isContent()
}

type ShapedTextRun struct {
	// utf-8 text the glyphs were shaped from
	Text   []byte
	Glyphs GlyphRun
	Runs   []TextRunMetadata
}

// shaping metrics for a contiguous byte range of `ShapedTextRun.Text`
type TextRunMetadata struct {
	ByteLength uint16
	FontFamily uint8
	FontSize   float32
	Color      uint32
	Advance    Point
	Baseline   float32
}

type PathVerb uint8

const (
	PathMove  PathVerb = 1
	PathLine  PathVerb = 2
	PathQuad  PathVerb = 3
	PathConic PathVerb = 4
	PathCubic PathVerb = 5
	PathClose PathVerb = 6
)

// PointCount is the number of vertices the verb consumes.
// A conic takes the control point, the end point and the weight as the x of a third point.
// Returns -1 for an unknown verb.
func (self PathVerb) PointCount() int {
	switch self {
	case PathMove, PathLine:
		return 1
	case PathQuad:
		return 2
	case PathConic, PathCubic:
		return 3
	case PathClose:
		return 0
	default:
		return -1
	}
}

func (self PathVerb) String() string {
	switch self {
	case PathMove:
		return "move"
	case PathLine:
		return "line"
	case PathQuad:
		return "quad"
	case PathConic:
		return "conic"
	case PathCubic:
		return "cubic"
	case PathClose:
		return "close"
	default:
		return fmt.Sprintf("verb(%d)", uint8(self))
	}
}

// PolygonShape is a polygon, or a path when `Verbs` is set.
// Without verbs the vertices are joined in order and `Closed` joins the last to the first.
// With verbs each verb consumes its points from the vertices in order.
type PolygonShape struct {
	Paint    Paint
	Closed   bool
	Vertices VertexBuffer
	Verbs    []PathVerb
}

// pathPointCount is the number of vertices the verbs consume, or -1 if a verb is unknown
func pathPointCount(verbs []PathVerb) int {
	n := 0
	for _, verb := range verbs {
		c := verb.PointCount()
		if c < 0 {
			return -1
		}
		n += c
	}
	return n
}

// Segments visits each path element with its points.
// A polygon without verbs is visited as a move followed by lines.
func (self *PolygonShape) Segments(visit func(verb PathVerb, points []Point)) {
	if len(self.Verbs) == 0 {
		for i := 0; i < self.Vertices.Len(); i += 1 {
			verb := PathLine
			if i == 0 {
				verb = PathMove
			}
			visit(verb, []Point{self.Vertices.At(i)})
		}
		if self.Closed && 0 < self.Vertices.Len() {
			visit(PathClose, nil)
		}
		return
	}
	i := 0
	for _, verb := range self.Verbs {
		c := verb.PointCount()
		if c < 0 || self.Vertices.Len() < i+c {
			return
		}
		points := make([]Point, c)
		for j := range points {
			points[j] = self.Vertices.At(i + j)
		}
		visit(verb, points)
		i += c
	}
}

type NestedContainer struct {
	Children []ChildRef
	// render children into an offscreen buffer
	Buffered bool
	// nil is opaque. 0 hides the container with its children.
	// Other values apply to buffered containers only.
	Alpha *uint8
}

// Hidden reports an alpha of 0. Hidden subtrees are resolved but not drawn.
func (self *NestedContainer) Hidden() bool {
	return self.Alpha != nil && *self.Alpha == 0
}

type ImageReference struct {
	// opaque to the protocol
	Handle []byte
	Paint  Paint
}

func (self *ShapedTextRun) Kind() BlockKind   { return KindShapedTextRun }
func (self *PolygonShape) Kind() BlockKind    { return KindPolygonShape }
func (self *NestedContainer) Kind() BlockKind { return KindNestedContainer }
func (self *ImageReference) Kind() BlockKind  { return KindImageReference }

func (self *ShapedTextRun) isContent()   {}
func (self *PolygonShape) isContent()    {}
func (self *NestedContainer) isContent() {}
func (self *ImageReference) isContent()  {}

// BlockSnapshot is what the server believes the client holds for one id.
type BlockSnapshot struct {
	Id          BlockId
	Generation  Generation
	Fingerprint uint64
}

// Frame is one server to client transmission.
type Frame struct {
	SequenceNumber uint64
	// new or updated blocks
	Blocks []*Block
	// the current displayable surface
	Roots []ChildRef
	Evict []BlockId
	// the client must drop all state not contained in this frame
	Full bool
}

// ids of all blocks carried in the frame
func (self *Frame) BlockIds() []BlockId {
	ids := make([]BlockId, 0, len(self.Blocks))
	for _, block := range self.Blocks {
		ids = append(ids, block.Id)
	}
	return ids
}
