package producer

import (
	"github.com/bringyour/remoteblock/protocol"
)

// Layout is the block tree the editor lays out for one frame.
type Layout struct {
	Roots []Child
}

// Node is one block in the layout tree.
// A node with nil `Content` is a container of `Children`.
// A node with content is a leaf and has no children.
type Node struct {
	Id      protocol.BlockId
	Extent  protocol.Point
	Origin  protocol.Point
	Content protocol.Content

	Children []Child
	// containers only
	Buffered bool
	Alpha    *uint8
}

type Child struct {
	Node      *Node
	Placement protocol.Placement
}

func NewLeaf(id protocol.BlockId, extent protocol.Point, content protocol.Content) *Node {
	return &Node{
		Id:      id,
		Extent:  extent,
		Content: content,
	}
}

func NewContainer(id protocol.BlockId, extent protocol.Point, children ...Child) *Node {
	return &Node{
		Id:       id,
		Extent:   extent,
		Children: children,
	}
}

// WithAlpha sets the container alpha. 0 hides the container.
func (self *Node) WithAlpha(alpha uint8) *Node {
	self.Alpha = &alpha
	return self
}

func Place(node *Node, x float32, y float32) Child {
	return Child{
		Node: node,
		Placement: protocol.Placement{
			Offset: protocol.Point{X: x, Y: y},
		},
	}
}

func PlaceOnLayer(node *Node, x float32, y float32, layer uint8) Child {
	child := Place(node, x, y)
	child.Placement.Layer = layer
	return child
}

func (self *Child) ref() protocol.ChildRef {
	return protocol.ChildRef{
		Id:        self.Node.Id,
		Placement: self.Placement,
	}
}

// the block for this node, with generation 0
func (self *Node) block() *protocol.Block {
	content := self.Content
	if content == nil {
		children := make([]protocol.ChildRef, 0, len(self.Children))
		for _, child := range self.Children {
			children = append(children, child.ref())
		}
		content = &protocol.NestedContainer{
			Children: children,
			Buffered: self.Buffered,
			Alpha:    self.Alpha,
		}
	}
	return &protocol.Block{
		Id:      self.Id,
		Extent:  self.Extent,
		Origin:  self.Origin,
		Content: content,
	}
}
