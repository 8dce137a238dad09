package protocol

const MaxResolveDepth = 64

type BlockSource interface {
	Block(id BlockId) (*Block, bool)
}

type BlockMap map[BlockId]*Block

func NewBlockMap(blocks ...*Block) BlockMap {
	blockMap := BlockMap{}
	for _, block := range blocks {
		blockMap[block.Id] = block
	}
	return blockMap
}

func (self BlockMap) Block(id BlockId) (*Block, bool) {
	block, ok := self[id]
	return block, ok
}

// blocks in `Top` shadow blocks in `Base`
type OverlaySource struct {
	Top  BlockSource
	Base BlockSource
}

func (self OverlaySource) Block(id BlockId) (*Block, bool) {
	if block, ok := self.Top.Block(id); ok {
		return block, true
	}
	if self.Base == nil {
		return nil, false
	}
	return self.Base.Block(id)
}

// ResolvedBlock is a read-only view of a block placed in the surface.
// Views are valid for the frame they were resolved for.
type ResolvedBlock struct {
	Block     *Block
	Placement Placement
	// content position in surface coordinates
	Position Point
	Children []*ResolvedBlock
}

func (self *ResolvedBlock) Id() BlockId {
	return self.Block.Id
}

// depth first, parents before children. Return false to skip the children.
func (self *ResolvedBlock) Walk(visit func(*ResolvedBlock) bool) {
	if !visit(self) {
		return
	}
	for _, child := range self.Children {
		child.Walk(visit)
	}
}

// Resolve expands a reference into concrete blocks, recursively.
// Either the full subtree resolves or an error is returned:
// `*MissingBlockError` for an unresolved reference,
// `*ProtocolInvariantViolation` for a cycle or a tree deeper than `MaxResolveDepth`.
func Resolve(ref ChildRef, source BlockSource) (*ResolvedBlock, error) {
	r := &resolver{
		source: source,
		path:   map[BlockId]bool{},
	}
	return r.resolve(ref, Point{}, nil, 0)
}

func ResolveRoots(roots []ChildRef, source BlockSource) ([]*ResolvedBlock, error) {
	resolvedRoots := make([]*ResolvedBlock, 0, len(roots))
	for _, ref := range roots {
		resolved, err := Resolve(ref, source)
		if err != nil {
			return nil, err
		}
		resolvedRoots = append(resolvedRoots, resolved)
	}
	return resolvedRoots, nil
}

type resolver struct {
	source BlockSource
	// ids on the current path from the root
	path map[BlockId]bool
}

func (self *resolver) resolve(ref ChildRef, parentPosition Point, parentId *BlockId, depth int) (*ResolvedBlock, error) {
	if MaxResolveDepth <= depth {
		return nil, NewProtocolInvariantViolation(
			ViolationReferenceCycle,
			[]BlockId{ref.Id},
			"reference tree deeper than %d at %s",
			MaxResolveDepth,
			ref.Id,
		)
	}
	if self.path[ref.Id] {
		return nil, NewProtocolInvariantViolation(
			ViolationReferenceCycle,
			[]BlockId{ref.Id},
			"block %s references itself",
			ref.Id,
		)
	}

	block, ok := self.source.Block(ref.Id)
	if !ok {
		return nil, &MissingBlockError{
			Id:       ref.Id,
			ParentId: parentId,
		}
	}

	resolved := &ResolvedBlock{
		Block:     block,
		Placement: ref.Placement,
		Position:  parentPosition.Add(ref.Placement.Offset).Add(block.Origin),
	}

	switch v := block.Content.(type) {
	case *NestedContainer:
		if 0 < len(v.Children) {
			self.path[ref.Id] = true
			defer delete(self.path, ref.Id)

			id := block.Id
			resolved.Children = make([]*ResolvedBlock, 0, len(v.Children))
			for _, childRef := range v.Children {
				child, err := self.resolve(childRef, resolved.Position, &id, depth+1)
				if err != nil {
					return nil, err
				}
				resolved.Children = append(resolved.Children, child)
			}
		}
	case *ShapedTextRun, *PolygonShape, *ImageReference:
		// leaf
	default:
		panic(errUnknownContent(block.Content))
	}

	return resolved, nil
}
