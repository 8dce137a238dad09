package main

import (
	"fmt"
	"strings"

	"github.com/bringyour/remoteblock/producer"
	"github.com/bringyour/remoteblock/protocol"
	"github.com/bringyour/remoteblock/session"
)

// demo key codes
const (
	KeyEnd    uint32 = 35
	KeyHome   uint32 = 36
	KeyLeft   uint32 = 37
	KeyUp     uint32 = 38
	KeyRight  uint32 = 39
	KeyDown   uint32 = 40
	KeyDelete uint32 = 46
)

const cursorWidth = 2

type documentLine struct {
	id   protocol.BlockId
	text []rune
}

// DocumentEditor is a plain text buffer laid out one block per visible line,
// with a cursor block and a status line.
// Lines keep their block id while edited, so the producer sends only changed lines.
type DocumentEditor struct {
	ids    session.IdAllocator
	shaper producer.Shaper
	font   producer.Font

	rootId   protocol.BlockId
	cursorId protocol.BlockId
	statusId protocol.BlockId

	lines        []*documentLine
	cursorLine   int
	cursorColumn int
	scrollTop    int

	viewport      protocol.Point
	mousePosition protocol.Point
}

func NewDocumentEditor(
	ids session.IdAllocator,
	shaper producer.Shaper,
	font producer.Font,
	document string,
) *DocumentEditor {
	editor := &DocumentEditor{
		ids:      ids,
		shaper:   shaper,
		font:     font,
		rootId:   ids.AllocateId(),
		cursorId: ids.AllocateId(),
		statusId: ids.AllocateId(),
		viewport: protocol.Point{X: 800, Y: 600},
	}
	for _, text := range strings.Split(document, "\n") {
		editor.lines = append(editor.lines, &documentLine{
			id:   ids.AllocateId(),
			text: []rune(text),
		})
	}
	return editor
}

func (self *DocumentEditor) Text() string {
	texts := make([]string, 0, len(self.lines))
	for _, line := range self.lines {
		texts = append(texts, string(line.text))
	}
	return strings.Join(texts, "\n")
}

func (self *DocumentEditor) lineHeight() float32 {
	return self.shaper.Shape("", self.font).Extent.Y
}

// lines that fit above the status line, at least one
func (self *DocumentEditor) visibleLineCount() int {
	return max(1, int(self.viewport.Y/self.lineHeight())-1)
}

func (self *DocumentEditor) Layout() (*producer.Layout, error) {
	lineHeight := self.lineHeight()
	visibleLineCount := self.visibleLineCount()

	if self.cursorLine < self.scrollTop {
		self.scrollTop = self.cursorLine
	} else if self.scrollTop+visibleLineCount <= self.cursorLine {
		self.scrollTop = self.cursorLine - visibleLineCount + 1
	}

	children := []producer.Child{}
	end := min(len(self.lines), self.scrollTop+visibleLineCount)
	for i := self.scrollTop; i < end; i += 1 {
		line := self.lines[i]
		shaped := self.shaper.Shape(string(line.text), self.font)
		y := float32(i-self.scrollTop) * lineHeight
		children = append(children, producer.Place(
			producer.NewLeaf(line.id, shaped.Extent, shaped.Content),
			0,
			y,
		))

		if i == self.cursorLine {
			x := shaped.Extent.X
			if self.cursorColumn < shaped.Content.Glyphs.Len() {
				x = shaped.Content.Glyphs.At(self.cursorColumn).X
			}
			children = append(children, producer.PlaceOnLayer(self.cursor(lineHeight), x, y, 1))
		}
	}

	status := self.shaper.Shape(
		fmt.Sprintf("ln %d, col %d | %d lines", self.cursorLine+1, self.cursorColumn+1, len(self.lines)),
		self.font,
	)
	children = append(children, producer.PlaceOnLayer(
		producer.NewLeaf(self.statusId, status.Extent, status.Content),
		0,
		float32(visibleLineCount)*lineHeight,
		2,
	))

	root := producer.NewContainer(self.rootId, self.viewport, children...)
	return &producer.Layout{
		Roots: []producer.Child{producer.Place(root, 0, 0)},
	}, nil
}

func (self *DocumentEditor) cursor(lineHeight float32) *producer.Node {
	return producer.NewLeaf(
		self.cursorId,
		protocol.Point{X: cursorWidth, Y: lineHeight},
		&protocol.PolygonShape{
			Paint: protocol.Paint{
				FillColor: self.font.Color,
				Blend:     protocol.BlendSrcOver,
			},
			Closed: true,
			Vertices: protocol.NewVertexBuffer(
				protocol.Point{X: 0, Y: 0},
				protocol.Point{X: cursorWidth, Y: 0},
				protocol.Point{X: cursorWidth, Y: lineHeight},
				protocol.Point{X: 0, Y: lineHeight},
			),
		},
	)
}

func (self *DocumentEditor) Input(input *protocol.Input) bool {
	switch v := input.Event.(type) {
	case *protocol.ResizeEvent:
		viewport := protocol.Point{X: float32(v.Width), Y: float32(v.Height)}
		if 0 < v.ScaleFactor {
			viewport.X /= v.ScaleFactor
			viewport.Y /= v.ScaleFactor
		}
		if viewport == self.viewport {
			return false
		}
		self.viewport = viewport
		return true
	case *protocol.CharEvent:
		return self.char(v.Char)
	case *protocol.KeyEvent:
		if !v.Pressed {
			return false
		}
		return self.key(v.KeyCode)
	case *protocol.ClipboardEvent:
		changed := false
		for _, r := range v.Text {
			if self.char(r) {
				changed = true
			}
		}
		return changed
	case *protocol.CursorMovedEvent:
		self.mousePosition = v.Position
		return false
	case *protocol.MouseButtonEvent:
		if !v.Pressed {
			return false
		}
		return self.click()
	default:
		return false
	}
}

func (self *DocumentEditor) char(r rune) bool {
	line := self.lines[self.cursorLine]
	switch {
	case r == '\n' || r == '\r':
		tail := append([]rune{}, line.text[self.cursorColumn:]...)
		line.text = line.text[:self.cursorColumn]
		next := &documentLine{
			id:   self.ids.AllocateId(),
			text: tail,
		}
		self.lines = append(self.lines[:self.cursorLine+1], append([]*documentLine{next}, self.lines[self.cursorLine+1:]...)...)
		self.cursorLine += 1
		self.cursorColumn = 0
		return true
	case r == '\b' || r == 0x7f:
		if 0 < self.cursorColumn {
			line.text = append(line.text[:self.cursorColumn-1], line.text[self.cursorColumn:]...)
			self.cursorColumn -= 1
			return true
		}
		if 0 < self.cursorLine {
			previous := self.lines[self.cursorLine-1]
			self.cursorColumn = len(previous.text)
			previous.text = append(previous.text, line.text...)
			self.lines = append(self.lines[:self.cursorLine], self.lines[self.cursorLine+1:]...)
			self.cursorLine -= 1
			return true
		}
		return false
	case r == '\t' || 0x20 <= r:
		text := make([]rune, 0, len(line.text)+1)
		text = append(text, line.text[:self.cursorColumn]...)
		text = append(text, r)
		text = append(text, line.text[self.cursorColumn:]...)
		line.text = text
		self.cursorColumn += 1
		return true
	default:
		return false
	}
}

func (self *DocumentEditor) key(keyCode uint32) bool {
	line := self.lines[self.cursorLine]
	switch keyCode {
	case KeyLeft:
		if 0 < self.cursorColumn {
			self.cursorColumn -= 1
			return true
		}
		if 0 < self.cursorLine {
			self.cursorLine -= 1
			self.cursorColumn = len(self.lines[self.cursorLine].text)
			return true
		}
	case KeyRight:
		if self.cursorColumn < len(line.text) {
			self.cursorColumn += 1
			return true
		}
		if self.cursorLine+1 < len(self.lines) {
			self.cursorLine += 1
			self.cursorColumn = 0
			return true
		}
	case KeyUp:
		if 0 < self.cursorLine {
			self.cursorLine -= 1
			self.cursorColumn = min(self.cursorColumn, len(self.lines[self.cursorLine].text))
			return true
		}
	case KeyDown:
		if self.cursorLine+1 < len(self.lines) {
			self.cursorLine += 1
			self.cursorColumn = min(self.cursorColumn, len(self.lines[self.cursorLine].text))
			return true
		}
	case KeyHome:
		if self.cursorColumn != 0 {
			self.cursorColumn = 0
			return true
		}
	case KeyEnd:
		if self.cursorColumn != len(line.text) {
			self.cursorColumn = len(line.text)
			return true
		}
	case KeyDelete:
		if self.cursorColumn < len(line.text) {
			line.text = append(line.text[:self.cursorColumn], line.text[self.cursorColumn+1:]...)
			return true
		}
		if self.cursorLine+1 < len(self.lines) {
			next := self.lines[self.cursorLine+1]
			line.text = append(line.text, next.text...)
			self.lines = append(self.lines[:self.cursorLine+1], self.lines[self.cursorLine+2:]...)
			return true
		}
	}
	return false
}

// moves the cursor to the mouse position
func (self *DocumentEditor) click() bool {
	lineHeight := self.lineHeight()
	lineIndex := self.scrollTop + int(self.mousePosition.Y/lineHeight)
	if lineIndex < 0 || len(self.lines) <= lineIndex {
		return false
	}
	shaped := self.shaper.Shape(string(self.lines[lineIndex].text), self.font)
	column := shaped.Content.Glyphs.Len()
	for i := 0; i < shaped.Content.Glyphs.Len(); i += 1 {
		if self.mousePosition.X < shaped.Content.Glyphs.At(i).X {
			column = max(0, i-1)
			break
		}
	}
	if lineIndex == self.cursorLine && column == self.cursorColumn {
		return false
	}
	self.cursorLine = lineIndex
	self.cursorColumn = column
	return true
}
