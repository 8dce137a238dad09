package protocol

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

type InputKind uint8

const (
	InputKindResize      InputKind = 1
	InputKindKey         InputKind = 2
	InputKindChar        InputKind = 3
	InputKindMouseButton InputKind = 4
	InputKindCursorMoved InputKind = 5
	InputKindClipboard   InputKind = 6
)

func (self InputKind) String() string {
	switch self {
	case InputKindResize:
		return "resize"
	case InputKindKey:
		return "key"
	case InputKindChar:
		return "char"
	case InputKindMouseButton:
		return "mouse_button"
	case InputKindCursorMoved:
		return "cursor_moved"
	case InputKindClipboard:
		return "clipboard"
	default:
		return fmt.Sprintf("input(%d)", uint8(self))
	}
}

type InputEvent interface {
	InputKind() InputKind
	isInputEvent()
}

// the viewport in physical pixels
type ResizeEvent struct {
	Width       uint32
	Height      uint32
	ScaleFactor float32
}

type Modifiers uint32

const (
	ModifierShift   Modifiers = 1 << 0
	ModifierControl Modifiers = 1 << 1
	ModifierAlt     Modifiers = 1 << 2
	ModifierLogo    Modifiers = 1 << 3
)

type KeyEvent struct {
	KeyCode   uint32
	Pressed   bool
	Modifiers Modifiers
	Synthetic bool
}

type CharEvent struct {
	Char rune
}

type MouseButtonEvent struct {
	Button  uint32
	Pressed bool
}

type CursorMovedEvent struct {
	Position Point
}

type ClipboardEvent struct {
	Text string
}

func (self *ResizeEvent) InputKind() InputKind      { return InputKindResize }
func (self *KeyEvent) InputKind() InputKind         { return InputKindKey }
func (self *CharEvent) InputKind() InputKind        { return InputKindChar }
func (self *MouseButtonEvent) InputKind() InputKind { return InputKindMouseButton }
func (self *CursorMovedEvent) InputKind() InputKind { return InputKindCursorMoved }
func (self *ClipboardEvent) InputKind() InputKind   { return InputKindClipboard }

func (self *ResizeEvent) isInputEvent()      {}
func (self *KeyEvent) isInputEvent()         {}
func (self *CharEvent) isInputEvent()        {}
func (self *MouseButtonEvent) isInputEvent() {}
func (self *CursorMovedEvent) isInputEvent() {}
func (self *ClipboardEvent) isInputEvent()   {}

func appendInputEvent(b []byte, event InputEvent) []byte {
	switch v := event.(type) {
	case *ResizeEvent:
		b = appendVarintField(b, 1, uint64(v.Width))
		b = appendVarintField(b, 2, uint64(v.Height))
		b = appendFloatField(b, 3, v.ScaleFactor)
	case *KeyEvent:
		b = appendVarintField(b, 1, uint64(v.KeyCode))
		b = appendBoolField(b, 2, v.Pressed)
		b = appendVarintField(b, 3, uint64(v.Modifiers))
		b = appendBoolField(b, 4, v.Synthetic)
	case *CharEvent:
		b = appendVarintField(b, 1, uint64(v.Char))
	case *MouseButtonEvent:
		b = appendVarintField(b, 1, uint64(v.Button))
		b = appendBoolField(b, 2, v.Pressed)
	case *CursorMovedEvent:
		b = appendPointField(b, 1, v.Position)
	case *ClipboardEvent:
		b = appendStringField(b, 1, v.Text)
	default:
		panic(fmt.Errorf("Unknown input event: %T", event))
	}
	return b
}

func (self *decoder) inputEvent(kind InputKind, b []byte, base int) (InputEvent, error) {
	switch kind {
	case InputKindResize:
		event := &ResizeEvent{}
		err := self.eachField(b, base, func(f *field) error {
			switch f.num {
			case 1:
				v, err := self.uint(f, math.MaxUint32)
				event.Width = uint32(v)
				return err
			case 2:
				v, err := self.uint(f, math.MaxUint32)
				event.Height = uint32(v)
				return err
			case 3:
				v, err := self.float(f)
				event.ScaleFactor = v
				return err
			default:
				return self.unknown(f, "resize")
			}
		})
		return event, err
	case InputKindKey:
		event := &KeyEvent{}
		err := self.eachField(b, base, func(f *field) error {
			switch f.num {
			case 1:
				v, err := self.uint(f, math.MaxUint32)
				event.KeyCode = uint32(v)
				return err
			case 2:
				v, err := self.bool(f)
				event.Pressed = v
				return err
			case 3:
				v, err := self.uint(f, math.MaxUint32)
				event.Modifiers = Modifiers(v)
				return err
			case 4:
				v, err := self.bool(f)
				event.Synthetic = v
				return err
			default:
				return self.unknown(f, "key")
			}
		})
		return event, err
	case InputKindChar:
		event := &CharEvent{}
		err := self.eachField(b, base, func(f *field) error {
			switch f.num {
			case 1:
				v, err := self.uint(f, math.MaxInt32)
				event.Char = rune(v)
				return err
			default:
				return self.unknown(f, "char")
			}
		})
		return event, err
	case InputKindMouseButton:
		event := &MouseButtonEvent{}
		err := self.eachField(b, base, func(f *field) error {
			switch f.num {
			case 1:
				v, err := self.uint(f, math.MaxUint32)
				event.Button = uint32(v)
				return err
			case 2:
				v, err := self.bool(f)
				event.Pressed = v
				return err
			default:
				return self.unknown(f, "mouse button")
			}
		})
		return event, err
	case InputKindCursorMoved:
		event := &CursorMovedEvent{}
		err := self.eachField(b, base, func(f *field) error {
			switch f.num {
			case 1:
				v, err := self.point(f)
				event.Position = v
				return err
			default:
				return self.unknown(f, "cursor moved")
			}
		})
		return event, err
	case InputKindClipboard:
		event := &ClipboardEvent{}
		err := self.eachField(b, base, func(f *field) error {
			switch f.num {
			case 1:
				if err := self.expect(f, protowire.BytesType); err != nil {
					return err
				}
				event.Text = string(f.bytes)
				return nil
			default:
				return self.unknown(f, "clipboard")
			}
		})
		return event, err
	default:
		return nil, NewDecodeError(base, "unknown input kind %d", uint8(kind))
	}
}
