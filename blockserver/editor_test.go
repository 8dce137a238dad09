package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/bringyour/remoteblock/producer"
	"github.com/bringyour/remoteblock/protocol"
)

func testFont() producer.Font {
	return producer.Font{Family: 0, Size: 10, Color: 0xffffffff}
}

func input(event protocol.InputEvent) *protocol.Input {
	return &protocol.Input{Event: event}
}

func typeText(editor *DocumentEditor, text string) {
	for _, r := range text {
		editor.Input(input(&protocol.CharEvent{Char: r}))
	}
}

func TestDocumentEditorEditing(t *testing.T) {
	p := producer.NewProducerWithDefaults()
	editor := NewDocumentEditor(p, producer.NewMonospaceShaper(), testFont(), "ab\ncd")

	typeText(editor, "x")
	assert.Equal(t, editor.Text(), "xab\ncd")

	editor.Input(input(&protocol.KeyEvent{KeyCode: KeyEnd, Pressed: true}))
	typeText(editor, "\nnew")
	assert.Equal(t, editor.Text(), "xab\nnew\ncd")

	// backspace at column 0 joins lines
	editor.Input(input(&protocol.KeyEvent{KeyCode: KeyHome, Pressed: true}))
	typeText(editor, "\b")
	assert.Equal(t, editor.Text(), "xabnew\ncd")

	editor.Input(input(&protocol.KeyEvent{KeyCode: KeyDelete, Pressed: true}))
	assert.Equal(t, editor.Text(), "xabew\ncd")

	// released keys do nothing
	assert.Equal(t, editor.Input(input(&protocol.KeyEvent{KeyCode: KeyDown, Pressed: false})), false)
	assert.Equal(t, editor.Input(input(&protocol.KeyEvent{KeyCode: KeyDown, Pressed: true})), true)
	editor.Input(input(&protocol.ClipboardEvent{Text: "!"}))
	assert.Equal(t, editor.Text(), "xabew\ncd!")
}

func TestDocumentEditorFrames(t *testing.T) {
	p := producer.NewProducerWithDefaults()
	editor := NewDocumentEditor(p, producer.NewMonospaceShaper(), testFont(), "one\ntwo\nthree")

	layout, err := editor.Layout()
	assert.Equal(t, err, nil)
	frame, err := p.Produce(layout)
	assert.Equal(t, err, nil)
	assert.Equal(t, frame.Full, true)
	// root, cursor, status and three lines
	assert.Equal(t, len(frame.Blocks), 6)

	// the frame resolves from its own blocks
	_, err = protocol.ResolveRoots(frame.Roots, protocol.NewBlockMap(frame.Blocks...))
	assert.Equal(t, err, nil)

	// typing on the first line resends that line, the status and the root
	typeText(editor, "1")
	layout, err = editor.Layout()
	assert.Equal(t, err, nil)
	frame, err = p.Produce(layout)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(frame.Blocks), 3)
	for _, block := range frame.Blocks {
		assert.NotEqual(t, block.Kind(), protocol.KindPolygonShape)
	}
	assert.Equal(t, p.Stats().ReusedCount, uint64(3))
}

func TestDocumentEditorScroll(t *testing.T) {
	p := producer.NewProducerWithDefaults()
	shaper := producer.NewMonospaceShaper()
	editor := NewDocumentEditor(p, shaper, testFont(), "0\n1\n2\n3\n4\n5\n6\n7\n8\n9")

	lineHeight := shaper.Shape("", testFont()).Extent.Y
	// three lines and the status line
	editor.Input(input(&protocol.ResizeEvent{
		Width:       200,
		Height:      uint32(4 * lineHeight),
		ScaleFactor: 1,
	}))
	for i := 0; i < 9; i += 1 {
		editor.Input(input(&protocol.KeyEvent{KeyCode: KeyDown, Pressed: true}))
	}

	layout, err := editor.Layout()
	assert.Equal(t, err, nil)
	texts := []string{}
	for _, child := range layout.Roots[0].Node.Children {
		if textRun, ok := child.Node.Content.(*protocol.ShapedTextRun); ok && child.Placement.Layer == 0 {
			texts = append(texts, string(textRun.Text))
		}
	}
	assert.Equal(t, texts, []string{"7", "8", "9"})
}

func TestConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blockserver.yaml")
	err := os.WriteFile(path, []byte("tcp_addr: \":9000\"\ngrace_frames: 3\nack_timeout: 10s\nfont:\n  size: 20\n"), 0600)
	assert.Equal(t, err, nil)

	config, err := LoadConfig(path)
	assert.Equal(t, err, nil)
	assert.Equal(t, config.TcpAddr, ":9000")
	// defaults are kept
	assert.Equal(t, config.HttpAddr, DefaultConfig().HttpAddr)
	assert.Equal(t, config.Font.Size, float32(20))

	settings := config.ServerSettings()
	assert.Equal(t, settings.ServerSessionSettings.ProducerSettings.GraceFrames, 3)
	assert.Equal(t, settings.ServerSessionSettings.AckTimeout.String(), "10s")

	err = os.WriteFile(path, []byte("max_unacked_frames: 0\n"), 0600)
	assert.Equal(t, err, nil)
	_, err = LoadConfig(path)
	assert.NotEqual(t, err, nil)

	out, err := yamlString(DefaultConfig())
	assert.Equal(t, err, nil)
	assert.NotEqual(t, out, "")
}

func TestCachingShaperEditor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shaper := producer.NewCachingShaper(ctx, producer.NewMonospaceShaper(), producer.DefaultShaperCacheSettings())
	p := producer.NewProducerWithDefaults()
	editor := NewDocumentEditor(p, shaper, testFont(), "same\nsame")

	for i := 0; i < 3; i += 1 {
		layout, err := editor.Layout()
		assert.Equal(t, err, nil)
		_, err = p.Produce(layout)
		assert.Equal(t, err, nil)
	}
	// equal lines share one shaping
	assert.NotEqual(t, shaper.Metrics().Hits, uint64(0))
}
