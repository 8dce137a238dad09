package main

import (
	"cmp"
	"slices"
	"strings"

	"github.com/bringyour/remoteblock/cache"
	"github.com/bringyour/remoteblock/protocol"
)

type placedText struct {
	position protocol.Point
	text     string
}

// TextLines returns the text blocks of the tree top to bottom.
// Blocks at the same height are joined left to right. Hidden containers are skipped.
func TextLines(tree *cache.Tree) []string {
	texts := []placedText{}
	tree.Walk(func(resolved *protocol.ResolvedBlock) bool {
		if container, ok := resolved.Block.Content.(*protocol.NestedContainer); ok && container.Hidden() {
			return false
		}
		if textRun, ok := resolved.Block.Content.(*protocol.ShapedTextRun); ok {
			texts = append(texts, placedText{
				position: resolved.Position,
				text:     string(textRun.Text),
			})
		}
		return true
	})

	slices.SortStableFunc(texts, func(a placedText, b placedText) int {
		if c := cmp.Compare(a.position.Y, b.position.Y); c != 0 {
			return c
		}
		return cmp.Compare(a.position.X, b.position.X)
	})

	lines := []string{}
	for i := 0; i < len(texts); {
		j := i + 1
		for j < len(texts) && texts[j].position.Y == texts[i].position.Y {
			j += 1
		}
		parts := make([]string, 0, j-i)
		for _, text := range texts[i:j] {
			parts = append(parts, text.text)
		}
		lines = append(lines, strings.Join(parts, " "))
		i = j
	}
	return lines
}
