package protocol

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestDiffAgainst(t *testing.T) {
	block := leaf(1, "hello")

	changes := block.DiffAgainst(nil)
	assert.Equal(t, changes.Change, ChangeNew)
	assert.Equal(t, changes.Generation, Generation(0))

	block.Generation = 3
	snapshot := block.Snapshot()

	same := leaf(1, "hello")
	changes = same.DiffAgainst(snapshot)
	assert.Equal(t, changes.Change, ChangeUnchanged)
	assert.Equal(t, changes.Generation, Generation(3))
	assert.Equal(t, changes.Fingerprint, snapshot.Fingerprint)

	updated := leaf(1, "hello!")
	changes = updated.DiffAgainst(snapshot)
	assert.Equal(t, changes.Change, ChangeUpdated)
	assert.Equal(t, changes.Generation, Generation(4))
}

func TestFingerprint(t *testing.T) {
	a := leaf(1, "x")
	b := leaf(2, "x")
	b.Generation = 9
	// id and generation are not content
	assert.Equal(t, Fingerprint(a), Fingerprint(b))

	b.Origin = Point{X: 1}
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))

	// an empty container and an empty image differ by kind
	assert.NotEqual(t, Fingerprint(container(1)), Fingerprint(&Block{Id: 1, Content: &ImageReference{}}))
}
