package storage

import (
	"testing"

	"gotest.tools/assert"
)

func TestSpansAdd(t *testing.T) {
	var s spans
	assert.Equal(t, s.add(0, 10), int64(10))
	assert.Equal(t, s.add(20, 30), int64(10))
	assert.Equal(t, s.add(5, 25), int64(10))
	assert.DeepEqual(t, []Span(s), []Span{{0, 30}})
	assert.Equal(t, s.add(30, 40), int64(10))
	assert.DeepEqual(t, []Span(s), []Span{{0, 40}})
	assert.Equal(t, s.add(0, 40), int64(0))
	assert.Equal(t, s.total(), int64(40))
}

func TestSpansCovers(t *testing.T) {
	var s spans
	s.add(0, 10)
	s.add(20, 30)
	assert.Check(t, s.covers(0, 10))
	assert.Check(t, s.covers(22, 25))
	assert.Check(t, !s.covers(5, 25))
	assert.Check(t, !s.covers(10, 20))
	assert.Equal(t, s.firstGap(), int64(10))
}
