package plugin

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGraph_AddEdges(t *testing.T) {
	t.Run("records dependencies", func(t *testing.T) {
		g := NewGraph()
		require.NoError(t, g.AddEdges("editor", "toolbar", "renderer"))
		assert.Equal(t, []string{"toolbar", "renderer"}, g.Dependencies("editor"))
	})

	t.Run("self dependency is a cycle", func(t *testing.T) {
		g := NewGraph()
		err := g.AddEdges("editor", "editor")

		var cyclic *CyclicDependencyError
		require.ErrorAs(t, err, &cyclic)
		assert.Equal(t, []string{"editor", "editor"}, cyclic.Cycle)
	})

	t.Run("two node cycle names full path", func(t *testing.T) {
		g := NewGraph()
		require.NoError(t, g.AddEdges("a", "b"))
		err := g.AddEdges("b", "a")

		var cyclic *CyclicDependencyError
		require.ErrorAs(t, err, &cyclic)
		assert.Equal(t, []string{"b", "a", "b"}, cyclic.Cycle)
	})

	t.Run("indirect cycle detected", func(t *testing.T) {
		g := NewGraph()
		require.NoError(t, g.AddEdges("a", "b"))
		require.NoError(t, g.AddEdges("b", "c"))
		err := g.AddEdges("c", "a")

		var cyclic *CyclicDependencyError
		require.ErrorAs(t, err, &cyclic)
		assert.Equal(t, []string{"c", "a", "b", "c"}, cyclic.Cycle)
		assert.True(t, IsCyclicDependency(err))
	})

	t.Run("rejected call keeps no edges", func(t *testing.T) {
		g := NewGraph()
		require.NoError(t, g.AddEdges("a", "b"))
		require.Error(t, g.AddEdges("b", "c", "a"))

		assert.Empty(t, g.Dependencies("b"))
	})
}

func TestGraph_DependentsOf(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddEdges("word-count", "markdown"))
	require.NoError(t, g.AddEdges("spellcheck", "markdown"))
	require.NoError(t, g.AddEdges("markdown"))

	assert.Equal(t, []string{"spellcheck", "word-count"}, g.DependentsOf("markdown"))
	assert.Empty(t, g.DependentsOf("spellcheck"))
}

func TestGraph_CheckRemovable(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddEdges("word-count", "markdown"))
	require.NoError(t, g.AddEdges("spellcheck", "markdown"))

	t.Run("blocked by matching dependent", func(t *testing.T) {
		err := g.CheckRemovable("markdown", "disable", func(string) bool { return true })

		var blocked *DependentBlockError
		require.ErrorAs(t, err, &blocked)
		assert.Equal(t, "markdown", blocked.ID)
		assert.Equal(t, "spellcheck", blocked.Dependent)
		assert.True(t, IsDependentBlock(err))
	})

	t.Run("allowed when no dependent matches", func(t *testing.T) {
		err := g.CheckRemovable("markdown", "disable", func(string) bool { return false })
		assert.NoError(t, err)
	})
}

func TestGraph_Remove(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddEdges("word-count", "markdown"))
	require.NoError(t, g.AddEdges("markdown"))

	g.Remove("markdown")

	assert.Empty(t, g.Dependencies("word-count"))
	assert.Empty(t, g.DependentsOf("markdown"))
	assert.NotContains(t, g.LoadOrder(), "markdown")
}

func TestGraph_LoadOrder(t *testing.T) {
	t.Run("dependencies come first", func(t *testing.T) {
		g := NewGraph()
		require.NoError(t, g.AddEdges("spellcheck", "markdown", "dictionary"))
		require.NoError(t, g.AddEdges("markdown", "renderer"))
		g.AddNode("dictionary")
		g.AddNode("renderer")

		order := g.LoadOrder()
		require.Len(t, order, 4)

		pos := make(map[string]int, len(order))
		for i, id := range order {
			pos[id] = i
		}
		assert.Less(t, pos["markdown"], pos["spellcheck"])
		assert.Less(t, pos["dictionary"], pos["spellcheck"])
		assert.Less(t, pos["renderer"], pos["markdown"])
	})

	t.Run("deterministic across calls", func(t *testing.T) {
		g := NewGraph()
		g.AddNode("c")
		g.AddNode("a")
		g.AddNode("b")

		first := g.LoadOrder()
		assert.Equal(t, []string{"a", "b", "c"}, first)
		for i := 0; i < 10; i++ {
			assert.Equal(t, first, g.LoadOrder())
		}
	})

	t.Run("custom root ordering", func(t *testing.T) {
		g := NewGraph()
		g.AddNode("a")
		g.AddNode("b")
		g.AddNode("c")

		reversed := g.LoadOrderBy(func(x, y string) bool { return x > y })
		assert.Equal(t, []string{"c", "b", "a"}, reversed)
		assert.Equal(t, []string{"a", "b", "c"}, g.LoadOrderBy(nil))
	})
}

func TestIsCyclicDependency(t *testing.T) {
	assert.False(t, IsCyclicDependency(errors.New("other")))
	assert.False(t, IsCyclicDependency(nil))
	assert.True(t, IsCyclicDependency(&CyclicDependencyError{Cycle: []string{"a", "a"}}))
}
