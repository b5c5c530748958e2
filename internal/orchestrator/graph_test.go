package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveOrderDefault(t *testing.T) {
	order, err := ResolveOrder(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultOrder(), order)
}

func TestResolveOrderRejectsOutOfOrderDependency(t *testing.T) {
	_, err := ResolveOrder([]string{"projects", "users"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "projects")
}

func TestResolveOrderRejectsUnknownComponent(t *testing.T) {
	_, err := ResolveOrder([]string{"users", "not_a_component"})
	require.Error(t, err)
}

func TestResolveOrderAcceptsValidSubset(t *testing.T) {
	order, err := ResolveOrder([]string{"users", "groups", "projects"})
	require.NoError(t, err)
	assert.Equal(t, []string{"users", "groups", "projects"}, order)
}
