package usecase

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGrantsAllow(t *testing.T) {
	g := NewGrants()
	assert.False(t, g.Allowed("Bash"))

	g.Allow("Bash", "", "Edit")
	assert.True(t, g.Allowed("Bash"))
	assert.True(t, g.Allowed("Edit"))
	assert.False(t, g.Allowed(""))
	assert.Equal(t, []string{"Bash", "Edit"}, g.List())
}

func TestGrantsListEmpty(t *testing.T) {
	assert.Empty(t, NewGrants().List())
}
