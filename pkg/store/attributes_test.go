package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multidirectory/multidirectory/pkg/models"
)

func attrValues(attrs []models.Attribute, name string) []string {
	var values []string
	for _, a := range attrs {
		if a.Name == name {
			values = append(values, a.Value)
		}
	}
	return values
}

func TestAddAndGetAttributes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ou := mustCreateOU(t, s, "users")

	require.NoError(t, s.AddAttributes(ctx, ou.ID, []models.Attribute{
		{Name: "description", Value: "people"},
		{Name: "description", Value: "humans"},
		{Name: "telephoneNumber", Value: "123"},
	}))

	attrs, err := s.GetAttributes(ctx, ou.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"people", "humans"}, attrValues(attrs, "description"))
	assert.Equal(t, []string{"123"}, attrValues(attrs, "telephoneNumber"))
}

func TestAddAttributesRejectsDuplicateValue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ou := mustCreateOU(t, s, "users")
	require.NoError(t, s.AddAttributes(ctx, ou.ID, []models.Attribute{
		{Name: "description", Value: "people"},
	}))

	// Attribute names compare case-insensitively.
	err := s.AddAttributes(ctx, ou.ID, []models.Attribute{
		{Name: "DESCRIPTION", Value: "people"},
	})
	require.ErrorIs(t, err, models.ErrAttributeExists)

	// The rejection leaves nothing behind.
	attrs, err := s.GetAttributes(ctx, ou.ID)
	require.NoError(t, err)
	assert.Len(t, attrValues(attrs, "description"), 1)
}

func TestDeleteAttribute(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ou := mustCreateOU(t, s, "users")
	require.NoError(t, s.AddAttributes(ctx, ou.ID, []models.Attribute{
		{Name: "description", Value: "people"},
		{Name: "description", Value: "humans"},
	}))

	require.NoError(t, s.DeleteAttribute(ctx, ou.ID, "description", []string{"people"}))

	attrs, err := s.GetAttributes(ctx, ou.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"humans"}, attrValues(attrs, "description"))

	err = s.DeleteAttribute(ctx, ou.ID, "description", []string{"missing"})
	require.ErrorIs(t, err, models.ErrAttributeNotFound)

	require.NoError(t, s.DeleteAttribute(ctx, ou.ID, "Description", nil))
	err = s.DeleteAttribute(ctx, ou.ID, "description", nil)
	require.ErrorIs(t, err, models.ErrAttributeNotFound)
}

func TestReplaceAttribute(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ou := mustCreateOU(t, s, "users")
	require.NoError(t, s.AddAttributes(ctx, ou.ID, []models.Attribute{
		{Name: "description", Value: "old"},
	}))

	require.NoError(t, s.ReplaceAttribute(ctx, ou.ID, "description", []models.Attribute{
		{Value: "new one"},
		{Value: "new two"},
	}))

	attrs, err := s.GetAttributes(ctx, ou.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"new one", "new two"}, attrValues(attrs, "description"))

	// Replacing an absent attribute creates it.
	require.NoError(t, s.ReplaceAttribute(ctx, ou.ID, "loginShell", []models.Attribute{
		{Value: "/bin/zsh"},
	}))
	attrs, err = s.GetAttributes(ctx, ou.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"/bin/zsh"}, attrValues(attrs, "loginShell"))

	// Replacing with no values deletes.
	require.NoError(t, s.ReplaceAttribute(ctx, ou.ID, "description", nil))
	attrs, err = s.GetAttributes(ctx, ou.ID)
	require.NoError(t, err)
	assert.Empty(t, attrValues(attrs, "description"))
}
