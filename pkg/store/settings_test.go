package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multidirectory/multidirectory/pkg/models"
)

func TestSettingsUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetSetting(ctx, "vendor")
	require.ErrorIs(t, err, models.ErrSettingNotFound)

	require.NoError(t, s.SetSetting(ctx, "vendor", "MultiDirectory"))

	value, err := s.GetSetting(ctx, "vendor")
	require.NoError(t, err)
	assert.Equal(t, "MultiDirectory", value)

	require.NoError(t, s.SetSetting(ctx, "vendor", "MultiDirectory 2"))

	value, err = s.GetSetting(ctx, "vendor")
	require.NoError(t, err)
	assert.Equal(t, "MultiDirectory 2", value)

	require.NoError(t, s.DeleteSetting(ctx, "vendor"))
	_, err = s.GetSetting(ctx, "vendor")
	require.ErrorIs(t, err, models.ErrSettingNotFound)
}

func TestNamingContext(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.NamingContext(ctx)
	require.ErrorIs(t, err, models.ErrNoNamingContext)

	require.NoError(t, s.SetSetting(ctx, models.SettingNamingContext, "dc=md,dc=test"))

	baseDN, err := s.NamingContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "dc=md,dc=test", baseDN)
}
