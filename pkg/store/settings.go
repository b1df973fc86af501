package store

import (
	"context"

	"gorm.io/gorm/clause"

	"github.com/multidirectory/multidirectory/pkg/models"
)

// GetSetting returns a catalogue setting value by name.
func (s *Store) GetSetting(ctx context.Context, name string) (string, error) {
	setting, err := getByField[models.CatalogueSetting](s.db, ctx, "name", name, models.ErrSettingNotFound)
	if err != nil {
		return "", err
	}
	return setting.Value, nil
}

// SetSetting creates or updates a catalogue setting.
func (s *Store) SetSetting(ctx context.Context, name, value string) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"value"}),
		}).
		Create(&models.CatalogueSetting{Name: name, Value: value}).Error
}

// DeleteSetting removes a catalogue setting.
func (s *Store) DeleteSetting(ctx context.Context, name string) error {
	return deleteByField[models.CatalogueSetting](s.db, ctx, "name", name, models.ErrSettingNotFound)
}

// NamingContext returns the configured defaultNamingContext, e.g.
// "dc=md,dc=test". A catalogue without one has not been initialised.
func (s *Store) NamingContext(ctx context.Context) (string, error) {
	value, err := s.GetSetting(ctx, models.SettingNamingContext)
	if err == models.ErrSettingNotFound {
		return "", models.ErrNoNamingContext
	}
	return value, err
}
