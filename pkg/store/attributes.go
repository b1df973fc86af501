package store

import (
	"context"

	"github.com/multidirectory/multidirectory/pkg/models"
)

// GetAttributes returns all attribute rows of an entry.
func (s *Store) GetAttributes(ctx context.Context, dirID uint) ([]models.Attribute, error) {
	var attrs []models.Attribute
	err := s.db.WithContext(ctx).
		Where("directory_id = ?", dirID).
		Order("id").
		Find(&attrs).Error
	return attrs, err
}

// AddAttributes appends attribute rows to an entry. Duplicate (name, value)
// pairs already present are rejected with ErrAttributeExists.
func (s *Store) AddAttributes(ctx context.Context, dirID uint, attrs []models.Attribute) error {
	if len(attrs) == 0 {
		return nil
	}
	return s.WithTransaction(ctx, func(tx *Store) error {
		db := tx.db.WithContext(ctx)
		for i := range attrs {
			attrs[i].ID = 0
			attrs[i].DirectoryID = dirID

			var count int64
			q := db.Model(&models.Attribute{}).
				Where("directory_id = ? AND lower(name) = lower(?)", dirID, attrs[i].Name)
			if attrs[i].BValue != nil {
				q = q.Where("bvalue = ?", attrs[i].BValue)
			} else {
				q = q.Where("value = ?", attrs[i].Value)
			}
			if err := q.Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return models.ErrAttributeExists
			}
		}
		return db.Create(&attrs).Error
	})
}

// DeleteAttribute removes attribute values of an entry by name. With no
// values given the whole attribute goes; otherwise only the listed values.
// Missing names or values are reported as ErrAttributeNotFound.
func (s *Store) DeleteAttribute(ctx context.Context, dirID uint, name string, values []string) error {
	return s.WithTransaction(ctx, func(tx *Store) error {
		db := tx.db.WithContext(ctx)
		if len(values) == 0 {
			res := db.Where("directory_id = ? AND lower(name) = lower(?)", dirID, name).
				Delete(&models.Attribute{})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return models.ErrAttributeNotFound
			}
			return nil
		}
		for _, v := range values {
			res := db.Where("directory_id = ? AND lower(name) = lower(?) AND value = ?", dirID, name, v).
				Delete(&models.Attribute{})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return models.ErrAttributeNotFound
			}
		}
		return nil
	})
}

// ReplaceAttribute swaps every value of the named attribute for the given
// ones. Replacing with no values deletes the attribute; replacing an absent
// attribute creates it.
func (s *Store) ReplaceAttribute(ctx context.Context, dirID uint, name string, attrs []models.Attribute) error {
	return s.WithTransaction(ctx, func(tx *Store) error {
		db := tx.db.WithContext(ctx)
		if err := db.Where("directory_id = ? AND lower(name) = lower(?)", dirID, name).
			Delete(&models.Attribute{}).Error; err != nil {
			return err
		}
		if len(attrs) == 0 {
			return nil
		}
		for i := range attrs {
			attrs[i].ID = 0
			attrs[i].DirectoryID = dirID
			attrs[i].Name = name
		}
		return db.Create(&attrs).Error
	})
}
