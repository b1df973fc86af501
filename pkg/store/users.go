package store

import (
	"context"
	"time"

	"github.com/multidirectory/multidirectory/pkg/models"
)

var userPreloads = []string{
	"Directory",
	"Directory.Path",
	"Groups",
	"Groups.Directory",
	"Groups.Directory.Path",
}

// GetUserByName finds a user by userPrincipalName or sAMAccountName,
// compared case-insensitively. Bind accepts either form.
func (s *Store) GetUserByName(ctx context.Context, name string) (*models.User, error) {
	var user models.User
	q := s.db.WithContext(ctx)
	for _, p := range userPreloads {
		q = q.Preload(p)
	}
	err := q.Where(
		"lower(user_principal_name) = lower(?) OR lower(sam_account_name) = lower(?)",
		name, name,
	).First(&user).Error
	if err != nil {
		return nil, convertNotFoundError(err, models.ErrUserNotFound)
	}
	return &user, nil
}

// GetUserByDirectoryID finds the user row behind a directory entry.
func (s *Store) GetUserByDirectoryID(ctx context.Context, dirID uint) (*models.User, error) {
	return getByField[models.User](s.db, ctx, "directory_id", dirID, models.ErrUserNotFound, userPreloads...)
}

// UpdateUserPassword stores the new hash, pushes the previous one into the
// bounded history and stamps pwdLastSet on the entry.
func (s *Store) UpdateUserPassword(ctx context.Context, user *models.User, newHash string, historyLimit int) error {
	return s.WithTransaction(ctx, func(tx *Store) error {
		db := tx.db.WithContext(ctx)

		if user.PasswordHash != "" {
			user.AppendPasswordHistory(user.PasswordHash, historyLimit)
		}
		user.PasswordHash = newHash

		if err := db.Model(&models.User{}).
			Where("id = ?", user.ID).
			Updates(map[string]any{
				"password_hash":    user.PasswordHash,
				"password_history": user.RawPasswordHistory,
			}).Error; err != nil {
			return err
		}

		stamp := WindowsFileTime(time.Now().UTC())
		return tx.ReplaceAttribute(ctx, user.DirectoryID, "pwdLastSet",
			[]models.Attribute{{Value: stamp}})
	})
}

// TouchLastLogon records a successful bind.
func (s *Store) TouchLastLogon(ctx context.Context, userID uint) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", userID).
		Update("last_logon", now).Error
}

// PasswordLastSet reads the entry's pwdLastSet attribute as a time. Returns
// the zero time when the attribute is absent or unparseable.
func (s *Store) PasswordLastSet(ctx context.Context, dirID uint) (time.Time, error) {
	var attr models.Attribute
	err := s.db.WithContext(ctx).
		Where("directory_id = ? AND lower(name) = ?", dirID, "pwdlastset").
		First(&attr).Error
	if err != nil {
		if convertNotFoundError(err, models.ErrAttributeNotFound) == models.ErrAttributeNotFound {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return ParseWindowsFileTime(attr.Value), nil
}

// UpdateUserFields applies column updates to a user row. Modify routes the
// column-backed attributes (displayName, mail, accountExpires, ...) here.
func (s *Store) UpdateUserFields(ctx context.Context, userID uint, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", userID).
		Updates(fields).Error
}
