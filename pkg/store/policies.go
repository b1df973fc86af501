package store

import (
	"context"

	"github.com/multidirectory/multidirectory/pkg/models"
)

// ListNetworkPolicies returns enabled network policies in evaluation order.
func (s *Store) ListNetworkPolicies(ctx context.Context) ([]*models.NetworkPolicy, error) {
	var policies []*models.NetworkPolicy
	err := s.db.WithContext(ctx).
		Preload("Groups").
		Preload("Groups.Directory").
		Preload("Groups.Directory.Path").
		Where("enabled = ?", true).
		Order("priority asc").
		Find(&policies).Error
	return policies, err
}

// CreateNetworkPolicy inserts a policy, assigning the next priority when
// none is set.
func (s *Store) CreateNetworkPolicy(ctx context.Context, policy *models.NetworkPolicy) error {
	return s.WithTransaction(ctx, func(tx *Store) error {
		if policy.Priority == 0 {
			var max int
			if err := tx.db.WithContext(ctx).
				Model(&models.NetworkPolicy{}).
				Select("coalesce(max(priority), 0)").
				Scan(&max).Error; err != nil {
				return err
			}
			policy.Priority = max + 1
		}
		return create(tx.db, ctx, policy, models.ErrDuplicatePolicy)
	})
}

// GetPasswordPolicy returns the domain password policy, installing the
// default when none exists yet.
func (s *Store) GetPasswordPolicy(ctx context.Context) (*models.PasswordPolicy, error) {
	var policy models.PasswordPolicy
	err := s.db.WithContext(ctx).Order("id").First(&policy).Error
	if convertNotFoundError(err, models.ErrPolicyNotFound) == models.ErrPolicyNotFound {
		fresh := models.DefaultPasswordPolicy()
		if err := s.db.WithContext(ctx).Create(fresh).Error; err != nil {
			return nil, err
		}
		return fresh, nil
	}
	if err != nil {
		return nil, err
	}
	return &policy, nil
}

// UpdatePasswordPolicy replaces the domain password policy settings.
func (s *Store) UpdatePasswordPolicy(ctx context.Context, policy *models.PasswordPolicy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	current, err := s.GetPasswordPolicy(ctx)
	if err != nil {
		return err
	}
	policy.ID = current.ID
	return s.db.WithContext(ctx).Save(policy).Error
}

// ResetPasswordPolicy restores the default domain password policy.
func (s *Store) ResetPasswordPolicy(ctx context.Context) (*models.PasswordPolicy, error) {
	policy := models.DefaultPasswordPolicy()
	if err := s.UpdatePasswordPolicy(ctx, policy); err != nil {
		return nil, err
	}
	return policy, nil
}
