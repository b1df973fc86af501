package store

import (
	"context"

	"gorm.io/gorm"

	"github.com/multidirectory/multidirectory/pkg/models"
)

// maxGroupNesting bounds closure traversal. Nesting deeper than this is
// treated as a malformed graph rather than walked forever.
const maxGroupNesting = 16

// GetGroupByDirectoryID finds the group row behind a directory entry.
func (s *Store) GetGroupByDirectoryID(ctx context.Context, dirID uint) (*models.Group, error) {
	return getByField[models.Group](s.db, ctx, "directory_id", dirID, models.ErrGroupNotFound,
		"Directory", "Directory.Path", "ParentGroups", "ChildGroups")
}

// GetGroupByPath resolves a group from the materialised path of its entry.
func (s *Store) GetGroupByPath(ctx context.Context, path []string) (*models.Group, error) {
	dir, err := s.FindByPath(ctx, path)
	if err != nil {
		return nil, models.ErrGroupNotFound
	}
	if dir.Group == nil {
		return nil, models.ErrGroupNotFound
	}
	return s.GetGroupByDirectoryID(ctx, dir.ID)
}

// AddUserToGroups appends membership edges between the user and each group.
// Existing edges are left alone.
func (s *Store) AddUserToGroups(ctx context.Context, user *models.User, groups []*models.Group) error {
	if len(groups) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(user).Association("Groups").Append(toValues(groups))
}

// RemoveUserFromGroups deletes the membership edges between the user and
// each group.
func (s *Store) RemoveUserFromGroups(ctx context.Context, user *models.User, groups []*models.Group) error {
	if len(groups) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(user).Association("Groups").Delete(toValues(groups))
}

// NestGroup records child as nested under each parent, refusing edges that
// would close a cycle.
func (s *Store) NestGroup(ctx context.Context, child *models.Group, parents []*models.Group) error {
	if len(parents) == 0 {
		return nil
	}
	// A parent that is already in the child's descendant closure (or the
	// child itself) would make the membership graph cyclic.
	descendants, err := s.groupClosure(ctx, []uint{child.ID}, "group_id", "group_child_id")
	if err != nil {
		return err
	}
	descendants[child.ID] = true
	for _, p := range parents {
		if descendants[p.ID] {
			return models.ErrGroupCycle
		}
	}
	return s.db.WithContext(ctx).Model(child).Association("ParentGroups").Append(toValues(parents))
}

// UnnestGroup removes the nesting edges between child and each parent.
func (s *Store) UnnestGroup(ctx context.Context, child *models.Group, parents []*models.Group) error {
	if len(parents) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(child).Association("ParentGroups").Delete(toValues(parents))
}

// UserGroupClosure returns the ids of every group the user belongs to,
// directly or through nesting.
func (s *Store) UserGroupClosure(ctx context.Context, userID uint) ([]uint, error) {
	var direct []uint
	if err := s.db.WithContext(ctx).
		Table("user_memberships").
		Where("user_id = ?", userID).
		Pluck("group_id", &direct).Error; err != nil {
		return nil, err
	}
	closure, err := s.groupClosure(ctx, direct, "group_child_id", "group_id")
	if err != nil {
		return nil, err
	}
	for _, id := range direct {
		closure[id] = true
	}
	ids := make([]uint, 0, len(closure))
	for id := range closure {
		ids = append(ids, id)
	}
	return ids, nil
}

// groupClosure walks group_memberships edges from the seed set, following
// fromCol -> toCol, and returns every group id reached (seeds excluded
// unless re-reached).
func (s *Store) groupClosure(ctx context.Context, seeds []uint, fromCol, toCol string) (map[uint]bool, error) {
	reached := make(map[uint]bool)
	frontier := append([]uint(nil), seeds...)
	for depth := 0; depth < maxGroupNesting && len(frontier) > 0; depth++ {
		var next []uint
		if err := s.db.WithContext(ctx).
			Table("group_memberships").
			Where(fromCol+" IN ?", frontier).
			Distinct().
			Pluck(toCol, &next).Error; err != nil {
			return nil, err
		}
		frontier = frontier[:0]
		for _, id := range next {
			if !reached[id] {
				reached[id] = true
				frontier = append(frontier, id)
			}
		}
	}
	return reached, nil
}

// GroupMembers resolves the group behind the entry at the given path into
// its membership closure: a subquery selecting the ids of users that are
// members directly or through nesting, plus the ids of every group nested
// anywhere below it. Used by the filter planner for memberOf comparisons.
// The transitive closure is resolved eagerly; the returned query is a plain
// IN-list source.
func (s *Store) GroupMembers(ctx context.Context, groupPath []string) (*gorm.DB, []uint, error) {
	group, err := s.GetGroupByPath(ctx, groupPath)
	if err != nil {
		return nil, nil, err
	}
	children, err := s.groupClosure(ctx, []uint{group.ID}, "group_id", "group_child_id")
	if err != nil {
		return nil, nil, err
	}
	nested := make([]uint, 0, len(children))
	for id := range children {
		nested = append(nested, id)
	}
	users := s.db.
		Table("user_memberships").
		Select("user_id").
		Where("group_id IN ?", append([]uint{group.ID}, nested...))
	return users, nested, nil
}

func toValues(groups []*models.Group) []models.Group {
	out := make([]models.Group, len(groups))
	for i, g := range groups {
		out[i] = models.Group{ID: g.ID}
	}
	return out
}
