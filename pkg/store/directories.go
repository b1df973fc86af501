package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/multidirectory/multidirectory/pkg/models"
)

// entryPreloads are the association chains loaded with a directory entry so
// handlers can inspect specialisations and memberships without extra queries.
var entryPreloads = []string{
	"Path",
	"Attributes",
	"User",
	"User.Groups",
	"User.Groups.Directory",
	"User.Groups.Directory.Path",
	"Group",
	"Group.Users",
	"Group.Users.Directory",
	"Group.Users.Directory.Path",
	"Group.ParentGroups",
	"Group.ParentGroups.Directory",
	"Group.ParentGroups.Directory.Path",
	"Computer",
}

// FindByPath resolves a directory entry by its materialised path, root first,
// with components in their lowercased "attr=value" form.
func (s *Store) FindByPath(ctx context.Context, path []string) (*models.Directory, error) {
	var p models.Path
	if err := s.db.WithContext(ctx).
		Where("path = ?", marshalPath(path)).
		First(&p).Error; err != nil {
		return nil, convertNotFoundError(err, models.ErrEntryNotFound)
	}
	return s.GetEntry(ctx, p.EndpointID)
}

// GetEntry loads a directory entry by id with all standard preloads.
func (s *Store) GetEntry(ctx context.Context, id uint) (*models.Directory, error) {
	return getByField[models.Directory](s.db, ctx, "id", id, models.ErrEntryNotFound, entryPreloads...)
}

// HasChildren reports whether the entry has at least one child.
func (s *Store) HasChildren(ctx context.Context, id uint) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.Directory{}).
		Where("parent_id = ?", id).
		Count(&count).Error
	return count > 0, err
}

// CreateEntry inserts a directory entry together with its canonical path,
// ancestor containment links, attributes and optional user/group/computer
// specialisation rows, all in one transaction.
//
// dir.Parent may be nil for a naming-context root. path holds the full
// component list for the new entry, root first.
func (s *Store) CreateEntry(
	ctx context.Context,
	dir *models.Directory,
	path []string,
	attrs []models.Attribute,
	user *models.User,
	group *models.Group,
) error {
	return s.WithTransaction(ctx, func(tx *Store) error {
		db := tx.db.WithContext(ctx)

		if dir.Parent != nil {
			dir.ParentID = &dir.Parent.ID
			dir.Depth = dir.Parent.Depth + 1
		} else {
			dir.Depth = 1
		}

		if err := create(db, ctx, dir, models.ErrEntryExists); err != nil {
			return err
		}

		p := &models.Path{EndpointID: dir.ID}
		p.SetPath(path)
		if err := create(db, ctx, p, models.ErrEntryExists); err != nil {
			return err
		}

		// Containment links: every ancestor-or-self of the new entry points
		// at the new path. The parent's canonical path already carries the
		// ancestor set, so extend it by the entry itself.
		ancestors := []uint{dir.ID}
		if dir.ParentID != nil {
			parentAncestors, err := tx.pathAncestors(ctx, *dir.ParentID)
			if err != nil {
				return err
			}
			ancestors = append(ancestors, parentAncestors...)
		}
		if err := tx.linkPaths(ctx, ancestors, []uint{p.ID}); err != nil {
			return err
		}

		for i := range attrs {
			attrs[i].DirectoryID = dir.ID
		}
		if len(attrs) > 0 {
			if err := db.Create(&attrs).Error; err != nil {
				return err
			}
		}

		if user != nil {
			user.DirectoryID = dir.ID
			if err := create(db, ctx, user, models.ErrDuplicateUser); err != nil {
				return err
			}
		}
		if group != nil {
			group.DirectoryID = dir.ID
			if err := create(db, ctx, group, models.ErrEntryExists); err != nil {
				return err
			}
		}
		if user == nil && group == nil && isComputerClass(dir.ObjectClass) {
			computer := &models.Computer{DirectoryID: dir.ID}
			if err := create(db, ctx, computer, models.ErrEntryExists); err != nil {
				return err
			}
		}

		dir.Path = p
		return nil
	})
}

// SetObjectSid stamps the entry's security identifier. The relative id is
// derived from the row id, so the stamp happens right after creation.
func (s *Store) SetObjectSid(ctx context.Context, dirID uint, sid string) error {
	return s.db.WithContext(ctx).
		Model(&models.Directory{}).
		Where("id = ?", dirID).
		Update("object_sid", sid).Error
}

// DeleteEntry removes a leaf entry and all rows that hang off it: attributes,
// specialisation rows, membership edges and path links. Callers check the
// leaf constraint first.
func (s *Store) DeleteEntry(ctx context.Context, dir *models.Directory) error {
	return s.WithTransaction(ctx, func(tx *Store) error {
		db := tx.db.WithContext(ctx)

		if err := db.Where("directory_id = ?", dir.ID).Delete(&models.Attribute{}).Error; err != nil {
			return err
		}

		if dir.User != nil {
			if err := db.Model(dir.User).Association("Groups").Clear(); err != nil {
				return err
			}
			if err := db.Delete(dir.User).Error; err != nil {
				return err
			}
		}
		if dir.Group != nil {
			for _, assoc := range []string{"Users", "ParentGroups", "ChildGroups"} {
				if err := db.Model(dir.Group).Association(assoc).Clear(); err != nil {
					return err
				}
			}
			if err := db.Exec("DELETE FROM policy_memberships WHERE group_id = ?", dir.Group.ID).Error; err != nil {
				return err
			}
			if err := db.Delete(dir.Group).Error; err != nil {
				return err
			}
		}
		if dir.Computer != nil {
			if err := db.Delete(dir.Computer).Error; err != nil {
				return err
			}
		}

		if dir.Path != nil {
			if err := db.Exec("DELETE FROM directory_paths WHERE path_id = ?", dir.Path.ID).Error; err != nil {
				return err
			}
			if err := db.Delete(dir.Path).Error; err != nil {
				return err
			}
		}

		return db.Delete(&models.Directory{}, dir.ID).Error
	})
}

// SubtreePathIDs returns the path ids of every entry in the subtree rooted
// at the given directory, including its own.
func (s *Store) SubtreePathIDs(ctx context.Context, dirID uint) ([]uint, error) {
	var ids []uint
	err := s.db.WithContext(ctx).
		Table("directory_paths").
		Where("directory_id = ?", dirID).
		Pluck("path_id", &ids).Error
	return ids, err
}

// RenameSubtree moves the entry (and every descendant) from its current path
// to newPath atomically: canonical paths are rewritten with the new prefix,
// containment links outside the subtree are rebuilt for the new ancestors and
// depths are shifted accordingly.
func (s *Store) RenameSubtree(
	ctx context.Context,
	dir *models.Directory,
	newPath []string,
	newParent *models.Directory,
) error {
	oldPath := dir.Path.GetPath()
	depthShift := len(newPath) - len(oldPath)

	return s.WithTransaction(ctx, func(tx *Store) error {
		db := tx.db.WithContext(ctx)

		pathIDs, err := tx.SubtreePathIDs(ctx, dir.ID)
		if err != nil {
			return err
		}

		var paths []models.Path
		if err := db.Where("id IN ?", pathIDs).Find(&paths).Error; err != nil {
			return err
		}

		subtreeDirs := make([]uint, 0, len(paths))
		for _, p := range paths {
			subtreeDirs = append(subtreeDirs, p.EndpointID)
		}

		for i := range paths {
			components := paths[i].GetPath()
			if len(components) < len(oldPath) {
				return fmt.Errorf("path %d shorter than subtree prefix", paths[i].ID)
			}
			rewritten := append(append([]string{}, newPath...), components[len(oldPath):]...)
			paths[i].SetPath(rewritten)
			if err := db.Model(&models.Path{}).
				Where("id = ?", paths[i].ID).
				Update("path", paths[i].RawPath).Error; err != nil {
				return err
			}
		}

		if depthShift != 0 {
			if err := db.Model(&models.Directory{}).
				Where("id IN ?", subtreeDirs).
				Update("depth", gorm.Expr("depth + ?", depthShift)).Error; err != nil {
				return err
			}
		}

		// Drop containment links from the old ancestors (anything outside
		// the moved subtree), then link the new ancestor chain.
		if err := db.Exec(
			"DELETE FROM directory_paths WHERE path_id IN ? AND directory_id NOT IN ?",
			pathIDs, subtreeDirs,
		).Error; err != nil {
			return err
		}

		var newParentID *uint
		if newParent != nil {
			newParentID = &newParent.ID
			// Ancestor-or-self of the new parent; its own self-link is
			// already in the set.
			ancestors, err := tx.pathAncestors(ctx, newParent.ID)
			if err != nil {
				return err
			}
			if err := tx.linkPaths(ctx, ancestors, pathIDs); err != nil {
				return err
			}
		}

		name, err := pathComponentName(newPath[len(newPath)-1])
		if err != nil {
			return err
		}
		return db.Model(&models.Directory{}).
			Where("id = ?", dir.ID).
			Updates(map[string]any{"name": name, "parent_id": newParentID}).Error
	})
}

// pathAncestors returns the strict ancestors-or-self linked to the entry's
// canonical path. The returned set holds the containment invariant used by
// CreateEntry and RenameSubtree.
func (s *Store) pathAncestors(ctx context.Context, dirID uint) ([]uint, error) {
	var ids []uint
	err := s.db.WithContext(ctx).
		Table("directory_paths").
		Where("path_id = (?)", s.db.Model(&models.Path{}).
			Select("id").Where("endpoint_id = ?", dirID)).
		Pluck("directory_id", &ids).Error
	return ids, err
}

// linkPaths inserts containment rows for every (directory, path) pair.
func (s *Store) linkPaths(ctx context.Context, dirIDs, pathIDs []uint) error {
	db := s.db.WithContext(ctx)
	for _, d := range dirIDs {
		for _, p := range pathIDs {
			if err := db.Exec(
				"INSERT INTO directory_paths (directory_id, path_id) VALUES (?, ?)", d, p,
			).Error; err != nil {
				return err
			}
		}
	}
	return nil
}

func marshalPath(components []string) string {
	p := &models.Path{}
	p.SetPath(components)
	return p.RawPath
}

func pathComponentName(component string) (string, error) {
	for i := range component {
		if component[i] == '=' {
			return component[i+1:], nil
		}
	}
	return "", fmt.Errorf("malformed path component %q", component)
}

func isComputerClass(objectClass string) bool {
	return objectClass == "computer" || objectClass == "Computer"
}
