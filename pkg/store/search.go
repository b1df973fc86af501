package store

import (
	"context"

	"gorm.io/gorm"

	"github.com/multidirectory/multidirectory/pkg/models"
)

// SearchScope mirrors the LDAP search scope choice.
type SearchScope int

const (
	ScopeBaseObject SearchScope = iota
	ScopeSingleLevel
	ScopeWholeSubtree
	ScopeSubordinateSubtree
)

// Join is an extra aliased join the predicate needs, typically on the
// attributes table.
type Join struct {
	// Clause is the full join text, e.g.
	// "LEFT JOIN attributes a1 ON a1.directory_id = directory.id AND lower(a1.name) = ?".
	Clause string
	Args   []any
}

// Predicate is a compiled search filter: a SQL boolean expression over the
// directory/users/groups columns plus the joins it depends on. Subqueries
// (memberOf) arrive embedded in Args as *gorm.DB values.
type Predicate struct {
	Expr  string
	Args  []any
	Joins []Join
}

// TruePredicate matches every entry.
func TruePredicate() *Predicate {
	return &Predicate{Expr: "1 = 1"}
}

// searchBatchSize is how many entries are preloaded per round while a
// search streams its results.
const searchBatchSize = 50

// ForEachEntry runs a compiled search, streaming matches to fn shallowest
// first. base is the entry the search is rooted at; nil means the naming
// context root. Matching ids are collected first (predicate joins multiply
// rows), then entries are loaded with the standard preloads in batches, so
// results reach fn before the full set is materialised. An error returned
// by fn stops the scan and is returned as is. limit <= 0 means unlimited.
func (s *Store) ForEachEntry(
	ctx context.Context,
	base *models.Directory,
	scope SearchScope,
	pred *Predicate,
	limit int,
	fn func(*models.Directory) error,
) error {
	if pred == nil {
		pred = TruePredicate()
	}

	q := s.db.WithContext(ctx).
		Table("directory").
		Select("DISTINCT directory.id, directory.depth").
		Joins("LEFT JOIN users ON users.directory_id = directory.id").
		Joins("LEFT JOIN groups ON groups.directory_id = directory.id")

	for _, j := range pred.Joins {
		q = q.Joins(j.Clause, j.Args...)
	}

	q = s.applyScope(q, base, scope).
		Where(pred.Expr, pred.Args...).
		Order("directory.depth asc, directory.id asc")
	if limit > 0 {
		q = q.Limit(limit)
	}

	type row struct {
		ID    uint
		Depth int
	}
	var rows []row
	if err := q.Scan(&rows).Error; err != nil {
		return err
	}

	ids := make([]uint, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}

	for start := 0; start < len(ids); start += searchBatchSize {
		end := start + searchBatchSize
		if end > len(ids) {
			end = len(ids)
		}

		loader := s.db.WithContext(ctx)
		for _, p := range entryPreloads {
			loader = loader.Preload(p)
		}
		var entries []*models.Directory
		if err := loader.
			Where("id IN ?", ids[start:end]).
			Order("depth asc, id asc").
			Find(&entries).Error; err != nil {
			return err
		}
		for _, entry := range entries {
			if err := fn(entry); err != nil {
				return err
			}
		}
	}
	return nil
}

// SearchEntries runs a compiled search and collects the full result set,
// shallowest first. Callers that stream use ForEachEntry instead.
func (s *Store) SearchEntries(
	ctx context.Context,
	base *models.Directory,
	scope SearchScope,
	pred *Predicate,
	limit int,
) ([]*models.Directory, error) {
	var entries []*models.Directory
	err := s.ForEachEntry(ctx, base, scope, pred, limit, func(entry *models.Directory) error {
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) applyScope(q *gorm.DB, base *models.Directory, scope SearchScope) *gorm.DB {
	subtree := func(baseID uint) *gorm.DB {
		return s.db.
			Table("paths").
			Select("paths.endpoint_id").
			Joins("JOIN directory_paths dp ON dp.path_id = paths.id").
			Where("dp.directory_id = ?", baseID)
	}

	switch scope {
	case ScopeBaseObject:
		if base == nil {
			return q.Where("1 = 0")
		}
		return q.Where("directory.id = ?", base.ID)
	case ScopeSingleLevel:
		if base == nil {
			return q.Where("directory.parent_id IS NULL")
		}
		return q.Where("directory.parent_id = ?", base.ID)
	case ScopeSubordinateSubtree:
		if base == nil {
			return q
		}
		return q.Where("directory.id IN (?) AND directory.id <> ?", subtree(base.ID), base.ID)
	default: // whole subtree
		if base == nil {
			return q
		}
		return q.Where("directory.id IN (?)", subtree(base.ID))
	}
}
