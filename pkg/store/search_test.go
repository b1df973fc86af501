package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multidirectory/multidirectory/pkg/models"
)

func entryNames(entries []*models.Directory) []string {
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return names
}

// seedSearchTree builds:
//
//	ou=users
//	  cn=alice (user)
//	  cn=bob   (user)
//	  cn=staff (group)
//	ou=archive
func seedSearchTree(t *testing.T, s *Store) *models.Directory {
	t.Helper()
	ou := mustCreateOU(t, s, "users")
	mustCreateUser(t, s, ou, "alice")
	mustCreateUser(t, s, ou, "bob")
	mustCreateGroup(t, s, ou, "staff")
	mustCreateOU(t, s, "archive")
	return ou
}

func TestSearchEntriesBaseObject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ou := seedSearchTree(t, s)

	entries, err := s.SearchEntries(ctx, ou, ScopeBaseObject, TruePredicate(), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"users"}, entryNames(entries))

	// Base object against the synthetic root matches nothing stored.
	entries, err = s.SearchEntries(ctx, nil, ScopeBaseObject, TruePredicate(), 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSearchEntriesSingleLevel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ou := seedSearchTree(t, s)

	entries, err := s.SearchEntries(ctx, ou, ScopeSingleLevel, TruePredicate(), 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob", "staff"}, entryNames(entries))

	// nil base lists top-level entries.
	entries, err = s.SearchEntries(ctx, nil, ScopeSingleLevel, TruePredicate(), 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"users", "archive"}, entryNames(entries))
}

func TestSearchEntriesWholeSubtree(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ou := seedSearchTree(t, s)

	entries, err := s.SearchEntries(ctx, ou, ScopeWholeSubtree, TruePredicate(), 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"users", "alice", "bob", "staff"}, entryNames(entries))

	// Shallowest first.
	assert.Equal(t, "users", entries[0].Name)

	entries, err = s.SearchEntries(ctx, ou, ScopeSubordinateSubtree, TruePredicate(), 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob", "staff"}, entryNames(entries))
}

func TestSearchEntriesPredicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSearchTree(t, s)

	pred := &Predicate{
		Expr: "lower(users.sam_account_name) = ?",
		Args: []any{"bob"},
	}
	entries, err := s.SearchEntries(ctx, nil, ScopeWholeSubtree, pred, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, entryNames(entries))
}

func TestSearchEntriesAttributeJoin(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ou := seedSearchTree(t, s)

	alice, err := s.FindByPath(ctx, []string{"ou=users", "cn=alice"})
	require.NoError(t, err)
	require.NoError(t, s.AddAttributes(ctx, alice.ID, []models.Attribute{
		{Name: "loginShell", Value: "/bin/zsh"},
	}))

	pred := &Predicate{
		Expr: "a1.value = ?",
		Args: []any{"/bin/zsh"},
		Joins: []Join{{
			Clause: "LEFT JOIN attributes a1 ON a1.directory_id = directory.id AND lower(a1.name) = ?",
			Args:   []any{"loginshell"},
		}},
	}
	entries, err := s.SearchEntries(ctx, ou, ScopeWholeSubtree, pred, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, entryNames(entries))
}

func TestSearchEntriesLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSearchTree(t, s)

	entries, err := s.SearchEntries(ctx, nil, ScopeWholeSubtree, TruePredicate(), 3)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestForEachEntryStreamsAcrossBatches(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	total := searchBatchSize + 5
	for i := 0; i < total; i++ {
		mustCreateOU(t, s, fmt.Sprintf("unit%03d", i))
	}

	var names []string
	err := s.ForEachEntry(ctx, nil, ScopeWholeSubtree, TruePredicate(), 0,
		func(entry *models.Directory) error {
			names = append(names, entry.Name)
			return nil
		})
	require.NoError(t, err)
	require.Len(t, names, total)

	// Same order the collecting form returns.
	entries, err := s.SearchEntries(ctx, nil, ScopeWholeSubtree, TruePredicate(), 0)
	require.NoError(t, err)
	assert.Equal(t, entryNames(entries), names)
}

func TestForEachEntryStopsOnCallbackError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSearchTree(t, s)

	stop := fmt.Errorf("stop")
	seen := 0
	err := s.ForEachEntry(ctx, nil, ScopeWholeSubtree, TruePredicate(), 0,
		func(*models.Directory) error {
			seen++
			if seen == 2 {
				return stop
			}
			return nil
		})
	require.ErrorIs(t, err, stop)
	assert.Equal(t, 2, seen)
}
