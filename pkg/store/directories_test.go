package store

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multidirectory/multidirectory/pkg/models"
)

func TestCreateEntryAndFindByPath(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ou := mustCreateOU(t, s, "users")
	assert.Equal(t, 1, ou.Depth)
	assert.Nil(t, ou.ParentID)

	userDir, _ := mustCreateUser(t, s, ou, "alice")
	assert.Equal(t, 2, userDir.Depth)
	require.NotNil(t, userDir.ParentID)
	assert.Equal(t, ou.ID, *userDir.ParentID)

	found, err := s.FindByPath(ctx, []string{"ou=users", "cn=alice"})
	require.NoError(t, err)
	assert.Equal(t, userDir.ID, found.ID)
	require.NotNil(t, found.User)
	assert.Equal(t, "alice", found.User.SAMAccountName)
	require.NotNil(t, found.Path)
	assert.Equal(t, []string{"ou=users", "cn=alice"}, found.Path.GetPath())

	_, err = s.FindByPath(ctx, []string{"ou=users", "cn=nobody"})
	require.ErrorIs(t, err, models.ErrEntryNotFound)
}

func TestCreateEntryDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreateOU(t, s, "users")

	dup := &models.Directory{
		ObjectClass: "organizationalUnit",
		Name:        "users",
		ObjectGUID:  uuid.NewString(),
	}
	err := s.CreateEntry(ctx, dup, []string{"ou=users"}, nil, nil, nil)
	require.ErrorIs(t, err, models.ErrEntryExists)
}

func TestCreateEntryDuplicateUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ou := mustCreateOU(t, s, "users")
	mustCreateUser(t, s, ou, "alice")

	// Same sAMAccountName under a different entry name.
	user := &models.User{
		SAMAccountName:    "alice",
		UserPrincipalName: "alice2@md.test",
	}
	dir := &models.Directory{
		ObjectClass: "user",
		Name:        "alice2",
		Parent:      ou,
		ObjectGUID:  uuid.NewString(),
	}
	err := s.CreateEntry(ctx, dir, []string{"ou=users", "cn=alice2"}, nil, user, nil)
	require.ErrorIs(t, err, models.ErrDuplicateUser)
}

func TestHasChildren(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ou := mustCreateOU(t, s, "users")

	has, err := s.HasChildren(ctx, ou.ID)
	require.NoError(t, err)
	assert.False(t, has)

	mustCreateUser(t, s, ou, "alice")

	has, err = s.HasChildren(ctx, ou.ID)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestDeleteEntry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ou := mustCreateOU(t, s, "users")
	userDir, user := mustCreateUser(t, s, ou, "alice")
	_, group := mustCreateGroup(t, s, ou, "staff")
	require.NoError(t, s.AddUserToGroups(ctx, user, []*models.Group{group}))

	entry, err := s.GetEntry(ctx, userDir.ID)
	require.NoError(t, err)
	require.NoError(t, s.DeleteEntry(ctx, entry))

	_, err = s.FindByPath(ctx, []string{"ou=users", "cn=alice"})
	require.ErrorIs(t, err, models.ErrEntryNotFound)
	_, err = s.GetUserByName(ctx, "alice")
	require.ErrorIs(t, err, models.ErrUserNotFound)

	// The group survives with the membership edge gone.
	staff, err := s.GetGroupByPath(ctx, []string{"ou=users", "cn=staff"})
	require.NoError(t, err)
	assert.Empty(t, staff.Users)
}

func TestSetObjectSid(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ou := mustCreateOU(t, s, "users")
	sid := models.RelativeSid("S-1-5-21-1-2-3", 1000+ou.ID)
	require.NoError(t, s.SetObjectSid(ctx, ou.ID, sid))

	entry, err := s.GetEntry(ctx, ou.ID)
	require.NoError(t, err)
	assert.Equal(t, sid, entry.ObjectSid)
}

func TestRenameSubtreeSameParent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ou := mustCreateOU(t, s, "users")
	mustCreateUser(t, s, ou, "alice")

	entry, err := s.FindByPath(ctx, []string{"ou=users"})
	require.NoError(t, err)
	require.NoError(t, s.RenameSubtree(ctx, entry, []string{"ou=people"}, nil))

	moved, err := s.FindByPath(ctx, []string{"ou=people", "cn=alice"})
	require.NoError(t, err)
	assert.Equal(t, 2, moved.Depth)

	_, err = s.FindByPath(ctx, []string{"ou=users", "cn=alice"})
	require.ErrorIs(t, err, models.ErrEntryNotFound)

	renamed, err := s.FindByPath(ctx, []string{"ou=people"})
	require.NoError(t, err)
	assert.Equal(t, "people", renamed.Name)
}

func TestRenameSubtreeKeepsParent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ou := mustCreateOU(t, s, "users")
	mustCreateUser(t, s, ou, "alice")

	entry, err := s.FindByPath(ctx, []string{"ou=users", "cn=alice"})
	require.NoError(t, err)
	parent, err := s.FindByPath(ctx, []string{"ou=users"})
	require.NoError(t, err)

	// Rename in place with the parent resolved, as a modify DN without a
	// new superior does.
	require.NoError(t, s.RenameSubtree(ctx, entry, []string{"ou=users", "cn=alison"}, parent))

	renamed, err := s.FindByPath(ctx, []string{"ou=users", "cn=alison"})
	require.NoError(t, err)
	assert.Equal(t, "alison", renamed.Name)
	require.NotNil(t, renamed.ParentID)
	assert.Equal(t, parent.ID, *renamed.ParentID)

	results, err := s.SearchEntries(ctx, parent, ScopeWholeSubtree, TruePredicate(), 0)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestRenameSubtreeNewParent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ou := mustCreateOU(t, s, "users")
	archive := mustCreateOU(t, s, "archive")
	box := &models.Directory{
		ObjectClass: "container",
		Name:        "box",
		Parent:      archive,
		ObjectGUID:  uuid.NewString(),
	}
	require.NoError(t, s.CreateEntry(ctx, box, []string{"ou=archive", "cn=box"}, nil, nil, nil))

	mustCreateUser(t, s, ou, "alice")

	entry, err := s.FindByPath(ctx, []string{"ou=users", "cn=alice"})
	require.NoError(t, err)
	newParent, err := s.FindByPath(ctx, []string{"ou=archive", "cn=box"})
	require.NoError(t, err)

	newPath := []string{"ou=archive", "cn=box", "cn=alice"}
	require.NoError(t, s.RenameSubtree(ctx, entry, newPath, newParent))

	moved, err := s.FindByPath(ctx, newPath)
	require.NoError(t, err)
	assert.Equal(t, 3, moved.Depth)
	require.NotNil(t, moved.ParentID)
	assert.Equal(t, newParent.ID, *moved.ParentID)

	// Subtree search from the new ancestor now reaches the moved entry.
	archiveEntry, err := s.FindByPath(ctx, []string{"ou=archive"})
	require.NoError(t, err)
	results, err := s.SearchEntries(ctx, archiveEntry, ScopeWholeSubtree, TruePredicate(), 0)
	require.NoError(t, err)
	ids := make([]uint, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.ID)
	}
	assert.Contains(t, ids, moved.ID)
}
