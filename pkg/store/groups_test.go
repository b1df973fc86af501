package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multidirectory/multidirectory/pkg/models"
)

func TestAddAndRemoveUserFromGroups(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ou := mustCreateOU(t, s, "users")
	_, user := mustCreateUser(t, s, ou, "alice")
	_, staff := mustCreateGroup(t, s, ou, "staff")

	require.NoError(t, s.AddUserToGroups(ctx, user, []*models.Group{staff}))

	ids, err := s.UserGroupClosure(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, []uint{staff.ID}, ids)

	require.NoError(t, s.RemoveUserFromGroups(ctx, user, []*models.Group{staff}))

	ids, err = s.UserGroupClosure(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestUserGroupClosureThroughNesting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ou := mustCreateOU(t, s, "users")
	_, user := mustCreateUser(t, s, ou, "alice")
	_, staff := mustCreateGroup(t, s, ou, "staff")
	_, engineering := mustCreateGroup(t, s, ou, "engineering")
	_, everyone := mustCreateGroup(t, s, ou, "everyone")

	// alice -> engineering -> staff -> everyone
	require.NoError(t, s.AddUserToGroups(ctx, user, []*models.Group{engineering}))
	require.NoError(t, s.NestGroup(ctx, engineering, []*models.Group{staff}))
	require.NoError(t, s.NestGroup(ctx, staff, []*models.Group{everyone}))

	ids, err := s.UserGroupClosure(ctx, user.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint{engineering.ID, staff.ID, everyone.ID}, ids)
}

func TestNestGroupRefusesCycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ou := mustCreateOU(t, s, "users")
	_, a := mustCreateGroup(t, s, ou, "a")
	_, b := mustCreateGroup(t, s, ou, "b")
	_, c := mustCreateGroup(t, s, ou, "c")

	require.NoError(t, s.NestGroup(ctx, a, []*models.Group{b}))
	require.NoError(t, s.NestGroup(ctx, b, []*models.Group{c}))

	// c under a would close the loop; so would a under itself.
	require.ErrorIs(t, s.NestGroup(ctx, c, []*models.Group{a}), models.ErrGroupCycle)
	require.ErrorIs(t, s.NestGroup(ctx, a, []*models.Group{a}), models.ErrGroupCycle)
}

func TestUnnestGroup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ou := mustCreateOU(t, s, "users")
	_, user := mustCreateUser(t, s, ou, "alice")
	_, child := mustCreateGroup(t, s, ou, "child")
	_, parent := mustCreateGroup(t, s, ou, "parent")

	require.NoError(t, s.AddUserToGroups(ctx, user, []*models.Group{child}))
	require.NoError(t, s.NestGroup(ctx, child, []*models.Group{parent}))
	require.NoError(t, s.UnnestGroup(ctx, child, []*models.Group{parent}))

	ids, err := s.UserGroupClosure(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, []uint{child.ID}, ids)
}

func TestGroupMembersIncludesNestedMembers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ou := mustCreateOU(t, s, "users")
	_, alice := mustCreateUser(t, s, ou, "alice")
	_, bob := mustCreateUser(t, s, ou, "bob")
	_, carol := mustCreateUser(t, s, ou, "carol")
	_, staff := mustCreateGroup(t, s, ou, "staff")
	_, engineering := mustCreateGroup(t, s, ou, "engineering")

	require.NoError(t, s.AddUserToGroups(ctx, alice, []*models.Group{staff}))
	require.NoError(t, s.AddUserToGroups(ctx, bob, []*models.Group{engineering}))
	require.NoError(t, s.AddUserToGroups(ctx, carol, []*models.Group{engineering}))
	require.NoError(t, s.NestGroup(ctx, engineering, []*models.Group{staff}))

	sub, nested, err := s.GroupMembers(ctx, []string{"ou=users", "cn=staff"})
	require.NoError(t, err)
	assert.Equal(t, []uint{engineering.ID}, nested)

	var ids []uint
	require.NoError(t, sub.Pluck("user_id", &ids).Error)
	assert.ElementsMatch(t, []uint{alice.ID, bob.ID, carol.ID}, ids)

	_, _, err = s.GroupMembers(ctx, []string{"ou=users", "cn=missing"})
	require.ErrorIs(t, err, models.ErrGroupNotFound)
}

func TestGetGroupByPath(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ou := mustCreateOU(t, s, "users")
	dir, group := mustCreateGroup(t, s, ou, "staff")

	got, err := s.GetGroupByPath(ctx, []string{"ou=users", "cn=staff"})
	require.NoError(t, err)
	assert.Equal(t, group.ID, got.ID)
	require.NotNil(t, got.Directory)
	assert.Equal(t, dir.ID, got.Directory.ID)

	// A non-group entry at the path is not a group.
	_, err = s.GetGroupByPath(ctx, []string{"ou=users"})
	require.ErrorIs(t, err, models.ErrGroupNotFound)
}
