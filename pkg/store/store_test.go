package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/multidirectory/multidirectory/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(&Config{Type: DatabaseTypeSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	return s
}

// mustCreateOU inserts a plain organizational unit directly under the naming
// context root.
func mustCreateOU(t *testing.T, s *Store, name string) *models.Directory {
	t.Helper()
	dir := &models.Directory{
		ObjectClass: "organizationalUnit",
		Name:        name,
		ObjectGUID:  uuid.NewString(),
	}
	require.NoError(t, s.CreateEntry(context.Background(), dir, []string{"ou=" + name}, nil, nil, nil))
	return dir
}

// mustCreateUser inserts a user entry under the given parent.
func mustCreateUser(t *testing.T, s *Store, parent *models.Directory, name string) (*models.Directory, *models.User) {
	t.Helper()
	user := &models.User{
		SAMAccountName:    name,
		UserPrincipalName: name + "@md.test",
		DisplayName:       name,
	}
	dir := &models.Directory{
		ObjectClass: "user",
		Name:        name,
		Parent:      parent,
		ObjectGUID:  uuid.NewString(),
	}
	path := append(append([]string{}, parent.Path.GetPath()...), "cn="+name)
	require.NoError(t, s.CreateEntry(context.Background(), dir, path, nil, user, nil))
	return dir, user
}

// mustCreateGroup inserts a group entry under the given parent.
func mustCreateGroup(t *testing.T, s *Store, parent *models.Directory, name string) (*models.Directory, *models.Group) {
	t.Helper()
	group := &models.Group{}
	dir := &models.Directory{
		ObjectClass: "group",
		Name:        name,
		Parent:      parent,
		ObjectGUID:  uuid.NewString(),
	}
	path := append(append([]string{}, parent.Path.GetPath()...), "cn="+name)
	require.NoError(t, s.CreateEntry(context.Background(), dir, path, nil, nil, group))
	return dir, group
}

func TestWithTransactionRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ou := mustCreateOU(t, s, "users")

	err := s.WithTransaction(ctx, func(tx *Store) error {
		dir := &models.Directory{
			ObjectClass: "user",
			Name:        "doomed",
			Parent:      ou,
			ObjectGUID:  uuid.NewString(),
		}
		if err := tx.CreateEntry(ctx, dir, []string{"ou=users", "cn=doomed"}, nil, nil, nil); err != nil {
			return err
		}
		return fmt.Errorf("abort")
	})
	require.EqualError(t, err, "abort")

	_, err = s.FindByPath(ctx, []string{"ou=users", "cn=doomed"})
	require.ErrorIs(t, err, models.ErrEntryNotFound)
}
