package store

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/multidirectory/multidirectory/internal/ldap"
	"github.com/multidirectory/multidirectory/pkg/models"
)

// SeedConfig controls the development seed.
type SeedConfig struct {
	// BaseDN is the naming context to install, e.g. "dc=md,dc=test".
	BaseDN string

	// Users is the number of test users (cn=user0..userN-1) under ou=users.
	Users int

	// Password is the shared password of the seeded users. Defaults to
	// "password".
	Password string
}

// Seed initialises an empty directory with a development tree: the naming
// context and domain identifiers, ou=users with test users, cn=groups with a
// "domain admins" group holding user0, an allow-all network policy and the
// default password policy.
func Seed(ctx context.Context, s *Store, cfg SeedConfig) error {
	baseDN := ldap.NormalizeDN(cfg.BaseDN)
	if !ldap.ValidateDN(baseDN) || baseDN == "" {
		return fmt.Errorf("invalid base dn %q", cfg.BaseDN)
	}
	if cfg.Password == "" {
		cfg.Password = "password"
	}

	domainSid, err := models.NewDomainSid()
	if err != nil {
		return fmt.Errorf("failed to generate domain sid: %w", err)
	}
	settings := map[string]string{
		models.SettingNamingContext: baseDN,
		models.SettingObjectSid:     domainSid,
		models.SettingObjectGUID:    uuid.NewString(),
	}
	for name, value := range settings {
		if err := s.SetSetting(ctx, name, value); err != nil {
			return fmt.Errorf("failed to store setting %s: %w", name, err)
		}
	}

	usersOU := &models.Directory{
		ObjectClass: "organizationalUnit",
		Name:        "users",
		ObjectGUID:  uuid.NewString(),
	}
	if err := s.CreateEntry(ctx, usersOU, []string{"ou=users"}, nil, nil, nil); err != nil {
		return fmt.Errorf("failed to create ou=users: %w", err)
	}

	groupsContainer := &models.Directory{
		ObjectClass: "container",
		Name:        "groups",
		ObjectGUID:  uuid.NewString(),
	}
	if err := s.CreateEntry(ctx, groupsContainer, []string{"cn=groups"}, nil, nil, nil); err != nil {
		return fmt.Errorf("failed to create cn=groups: %w", err)
	}

	admins := &models.Group{}
	adminsDir := &models.Directory{
		ObjectClass: "group",
		Name:        "domain admins",
		Parent:      groupsContainer,
		ObjectGUID:  uuid.NewString(),
	}
	adminsPath := []string{"cn=groups", "cn=domain admins"}
	if err := s.CreateEntry(ctx, adminsDir, adminsPath, seedGroupAttrs(adminsDir.Name), nil, admins); err != nil {
		return fmt.Errorf("failed to create domain admins group: %w", err)
	}

	hash, err := models.HashPassword(cfg.Password)
	if err != nil {
		return fmt.Errorf("failed to hash seed password: %w", err)
	}
	upnSuffix := upnSuffixFromBaseDN(baseDN)

	var first *models.User
	for i := 0; i < cfg.Users; i++ {
		name := fmt.Sprintf("user%d", i)
		user := &models.User{
			SAMAccountName:    name,
			UserPrincipalName: name + "@" + upnSuffix,
			DisplayName:       name,
			PasswordHash:      hash,
		}
		dir := &models.Directory{
			ObjectClass: "user",
			Name:        name,
			Parent:      usersOU,
			ObjectGUID:  uuid.NewString(),
		}
		path := []string{"ou=users", "cn=" + name}
		if err := s.CreateEntry(ctx, dir, path, seedUserAttrs(name), user, nil); err != nil {
			return fmt.Errorf("failed to create %s: %w", name, err)
		}
		if err := s.SetObjectSid(ctx, dir.ID, models.RelativeSid(domainSid, uint(1000+dir.ID))); err != nil {
			return fmt.Errorf("failed to stamp objectSid for %s: %w", name, err)
		}
		if first == nil {
			first = user
		}
	}

	if first != nil {
		if err := s.AddUserToGroups(ctx, first, []*models.Group{admins}); err != nil {
			return fmt.Errorf("failed to add user0 to domain admins: %w", err)
		}
	}

	allowAll := &models.NetworkPolicy{Name: "default", Enabled: true}
	if err := allowAll.SetNetmasks([]string{"0.0.0.0/0"}); err != nil {
		return fmt.Errorf("failed to build default network policy: %w", err)
	}
	if err := s.CreateNetworkPolicy(ctx, allowAll); err != nil {
		return fmt.Errorf("failed to create default network policy: %w", err)
	}

	// Installs the default policy as a side effect.
	if _, err := s.GetPasswordPolicy(ctx); err != nil {
		return fmt.Errorf("failed to install password policy: %w", err)
	}

	return nil
}

// seedUserAttrs mirrors the auto-attributes the add handler stamps on users.
func seedUserAttrs(name string) []models.Attribute {
	return []models.Attribute{
		{Name: "uidNumber", Value: fmt.Sprintf("%d", seedNameHash(name))},
		{Name: "gidNumber", Value: fmt.Sprintf("%d", seedNameHash(reverseString(name)))},
		{Name: "homeDirectory", Value: "/home/" + name},
		{Name: "loginShell", Value: "/bin/bash"},
		{Name: "pwdLastSet", Value: WindowsFileTime(time.Now().UTC())},
	}
}

func seedGroupAttrs(name string) []models.Attribute {
	return []models.Attribute{
		{Name: "gidNumber", Value: fmt.Sprintf("%d", seedNameHash(reverseString(name)))},
	}
}

// upnSuffixFromBaseDN renders "dc=md,dc=test" as "md.test".
func upnSuffixFromBaseDN(baseDN string) string {
	var labels []string
	for _, rdn := range strings.Split(baseDN, ",") {
		if _, value, err := ldap.SplitRDN(rdn); err == nil {
			labels = append(labels, value)
		}
	}
	return strings.Join(labels, ".")
}

// seedNameHash matches the uidNumber/gidNumber derivation of the add handler.
func seedNameHash(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.ToLower(s)))
	return h.Sum32() & 0x7fffffff
}

func reverseString(s string) string {
	runes := []rune(s)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return string(runes)
}
