package server

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	goldap "github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multidirectory/multidirectory/internal/logger"
	"github.com/multidirectory/multidirectory/pkg/store"
)

const (
	testBaseDN   = "dc=md,dc=test"
	testPassword = "password"
)

func init() {
	logger.Init(logger.Config{Level: "ERROR", Format: "text", Output: "stderr"})
}

// freePort grabs an ephemeral port for the listener. The port can in theory
// be reused between the close and the bind, but in practice it is not.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

// startTestServer seeds a fresh in-memory directory and runs a server over it.
func startTestServer(t *testing.T, mutate func(*Config)) (*Server, *store.Store) {
	t.Helper()

	st, err := store.New(&store.Config{Type: store.DatabaseTypeSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, store.Seed(context.Background(), st, store.SeedConfig{
		BaseDN: testBaseDN,
		Users:  5,
	}))

	cfg := Config{
		BindAddress:     "127.0.0.1",
		Port:            freePort(t),
		Workers:         2,
		ShutdownTimeout: 5 * time.Second,
		VendorName:      "MultiDirectory",
		VendorVersion:   "test",
	}
	if mutate != nil {
		mutate(&cfg)
	}

	srv := New(cfg, st, testBaseDN, nil, nil)

	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.Serve(context.Background()) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
		<-serveDone
	})

	<-srv.ListenerReady
	return srv, st
}

func dialTestServer(t *testing.T, srv *Server) *goldap.Conn {
	t.Helper()
	conn, err := goldap.DialURL("ldap://" + srv.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func bindTestUser(t *testing.T, srv *Server) *goldap.Conn {
	t.Helper()
	conn := dialTestServer(t, srv)
	require.NoError(t, conn.Bind("user0@md.test", testPassword))
	return conn
}

func userDN(name string) string {
	return fmt.Sprintf("cn=%s,ou=users,%s", name, testBaseDN)
}

func TestRootDSE(t *testing.T) {
	srv, _ := startTestServer(t, nil)
	conn := dialTestServer(t, srv)

	// The root DSE is readable without a bind.
	res, err := conn.Search(goldap.NewSearchRequest(
		"", goldap.ScopeBaseObject, goldap.NeverDerefAliases, 0, 0, false,
		"(objectClass=*)", nil, nil,
	))
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)

	dse := res.Entries[0]
	assert.Equal(t, "", dse.DN)
	assert.Equal(t, []string{testBaseDN}, dse.GetAttributeValues("namingContexts"))
	assert.Equal(t, "3", dse.GetAttributeValue("supportedLDAPVersion"))
	assert.Equal(t, "MultiDirectory", dse.GetAttributeValue("vendorName"))
	assert.Contains(t, dse.GetAttributeValues("supportedExtension"), whoAmIOID)
}

func TestBind(t *testing.T) {
	srv, _ := startTestServer(t, nil)

	t.Run("upn", func(t *testing.T) {
		conn := dialTestServer(t, srv)
		require.NoError(t, conn.Bind("user0@md.test", testPassword))
	})

	t.Run("sam account name", func(t *testing.T) {
		conn := dialTestServer(t, srv)
		require.NoError(t, conn.Bind("user1", testPassword))
	})

	t.Run("dn", func(t *testing.T) {
		conn := dialTestServer(t, srv)
		require.NoError(t, conn.Bind(userDN("user2"), testPassword))
	})

	t.Run("wrong password", func(t *testing.T) {
		conn := dialTestServer(t, srv)
		err := conn.Bind("user0@md.test", "wrong")
		require.True(t, goldap.IsErrorWithCode(err, goldap.LDAPResultInvalidCredentials), "got %v", err)
	})

	t.Run("unknown user", func(t *testing.T) {
		conn := dialTestServer(t, srv)
		err := conn.Bind("ghost@md.test", testPassword)
		require.True(t, goldap.IsErrorWithCode(err, goldap.LDAPResultInvalidCredentials), "got %v", err)
	})

	t.Run("bind while bound", func(t *testing.T) {
		conn := bindTestUser(t, srv)
		err := conn.Bind("user1@md.test", testPassword)
		require.True(t, goldap.IsErrorWithCode(err, goldap.LDAPResultStrongAuthRequired), "got %v", err)
	})
}

func TestAnonymousBind(t *testing.T) {
	t.Run("refused by default", func(t *testing.T) {
		srv, _ := startTestServer(t, nil)
		conn := dialTestServer(t, srv)
		err := conn.UnauthenticatedBind("")
		require.True(t, goldap.IsErrorWithCode(err, goldap.LDAPResultInvalidCredentials), "got %v", err)
	})

	t.Run("allowed when configured", func(t *testing.T) {
		srv, _ := startTestServer(t, func(cfg *Config) { cfg.AllowAnonymousBind = true })
		conn := dialTestServer(t, srv)
		require.NoError(t, conn.UnauthenticatedBind(""))

		// Anonymous sessions still may not write.
		mod := goldap.NewModifyRequest(userDN("user0"), nil)
		mod.Replace("displayName", []string{"intruder"})
		err := conn.Modify(mod)
		require.True(t, goldap.IsErrorWithCode(err, goldap.LDAPResultInsufficientAccessRights), "got %v", err)
	})
}

func TestWhoAmI(t *testing.T) {
	srv, _ := startTestServer(t, nil)
	conn := bindTestUser(t, srv)

	res, err := conn.WhoAmI(nil)
	require.NoError(t, err)
	assert.Equal(t, "dn:"+userDN("user0"), res.AuthzID)
}

func TestSearch(t *testing.T) {
	srv, _ := startTestServer(t, nil)
	conn := bindTestUser(t, srv)

	t.Run("base object domain root", func(t *testing.T) {
		res, err := conn.Search(goldap.NewSearchRequest(
			testBaseDN, goldap.ScopeBaseObject, goldap.NeverDerefAliases, 0, 0, false,
			"(objectClass=*)", nil, nil,
		))
		require.NoError(t, err)
		require.Len(t, res.Entries, 1)
		assert.Equal(t, testBaseDN, res.Entries[0].DN)
		assert.Contains(t, res.Entries[0].GetAttributeValues("objectClass"), "domain")
	})

	t.Run("equality on column", func(t *testing.T) {
		res, err := conn.Search(goldap.NewSearchRequest(
			testBaseDN, goldap.ScopeWholeSubtree, goldap.NeverDerefAliases, 0, 0, false,
			"(sAMAccountName=user1)", nil, nil,
		))
		require.NoError(t, err)
		require.Len(t, res.Entries, 1)
		assert.Equal(t, userDN("user1"), res.Entries[0].DN)
		assert.Equal(t, "user1@md.test", res.Entries[0].GetAttributeValue("userPrincipalName"))
	})

	t.Run("substring subtree", func(t *testing.T) {
		res, err := conn.Search(goldap.NewSearchRequest(
			testBaseDN, goldap.ScopeWholeSubtree, goldap.NeverDerefAliases, 0, 0, false,
			"(&(objectClass=user)(cn=user*))", []string{"cn"}, nil,
		))
		require.NoError(t, err)
		assert.Len(t, res.Entries, 5)
	})

	t.Run("single level", func(t *testing.T) {
		res, err := conn.Search(goldap.NewSearchRequest(
			"ou=users,"+testBaseDN, goldap.ScopeSingleLevel, goldap.NeverDerefAliases, 0, 0, false,
			"(objectClass=*)", []string{"cn"}, nil,
		))
		require.NoError(t, err)
		assert.Len(t, res.Entries, 5)
	})

	t.Run("member of group", func(t *testing.T) {
		res, err := conn.Search(goldap.NewSearchRequest(
			testBaseDN, goldap.ScopeWholeSubtree, goldap.NeverDerefAliases, 0, 0, false,
			fmt.Sprintf("(memberOf=cn=domain admins,cn=groups,%s)", testBaseDN), nil, nil,
		))
		require.NoError(t, err)
		require.Len(t, res.Entries, 1)
		assert.Equal(t, userDN("user0"), res.Entries[0].DN)
	})

	t.Run("size limit", func(t *testing.T) {
		res, err := conn.Search(goldap.NewSearchRequest(
			testBaseDN, goldap.ScopeWholeSubtree, goldap.NeverDerefAliases, 4, 0, false,
			"(objectClass=*)", []string{"cn"}, nil,
		))
		require.True(t, goldap.IsErrorWithCode(err, goldap.LDAPResultSizeLimitExceeded), "got %v", err)
		assert.Len(t, res.Entries, 4)
	})

	t.Run("missing base", func(t *testing.T) {
		_, err := conn.Search(goldap.NewSearchRequest(
			"ou=nowhere,"+testBaseDN, goldap.ScopeWholeSubtree, goldap.NeverDerefAliases, 0, 0, false,
			"(objectClass=*)", nil, nil,
		))
		require.True(t, goldap.IsErrorWithCode(err, goldap.LDAPResultNoSuchObject), "got %v", err)
	})
}

func TestAdd(t *testing.T) {
	srv, _ := startTestServer(t, nil)
	conn := bindTestUser(t, srv)

	req := goldap.NewAddRequest(userDN("newuser"), nil)
	req.Attribute("objectClass", []string{"user", "posixAccount"})
	req.Attribute("sAMAccountName", []string{"newuser"})
	req.Attribute("userPassword", []string{"Sup3rStr0ng!"})
	req.Attribute("memberOf", []string{"cn=domain admins,cn=groups," + testBaseDN})
	require.NoError(t, conn.Add(req))

	res, err := conn.Search(goldap.NewSearchRequest(
		userDN("newuser"), goldap.ScopeBaseObject, goldap.NeverDerefAliases, 0, 0, false,
		"(objectClass=*)", nil, nil,
	))
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)

	entry := res.Entries[0]
	assert.Contains(t, entry.GetAttributeValues("objectClass"), "posixAccount")
	assert.Equal(t, "newuser@md.test", entry.GetAttributeValue("userPrincipalName"))
	assert.Equal(t, "/home/newuser", entry.GetAttributeValue("homeDirectory"))
	assert.NotEmpty(t, entry.GetAttributeValue("uidNumber"))
	assert.NotEmpty(t, entry.GetAttributeValue("objectSid"))
	assert.Contains(t, entry.GetAttributeValues("memberOf"), "cn=domain admins,cn=groups,"+testBaseDN)

	// The fresh password binds.
	probe := dialTestServer(t, srv)
	require.NoError(t, probe.Bind("newuser@md.test", "Sup3rStr0ng!"))

	t.Run("duplicate", func(t *testing.T) {
		dup := goldap.NewAddRequest(userDN("newuser"), nil)
		dup.Attribute("objectClass", []string{"user"})
		err := conn.Add(dup)
		require.True(t, goldap.IsErrorWithCode(err, goldap.LDAPResultEntryAlreadyExists), "got %v", err)
	})

	t.Run("weak password", func(t *testing.T) {
		weak := goldap.NewAddRequest(userDN("weakling"), nil)
		weak.Attribute("objectClass", []string{"user"})
		weak.Attribute("userPassword", []string{"short"})
		err := conn.Add(weak)
		require.True(t, goldap.IsErrorWithCode(err, goldap.LDAPResultConstraintViolation), "got %v", err)
	})

	t.Run("missing parent", func(t *testing.T) {
		orphan := goldap.NewAddRequest("cn=orphan,ou=nowhere,"+testBaseDN, nil)
		orphan.Attribute("objectClass", []string{"container"})
		err := conn.Add(orphan)
		require.True(t, goldap.IsErrorWithCode(err, goldap.LDAPResultNoSuchObject), "got %v", err)
	})
}

func TestModify(t *testing.T) {
	srv, _ := startTestServer(t, nil)
	conn := bindTestUser(t, srv)

	t.Run("replace column attribute", func(t *testing.T) {
		mod := goldap.NewModifyRequest(userDN("user1"), nil)
		mod.Replace("displayName", []string{"User One"})
		require.NoError(t, conn.Modify(mod))

		res, err := conn.Search(goldap.NewSearchRequest(
			userDN("user1"), goldap.ScopeBaseObject, goldap.NeverDerefAliases, 0, 0, false,
			"(objectClass=*)", []string{"displayName"}, nil,
		))
		require.NoError(t, err)
		require.Len(t, res.Entries, 1)
		assert.Equal(t, "User One", res.Entries[0].GetAttributeValue("displayName"))
	})

	t.Run("add and delete attribute rows", func(t *testing.T) {
		mod := goldap.NewModifyRequest(userDN("user2"), nil)
		mod.Add("description", []string{"first", "second"})
		require.NoError(t, conn.Modify(mod))

		del := goldap.NewModifyRequest(userDN("user2"), nil)
		del.Delete("description", []string{"first"})
		require.NoError(t, conn.Modify(del))

		res, err := conn.Search(goldap.NewSearchRequest(
			userDN("user2"), goldap.ScopeBaseObject, goldap.NeverDerefAliases, 0, 0, false,
			"(objectClass=*)", []string{"description"}, nil,
		))
		require.NoError(t, err)
		require.Len(t, res.Entries, 1)
		assert.Equal(t, []string{"second"}, res.Entries[0].GetAttributeValues("description"))
	})

	t.Run("delete missing attribute", func(t *testing.T) {
		mod := goldap.NewModifyRequest(userDN("user3"), nil)
		mod.Delete("description", []string{"absent"})
		err := conn.Modify(mod)
		require.True(t, goldap.IsErrorWithCode(err, goldap.LDAPResultNoSuchAttribute), "got %v", err)
	})

	t.Run("memberOf add", func(t *testing.T) {
		mod := goldap.NewModifyRequest(userDN("user3"), nil)
		mod.Add("memberOf", []string{"cn=domain admins,cn=groups," + testBaseDN})
		require.NoError(t, conn.Modify(mod))

		res, err := conn.Search(goldap.NewSearchRequest(
			userDN("user3"), goldap.ScopeBaseObject, goldap.NeverDerefAliases, 0, 0, false,
			"(objectClass=*)", []string{"memberOf"}, nil,
		))
		require.NoError(t, err)
		require.Len(t, res.Entries, 1)
		assert.Contains(t, res.Entries[0].GetAttributeValues("memberOf"),
			"cn=domain admins,cn=groups,"+testBaseDN)
	})

	t.Run("password policy violation", func(t *testing.T) {
		mod := goldap.NewModifyRequest(userDN("user4"), nil)
		mod.Replace("userPassword", []string{"short"})
		err := conn.Modify(mod)
		require.True(t, goldap.IsErrorWithCode(err, goldap.LDAPResultConstraintViolation), "got %v", err)
	})

	t.Run("password change", func(t *testing.T) {
		mod := goldap.NewModifyRequest(userDN("user4"), nil)
		mod.Replace("userPassword", []string{"N3wSecret!pw"})
		require.NoError(t, conn.Modify(mod))

		probe := dialTestServer(t, srv)
		require.NoError(t, probe.Bind("user4@md.test", "N3wSecret!pw"))
	})

	t.Run("missing entry", func(t *testing.T) {
		mod := goldap.NewModifyRequest(userDN("ghost"), nil)
		mod.Replace("displayName", []string{"nope"})
		err := conn.Modify(mod)
		require.True(t, goldap.IsErrorWithCode(err, goldap.LDAPResultNoSuchObject), "got %v", err)
	})
}

func TestCompare(t *testing.T) {
	srv, _ := startTestServer(t, nil)
	conn := bindTestUser(t, srv)

	matched, err := conn.Compare(userDN("user1"), "sAMAccountName", "user1")
	require.NoError(t, err)
	assert.True(t, matched)

	matched, err = conn.Compare(userDN("user1"), "sAMAccountName", "someone")
	require.NoError(t, err)
	assert.False(t, matched)

	_, err = conn.Compare(userDN("user1"), "description", "anything")
	require.True(t, goldap.IsErrorWithCode(err, goldap.LDAPResultNoSuchAttribute), "got %v", err)
}

func TestDelete(t *testing.T) {
	srv, _ := startTestServer(t, nil)
	conn := bindTestUser(t, srv)

	t.Run("non leaf", func(t *testing.T) {
		err := conn.Del(goldap.NewDelRequest("ou=users,"+testBaseDN, nil))
		require.True(t, goldap.IsErrorWithCode(err, goldap.LDAPResultNotAllowedOnNonLeaf), "got %v", err)
	})

	t.Run("leaf", func(t *testing.T) {
		require.NoError(t, conn.Del(goldap.NewDelRequest(userDN("user4"), nil)))

		_, err := conn.Search(goldap.NewSearchRequest(
			userDN("user4"), goldap.ScopeBaseObject, goldap.NeverDerefAliases, 0, 0, false,
			"(objectClass=*)", nil, nil,
		))
		require.True(t, goldap.IsErrorWithCode(err, goldap.LDAPResultNoSuchObject), "got %v", err)
	})

	t.Run("missing", func(t *testing.T) {
		err := conn.Del(goldap.NewDelRequest(userDN("ghost"), nil))
		require.True(t, goldap.IsErrorWithCode(err, goldap.LDAPResultNoSuchObject), "got %v", err)
	})
}

func TestModifyDN(t *testing.T) {
	srv, _ := startTestServer(t, nil)
	conn := bindTestUser(t, srv)

	t.Run("rename in place", func(t *testing.T) {
		require.NoError(t, conn.ModifyDN(
			goldap.NewModifyDNRequest(userDN("user3"), "cn=renamed", true, "")))

		res, err := conn.Search(goldap.NewSearchRequest(
			userDN("renamed"), goldap.ScopeBaseObject, goldap.NeverDerefAliases, 0, 0, false,
			"(objectClass=*)", []string{"cn"}, nil,
		))
		require.NoError(t, err)
		require.Len(t, res.Entries, 1)
		assert.Equal(t, "renamed", res.Entries[0].GetAttributeValue("cn"))
	})

	t.Run("move to new superior", func(t *testing.T) {
		box := goldap.NewAddRequest("ou=archive,"+testBaseDN, nil)
		box.Attribute("objectClass", []string{"organizationalUnit"})
		require.NoError(t, conn.Add(box))

		require.NoError(t, conn.ModifyDN(
			goldap.NewModifyDNRequest(userDN("user2"), "cn=user2", true, "ou=archive,"+testBaseDN)))

		res, err := conn.Search(goldap.NewSearchRequest(
			"ou=archive,"+testBaseDN, goldap.ScopeSingleLevel, goldap.NeverDerefAliases, 0, 0, false,
			"(objectClass=*)", []string{"cn"}, nil,
		))
		require.NoError(t, err)
		require.Len(t, res.Entries, 1)
		assert.Equal(t, "cn=user2,ou=archive,"+testBaseDN, res.Entries[0].DN)
	})

	t.Run("target exists", func(t *testing.T) {
		err := conn.ModifyDN(
			goldap.NewModifyDNRequest(userDN("user1"), "cn=user0", true, ""))
		require.True(t, goldap.IsErrorWithCode(err, goldap.LDAPResultEntryAlreadyExists), "got %v", err)
	})
}

func TestConcurrentSearches(t *testing.T) {
	srv, _ := startTestServer(t, nil)
	conn := bindTestUser(t, srv)

	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, err := conn.Search(goldap.NewSearchRequest(
				testBaseDN, goldap.ScopeWholeSubtree, goldap.NeverDerefAliases, 0, 0, false,
				"(objectClass=user)", []string{"cn"}, nil,
			))
			done <- err
		}()
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, <-done)
	}
}

func TestGracefulStop(t *testing.T) {
	srv, _ := startTestServer(t, nil)
	conn := bindTestUser(t, srv)
	_ = conn

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
}
