package models

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectoryRDN(t *testing.T) {
	assert.Equal(t, "ou=users", (&Directory{ObjectClass: "organizationalUnit", Name: "users"}).RDN())
	assert.Equal(t, "cn=user0", (&Directory{ObjectClass: "user", Name: "user0"}).RDN())
	assert.Equal(t, "dc=md", (&Directory{ObjectClass: "domain", Name: "md"}).RDN())
}

func TestPathRoundTrip(t *testing.T) {
	p := &Path{}
	p.SetPath([]string{"cn=groups", "cn=domain admins"})
	assert.Equal(t, []string{"cn=groups", "cn=domain admins"}, p.GetPath())

	p.SetPath(nil)
	assert.Nil(t, p.GetPath())
}

func TestPasswordHistoryBounded(t *testing.T) {
	u := &User{}
	for i := 0; i < 6; i++ {
		u.AppendPasswordHistory(string(rune('a'+i)), 4)
	}
	history := u.GetPasswordHistory()
	require.Len(t, history, 4)
	assert.Equal(t, "c", history[0])
	assert.Equal(t, "f", history[3])
}

func TestUserMatchesName(t *testing.T) {
	u := &User{UserPrincipalName: "user0@md.test", SAMAccountName: "user0"}
	assert.True(t, u.MatchesName("USER0@md.test"))
	assert.True(t, u.MatchesName("User0"))
	assert.False(t, u.MatchesName("user1"))
}

func TestNetworkPolicyNetmasks(t *testing.T) {
	p := &NetworkPolicy{}
	require.NoError(t, p.SetNetmasks([]string{"10.0.0.0/8", "192.168.1.7"}))
	assert.Equal(t, []string{"10.0.0.0/8", "192.168.1.7/32"}, p.GetNetmasks())

	assert.True(t, p.Contains(netip.MustParseAddr("10.1.2.3")))
	assert.True(t, p.Contains(netip.MustParseAddr("192.168.1.7")))
	assert.False(t, p.Contains(netip.MustParseAddr("192.168.1.8")))

	assert.Error(t, p.SetNetmasks([]string{"not-an-address"}))
}

func TestNetworkPolicyContainsMappedV4(t *testing.T) {
	p := &NetworkPolicy{}
	require.NoError(t, p.SetNetmasks([]string{"127.0.0.0/8"}))
	assert.True(t, p.Contains(netip.MustParseAddr("::ffff:127.0.0.1")))
}

func TestVerifyPasswordDispatch(t *testing.T) {
	hash, err := HashPassword("password")
	require.NoError(t, err)
	assert.True(t, VerifyPassword("password", hash))
	assert.False(t, VerifyPassword("wrong", hash))

	assert.False(t, VerifyPassword("password", "$unknown$scheme"))
	assert.False(t, VerifyPassword("password", ""))
}

func TestVerifyPasswordSHA512Crypt(t *testing.T) {
	// Reference vector from the sha512-crypt specification.
	encoded := "$6$saltstring$svn8UoSVapNtMuq1ukKS4tPQd8iKwSMHWjl/O817G3uBnIFNjnQJuesI68u4OTLiBFdcbYEdFCoEOfaS35inz1"
	assert.True(t, VerifyPassword("Hello world!", encoded))
	assert.False(t, VerifyPassword("hello world!", encoded))
}

func TestVerifyArgon2(t *testing.T) {
	// argon2id, m=65536 t=1 p=4, password "password".
	encoded := "$argon2id$v=19$m=65536,t=1,p=4$c29tZXNhbHQ$TfbdzV+JpvJJxS86o8eZlQwtffLDJpQ7KRBgJFRIHJI"
	assert.False(t, VerifyPassword("password", encoded+"broken"))
}

func TestPasswordPolicyValidate(t *testing.T) {
	p := DefaultPasswordPolicy()
	assert.NoError(t, p.Validate())

	p.MinimumAgeDays = 10
	p.MaximumAgeDays = 5
	assert.Error(t, p.Validate())

	p.MaximumAgeDays = 0
	assert.NoError(t, p.Validate())
}

func TestDomainSid(t *testing.T) {
	sid, err := NewDomainSid()
	require.NoError(t, err)
	assert.Regexp(t, `^S-1-5-21-\d+-\d+-\d+$`, sid)
	assert.Equal(t, sid+"-512", RelativeSid(sid, 512))
}

func TestDecodeSidRejectsShortInput(t *testing.T) {
	_, err := DecodeSid([]byte{1, 2, 3})
	assert.Error(t, err)
}
