package models

import (
	"strings"
	"time"
)

// SearchableUserColumns maps lowercased LDAP attribute names to the Users
// table columns the filter interpreter may compare directly, bypassing the
// Attributes join.
var SearchableUserColumns = map[string]string{
	"samaccountname":    "sam_account_name",
	"userprincipalname": "user_principal_name",
	"displayname":       "display_name",
	"mail":              "mail",
	"lastlogon":         "last_logon",
	"accountexpires":    "account_expires",
}

// SearchableDirectoryColumns is the Directory counterpart of
// SearchableUserColumns.
var SearchableDirectoryColumns = map[string]string{
	"name":        "name",
	"cn":          "name",
	"objectclass": "object_class",
	"objectsid":   "object_sid",
	"objectguid":  "object_guid",
	"whencreated": "created_at",
	"whenchanged": "updated_at",
}

// User specialises a Directory entry of object class "user".
//
// PasswordHash carries its scheme in the prefix ($2 bcrypt, $argon2id,
// $6$ sha512-crypt); verification dispatches on it. PasswordHistory holds
// previous hashes newest-last, bounded by the password policy.
type User struct {
	ID                 uint       `gorm:"primaryKey" json:"id"`
	DirectoryID        uint       `gorm:"uniqueIndex;not null" json:"directory_id"`
	SAMAccountName     string     `gorm:"column:sam_account_name;uniqueIndex;not null;size:255" json:"sam_account_name"`
	UserPrincipalName  string     `gorm:"uniqueIndex;not null;size:255" json:"user_principal_name"`
	DisplayName        string     `gorm:"size:255" json:"display_name,omitempty"`
	Mail               string     `gorm:"size:255" json:"mail,omitempty"`
	PasswordHash       string     `gorm:"type:text" json:"-"`
	LastLogon          *time.Time `json:"last_logon,omitempty"`
	AccountExpires     *time.Time `json:"account_expires,omitempty"`
	RawPasswordHistory string     `gorm:"column:password_history;type:text" json:"-"`

	Directory *Directory `gorm:"foreignKey:DirectoryID" json:"-"`

	Groups []Group `gorm:"many2many:user_memberships;" json:"groups,omitempty"`
}

// TableName returns the table name for User.
func (User) TableName() string {
	return "users"
}

// GetPasswordHistory returns previous password hashes, newest last.
func (u *User) GetPasswordHistory() []string {
	return parseStringList(u.RawPasswordHistory)
}

// AppendPasswordHistory records the given hash as the most recent entry,
// discarding the oldest entries beyond limit.
func (u *User) AppendPasswordHistory(hash string, limit int) {
	history := append(u.GetPasswordHistory(), hash)
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	u.RawPasswordHistory = marshalStringList(history)
}

// MatchesName reports whether name identifies this user by UPN or
// sAMAccountName, compared case-insensitively.
func (u *User) MatchesName(name string) bool {
	return strings.EqualFold(u.UserPrincipalName, name) ||
		strings.EqualFold(u.SAMAccountName, name)
}

// Group specialises a Directory entry of object class "group". Membership is
// two relations: users in the group, and child groups nested under it. The
// nested relation forms a DAG; cycle checks run on every edge insert.
type Group struct {
	ID          uint `gorm:"primaryKey" json:"id"`
	DirectoryID uint `gorm:"uniqueIndex;not null" json:"directory_id"`

	Directory *Directory `gorm:"foreignKey:DirectoryID" json:"-"`

	Users []User `gorm:"many2many:user_memberships;" json:"users,omitempty"`

	// ParentGroups are the groups this group is nested under
	// (this group is the child side of the edge).
	ParentGroups []*Group `gorm:"many2many:group_memberships;joinForeignKey:group_child_id;joinReferences:group_id" json:"parent_groups,omitempty"`

	// ChildGroups are the groups nested under this group.
	ChildGroups []*Group `gorm:"many2many:group_memberships;joinForeignKey:group_id;joinReferences:group_child_id" json:"child_groups,omitempty"`
}

// TableName returns the table name for Group.
func (Group) TableName() string {
	return "groups"
}

// Computer specialises a Directory entry of object class "computer".
type Computer struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	DirectoryID uint   `gorm:"uniqueIndex;not null" json:"directory_id"`
	DNSHostName string `gorm:"size:255" json:"dns_host_name,omitempty"`

	Directory *Directory `gorm:"foreignKey:DirectoryID" json:"-"`
}

// TableName returns the table name for Computer.
func (Computer) TableName() string {
	return "computers"
}
