package models

import (
	"encoding/json"
	"strings"
	"time"
)

// parseStringList deserializes a JSON-encoded string list stored as text.
// Returns nil for empty, "null", or invalid JSON.
func parseStringList(raw string) []string {
	if raw == "" || raw == "null" {
		return nil
	}
	var items []string
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil
	}
	return items
}

// marshalStringList serializes a string slice into a JSON string for storage.
// Returns an empty string for nil or empty slices.
func marshalStringList(items []string) string {
	if len(items) == 0 {
		return ""
	}
	data, err := json.Marshal(items)
	if err != nil {
		return ""
	}
	return string(data)
}

// Directory is a node in the directory tree. Users, groups and computers
// specialise a Directory via their DirectoryID; plain entries (organizational
// units, containers) are just a Directory plus Attributes.
//
// (ParentID, Name) is unique with NULL parent treated as distinct-absent, so
// there is exactly one root per name. Depth is always depth(parent)+1.
type Directory struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	ParentID    *uint      `gorm:"index;uniqueIndex:idx_parent_name" json:"parent_id,omitempty"`
	ObjectClass string     `gorm:"not null;size:255" json:"object_class"`
	Name        string     `gorm:"not null;size:255;uniqueIndex:idx_parent_name" json:"name"`
	Depth       int        `gorm:"not null" json:"depth"`
	ObjectSid   string     `gorm:"size:255" json:"object_sid"`
	ObjectGUID  string     `gorm:"size:36" json:"object_guid"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   *time.Time `gorm:"autoUpdateTime" json:"updated_at,omitempty"`

	Parent *Directory `gorm:"foreignKey:ParentID" json:"-"`

	// Path is the canonical materialised path owned by this entry.
	Path *Path `gorm:"foreignKey:EndpointID" json:"path,omitempty"`

	// Paths links this entry to its own path and the paths of all
	// descendants, mirroring the ancestor containment used by subtree
	// search. Maintained on Add and ModifyDN.
	Paths []Path `gorm:"many2many:directory_paths;" json:"-"`

	Attributes []Attribute `gorm:"foreignKey:DirectoryID" json:"attributes,omitempty"`
	User       *User       `gorm:"foreignKey:DirectoryID" json:"user,omitempty"`
	Group      *Group      `gorm:"foreignKey:DirectoryID" json:"group,omitempty"`
	Computer   *Computer   `gorm:"foreignKey:DirectoryID" json:"computer,omitempty"`
}

// TableName returns the table name for Directory.
func (Directory) TableName() string {
	return "directory"
}

// RDN returns the entry's relative distinguished name, e.g. "cn=user0".
// The attribute type is derived from the object class the way AD renders it.
func (d *Directory) RDN() string {
	return rdnAttributeType(d.ObjectClass) + "=" + d.Name
}

func rdnAttributeType(objectClass string) string {
	switch strings.ToLower(objectClass) {
	case "organizationalunit", "organizationunit", "ou":
		return "ou"
	case "domain", "domaincomponent", "dc":
		return "dc"
	default:
		return "cn"
	}
}

// Path materialises the ordered RDN values from the root down to Endpoint.
// path[depth-1] always equals the endpoint's RDN.
type Path struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	EndpointID uint   `gorm:"uniqueIndex;not null" json:"endpoint_id"`
	RawPath    string `gorm:"column:path;type:text;not null" json:"-"`

	Endpoint *Directory `gorm:"foreignKey:EndpointID" json:"-"`

	Directories []Directory `gorm:"many2many:directory_paths;" json:"-"`
}

// TableName returns the table name for Path.
func (Path) TableName() string {
	return "paths"
}

// GetPath returns the path components as a string slice, root first.
func (p *Path) GetPath() []string {
	return parseStringList(p.RawPath)
}

// SetPath serializes the path components for storage.
func (p *Path) SetPath(components []string) {
	p.RawPath = marshalStringList(components)
}

// Attribute is one value of a multi-valued LDAP attribute on a Directory.
// Either Value (UTF-8) or BValue (binary) is populated, never both. The
// name keeps its original LDAP casing; lookups compare case-insensitively.
type Attribute struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	DirectoryID uint   `gorm:"index;not null" json:"directory_id"`
	Name        string `gorm:"not null;size:255;index" json:"name"`
	Value       string `gorm:"type:text" json:"value,omitempty"`
	BValue      []byte `gorm:"type:blob" json:"bvalue,omitempty"`

	Directory *Directory `gorm:"foreignKey:DirectoryID" json:"-"`
}

// TableName returns the table name for Attribute.
func (Attribute) TableName() string {
	return "attributes"
}
