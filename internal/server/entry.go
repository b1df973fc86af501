package server

import (
	"strings"
	"time"

	"github.com/multidirectory/multidirectory/internal/ldap"
	"github.com/multidirectory/multidirectory/pkg/models"
)

// entryAttrs accumulates rendered attributes, merging values of repeated
// names case-insensitively while preserving first-seen order and casing.
type entryAttrs struct {
	attrs []ldap.EntryAttribute
	index map[string]int
}

func newEntryAttrs() *entryAttrs {
	return &entryAttrs{index: make(map[string]int)}
}

func (e *entryAttrs) add(name string, values ...[]byte) {
	key := strings.ToLower(name)
	i, ok := e.index[key]
	if !ok {
		i = len(e.attrs)
		e.index[key] = i
		e.attrs = append(e.attrs, ldap.EntryAttribute{Name: name})
	}
	e.attrs[i].Values = append(e.attrs[i].Values, values...)
}

func (e *entryAttrs) addString(name string, values ...string) {
	raw := make([][]byte, len(values))
	for i, v := range values {
		raw[i] = []byte(v)
	}
	e.add(name, raw...)
}

// renderEntry materialises one directory entry: the column-backed
// attributes, the free-form attribute rows, and the membership relations.
func (c *connection) renderEntry(dir *models.Directory) (string, []ldap.EntryAttribute) {
	var dn string
	if dir.Path != nil {
		dn = ldap.PathToDN(dir.Path.GetPath(), c.srv.baseDN)
	}

	e := newEntryAttrs()
	e.addString("objectClass", "top", dir.ObjectClass)

	rdnAttr, _, _ := ldap.SplitRDN(dir.RDN())
	e.addString(rdnAttr, dir.Name)
	e.addString("distinguishedName", dn)
	e.addString("whenCreated", generalizedTime(dir.CreatedAt))
	if dir.UpdatedAt != nil {
		e.addString("whenChanged", generalizedTime(*dir.UpdatedAt))
	}
	if dir.ObjectSid != "" {
		e.addString("objectSid", dir.ObjectSid)
	}
	if dir.ObjectGUID != "" {
		e.addString("objectGUID", dir.ObjectGUID)
	}

	for _, attr := range dir.Attributes {
		if len(attr.BValue) > 0 {
			e.add(attr.Name, attr.BValue)
		} else {
			e.addString(attr.Name, attr.Value)
		}
	}

	if dir.User != nil {
		e.addString("sAMAccountName", dir.User.SAMAccountName)
		e.addString("userPrincipalName", dir.User.UserPrincipalName)
		if dir.User.DisplayName != "" {
			e.addString("displayName", dir.User.DisplayName)
		}
		if dir.User.Mail != "" {
			e.addString("mail", dir.User.Mail)
		}
		if dir.User.LastLogon != nil {
			e.addString("lastLogon", generalizedTime(*dir.User.LastLogon))
		}
		if dir.User.AccountExpires != nil {
			e.addString("accountExpires", generalizedTime(*dir.User.AccountExpires))
		}
		for _, g := range dir.User.Groups {
			if g.Directory != nil && g.Directory.Path != nil {
				e.addString("memberOf", ldap.PathToDN(g.Directory.Path.GetPath(), c.srv.baseDN))
			}
		}
	}

	if dir.Group != nil {
		for _, u := range dir.Group.Users {
			if u.Directory != nil && u.Directory.Path != nil {
				e.addString("member", ldap.PathToDN(u.Directory.Path.GetPath(), c.srv.baseDN))
			}
		}
		for _, g := range dir.Group.ParentGroups {
			if g.Directory != nil && g.Directory.Path != nil {
				e.addString("memberOf", ldap.PathToDN(g.Directory.Path.GetPath(), c.srv.baseDN))
			}
		}
	}

	if dir.Computer != nil && dir.Computer.DNSHostName != "" {
		e.addString("dNSHostName", dir.Computer.DNSHostName)
	}

	return dn, e.attrs
}

// selectAttributes applies the request's attribute selection list. An empty
// list or "*" selects everything; "1.1" alone selects nothing. typesOnly
// strips the values.
func selectAttributes(attrs []ldap.EntryAttribute, requested []string, typesOnly bool) []ldap.EntryAttribute {
	wantAll := len(requested) == 0
	want := make(map[string]bool, len(requested))
	for _, name := range requested {
		switch name {
		case "*":
			wantAll = true
		case "1.1", "+":
		default:
			want[strings.ToLower(name)] = true
		}
	}

	var out []ldap.EntryAttribute
	for _, attr := range attrs {
		if !wantAll && !want[strings.ToLower(attr.Name)] {
			continue
		}
		if typesOnly {
			attr.Values = nil
		}
		out = append(out, attr)
	}
	return out
}

// generalizedTime renders a timestamp the way AD does, e.g.
// "20240115103000.0Z".
func generalizedTime(t time.Time) string {
	return t.UTC().Format("20060102150405") + ".0Z"
}
