package server

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/multidirectory/multidirectory/internal/ldap"
	"github.com/multidirectory/multidirectory/internal/logger"
	"github.com/multidirectory/multidirectory/internal/policy"
	"github.com/multidirectory/multidirectory/pkg/models"
	"github.com/multidirectory/multidirectory/pkg/store"
)

// Attribute names consumed by columns or relations instead of rows.
var columnBackedAttrs = map[string]bool{
	"objectclass":       true,
	"samaccountname":    true,
	"userprincipalname": true,
	"displayname":       true,
	"mail":              true,
	"userpassword":      true,
	"unicodepwd":        true,
	"memberof":          true,
	"member":            true,
}

func (c *connection) handleAdd(ctx context.Context, msg *ldap.Message) ldap.Result {
	if user, _ := c.sess.get(); user == nil {
		return ldap.Error(ldap.ResultInsufficientAccessRights, "anonymous add is not allowed")
	}

	req, err := ldap.DecodeAddRequest(msg.Op)
	if err != nil {
		return ldap.Error(ldap.ResultProtocolError, "malformed add request")
	}

	dn := ldap.NormalizeDN(req.Entry)
	if !ldap.ValidateDN(dn) || dn == "" {
		return ldap.Error(ldap.ResultInvalidDNSyntax, "invalid entry name")
	}
	logger.DebugCtx(ctx, "add", logger.DN(dn))

	path, err := ldap.DNToPath(dn, c.srv.baseDN)
	if err != nil {
		if errors.Is(err, ldap.ErrNotInNamingContext) {
			return ldap.Error(ldap.ResultNoSuchObject, "entry outside the naming context")
		}
		return ldap.Error(ldap.ResultInvalidDNSyntax, "invalid entry name")
	}
	if len(path) == 0 {
		return ldap.Error(ldap.ResultEntryAlreadyExists, "naming context root already exists")
	}

	var parent *models.Directory
	if len(path) > 1 {
		parent, err = c.srv.store.FindByPath(ctx, path[:len(path)-1])
		if err != nil {
			if errors.Is(err, models.ErrEntryNotFound) {
				return ldap.Error(ldap.ResultNoSuchObject, "parent entry does not exist")
			}
			logger.ErrorCtx(ctx, "parent lookup failed", logger.Err(err))
			return ldap.Error(ldap.ResultOperationsError, "add failed")
		}
	}

	attrs := indexAttributes(req.Attributes)
	classes := attrs["objectclass"].StringValues()
	if len(classes) == 0 {
		return ldap.Error(ldap.ResultObjectClassViolation, "objectClass is required")
	}

	_, name, err := ldap.SplitRDN(path[len(path)-1])
	if err != nil {
		return ldap.Error(ldap.ResultInvalidDNSyntax, "invalid entry name")
	}

	dir := &models.Directory{
		ObjectClass: primaryObjectClass(classes),
		Name:        name,
		Parent:      parent,
		ObjectGUID:  uuid.NewString(),
	}

	rows := c.attributeRows(attrs, classes, dir.ObjectClass, name)

	var newUser *models.User
	var newGroup *models.Group
	switch {
	case hasClass(classes, "user") || hasClass(classes, "person"):
		newUser = &models.User{
			SAMAccountName:    firstValueOr(attrs, "samaccountname", name),
			DisplayName:       firstValueOr(attrs, "displayname", ""),
			Mail:              firstValueOr(attrs, "mail", ""),
			UserPrincipalName: firstValueOr(attrs, "userprincipalname", ""),
		}
		if newUser.UserPrincipalName == "" {
			newUser.UserPrincipalName = newUser.SAMAccountName + "@" + domainFromBaseDN(c.srv.baseDN)
		}
		if password := firstValueOr(attrs, "userpassword", ""); password != "" {
			if result, ok := c.hashNewPassword(ctx, newUser, password); !ok {
				return result
			}
		}
	case hasClass(classes, "group"):
		newGroup = &models.Group{}
	}

	if err := c.srv.store.CreateEntry(ctx, dir, path, rows, newUser, newGroup); err != nil {
		switch {
		case errors.Is(err, models.ErrEntryExists), errors.Is(err, models.ErrDuplicateUser):
			return ldap.Error(ldap.ResultEntryAlreadyExists, "entry already exists")
		default:
			logger.ErrorCtx(ctx, "add failed", logger.DN(dn), logger.Err(err))
			return ldap.Error(ldap.ResultOperationsError, "add failed")
		}
	}

	if sid := c.settingOr(ctx, models.SettingObjectSid, ""); sid != "" {
		rid := 1000 + dir.ID
		if err := c.srv.store.SetObjectSid(ctx, dir.ID, models.RelativeSid(sid, uint(rid))); err != nil {
			logger.WarnCtx(ctx, "objectSid stamp failed", logger.Err(err))
		}
	}

	if result, ok := c.applyMembershipAttrs(ctx, dir, newUser, newGroup, attrs); !ok {
		return result
	}

	logger.InfoCtx(ctx, "entry added", logger.DN(dn))
	return ldap.Success
}

// hashNewPassword runs the password policy and fills in the hash. Returns
// the error result when the policy refuses the password.
func (c *connection) hashNewPassword(ctx context.Context, user *models.User, password string) (ldap.Result, bool) {
	pwdPolicy, err := c.srv.store.GetPasswordPolicy(ctx)
	if err != nil {
		logger.ErrorCtx(ctx, "password policy lookup failed", logger.Err(err))
		return ldap.Error(ldap.ResultOperationsError, "add failed"), false
	}
	if violations := policy.CheckPassword(pwdPolicy, user, password, time.Time{}); len(violations) > 0 {
		return ldap.Error(ldap.ResultConstraintViolation, strings.Join(violations, "; ")), false
	}
	hash, err := models.HashPassword(password)
	if err != nil {
		logger.ErrorCtx(ctx, "password hashing failed", logger.Err(err))
		return ldap.Error(ldap.ResultOperationsError, "add failed"), false
	}
	user.PasswordHash = hash
	return ldap.Result{}, true
}

// applyMembershipAttrs wires memberOf and member values into group edges.
func (c *connection) applyMembershipAttrs(
	ctx context.Context,
	dir *models.Directory,
	newUser *models.User,
	newGroup *models.Group,
	attrs map[string]ldap.PartialAttribute,
) (ldap.Result, bool) {
	if memberOf, ok := attrs["memberof"]; ok {
		groups, result, ok := c.resolveGroups(ctx, memberOf.StringValues())
		if !ok {
			return result, false
		}
		switch {
		case newUser != nil:
			if err := c.srv.store.AddUserToGroups(ctx, newUser, groups); err != nil {
				logger.ErrorCtx(ctx, "memberOf wiring failed", logger.Err(err))
				return ldap.Error(ldap.ResultOperationsError, "add failed"), false
			}
		case newGroup != nil:
			if err := c.srv.store.NestGroup(ctx, newGroup, groups); err != nil {
				if errors.Is(err, models.ErrGroupCycle) {
					return ldap.Error(ldap.ResultConstraintViolation, "group nesting would form a cycle"), false
				}
				logger.ErrorCtx(ctx, "memberOf wiring failed", logger.Err(err))
				return ldap.Error(ldap.ResultOperationsError, "add failed"), false
			}
		}
	}

	if member, ok := attrs["member"]; ok && newGroup != nil {
		for _, memberDN := range member.StringValues() {
			if result, ok := c.addGroupMember(ctx, newGroup, memberDN); !ok {
				return result, false
			}
		}
	}
	return ldap.Result{}, true
}

func (c *connection) resolveGroups(ctx context.Context, dns []string) ([]*models.Group, ldap.Result, bool) {
	groups := make([]*models.Group, 0, len(dns))
	for _, groupDN := range dns {
		path, err := ldap.DNToPath(groupDN, c.srv.baseDN)
		if err != nil {
			return nil, ldap.Error(ldap.ResultNoSuchObject,
				fmt.Sprintf("group %q does not exist", groupDN)), false
		}
		group, err := c.srv.store.GetGroupByPath(ctx, path)
		if err != nil {
			return nil, ldap.Error(ldap.ResultNoSuchObject,
				fmt.Sprintf("group %q does not exist", groupDN)), false
		}
		groups = append(groups, group)
	}
	return groups, ldap.Result{}, true
}

func (c *connection) addGroupMember(ctx context.Context, group *models.Group, memberDN string) (ldap.Result, bool) {
	path, err := ldap.DNToPath(memberDN, c.srv.baseDN)
	if err != nil {
		return ldap.Error(ldap.ResultNoSuchObject,
			fmt.Sprintf("member %q does not exist", memberDN)), false
	}
	entry, err := c.srv.store.FindByPath(ctx, path)
	if err != nil {
		return ldap.Error(ldap.ResultNoSuchObject,
			fmt.Sprintf("member %q does not exist", memberDN)), false
	}
	switch {
	case entry.User != nil:
		err = c.srv.store.AddUserToGroups(ctx, entry.User, []*models.Group{group})
	case entry.Group != nil:
		err = c.srv.store.NestGroup(ctx, entry.Group, []*models.Group{group})
		if errors.Is(err, models.ErrGroupCycle) {
			return ldap.Error(ldap.ResultConstraintViolation, "group nesting would form a cycle"), false
		}
	default:
		return ldap.Error(ldap.ResultConstraintViolation,
			fmt.Sprintf("member %q is neither a user nor a group", memberDN)), false
	}
	if err != nil {
		logger.ErrorCtx(ctx, "member wiring failed", logger.Err(err))
		return ldap.Error(ldap.ResultOperationsError, "add failed"), false
	}
	return ldap.Result{}, true
}

// attributeRows converts the request attributes into stored rows, skipping
// the column-backed names and adding the POSIX auto-attributes.
func (c *connection) attributeRows(
	attrs map[string]ldap.PartialAttribute,
	classes []string,
	primaryClass string,
	name string,
) []models.Attribute {
	var rows []models.Attribute
	for _, attr := range attrs {
		if columnBackedAttrs[strings.ToLower(attr.Type)] {
			continue
		}
		for _, value := range attr.Values {
			rows = append(rows, models.Attribute{Name: attr.Type, Value: value.String()})
		}
	}
	// Secondary object classes keep their own rows; the primary lives on
	// the directory column.
	for _, class := range classes {
		if !strings.EqualFold(class, primaryClass) {
			rows = append(rows, models.Attribute{Name: "objectClass", Value: class})
		}
	}

	isUser := hasClass(classes, "user") || hasClass(classes, "person")
	if isUser {
		sam := name
		if attr, ok := attrs["samaccountname"]; ok && len(attr.Values) > 0 {
			sam = attr.Values[0].String()
		}
		rows = append(rows,
			models.Attribute{Name: "uidNumber", Value: fmt.Sprintf("%d", nameHash(sam))},
			models.Attribute{Name: "homeDirectory", Value: "/home/" + sam},
			models.Attribute{Name: "loginShell", Value: "/bin/bash"},
		)
		stamp := "0"
		if _, ok := attrs["userpassword"]; ok {
			stamp = store.WindowsFileTime(time.Now().UTC())
		}
		rows = append(rows, models.Attribute{Name: "pwdLastSet", Value: stamp})
	}
	if isUser || hasClass(classes, "group") {
		rows = append(rows, models.Attribute{Name: "gidNumber", Value: fmt.Sprintf("%d", nameHash(reverse(name)))})
	}
	return rows
}

func indexAttributes(attrs []ldap.PartialAttribute) map[string]ldap.PartialAttribute {
	out := make(map[string]ldap.PartialAttribute, len(attrs))
	for _, attr := range attrs {
		key := strings.ToLower(attr.Type)
		if existing, ok := out[key]; ok {
			existing.Values = append(existing.Values, attr.Values...)
			out[key] = existing
			continue
		}
		out[key] = attr
	}
	return out
}

func firstValueOr(attrs map[string]ldap.PartialAttribute, name, fallback string) string {
	if attr, ok := attrs[name]; ok && len(attr.Values) > 0 {
		return attr.Values[0].String()
	}
	return fallback
}

// primaryObjectClass picks the most specific class for the directory column.
func primaryObjectClass(classes []string) string {
	for _, known := range []string{"user", "group", "computer", "organizationalUnit", "container", "domain"} {
		if hasClass(classes, known) {
			return known
		}
	}
	return classes[len(classes)-1]
}

func hasClass(classes []string, want string) bool {
	for _, class := range classes {
		if strings.EqualFold(class, want) {
			return true
		}
	}
	return false
}

// domainFromBaseDN renders "dc=md,dc=test" back into "md.test".
func domainFromBaseDN(baseDN string) string {
	var labels []string
	for _, rdn := range strings.Split(baseDN, ",") {
		if _, value, err := ldap.SplitRDN(rdn); err == nil {
			labels = append(labels, value)
		}
	}
	return strings.Join(labels, ".")
}

// nameHash derives a stable positive integer from a name for the POSIX
// uidNumber/gidNumber auto-attributes.
func nameHash(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.ToLower(s)))
	return h.Sum32() & 0x7fffffff
}

func reverse(s string) string {
	runes := []rune(s)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return string(runes)
}
