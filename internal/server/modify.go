package server

import (
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"unicode/utf16"

	"github.com/multidirectory/multidirectory/internal/ldap"
	"github.com/multidirectory/multidirectory/internal/logger"
	"github.com/multidirectory/multidirectory/internal/policy"
	"github.com/multidirectory/multidirectory/pkg/models"
	"github.com/multidirectory/multidirectory/pkg/store"
)

// resultError carries a specific result code out of a modify transaction.
type resultError struct {
	code ldap.ResultCode
	diag string
}

func (e *resultError) Error() string {
	return e.diag
}

func resultErr(code ldap.ResultCode, diag string) *resultError {
	return &resultError{code: code, diag: diag}
}

func (c *connection) handleModify(ctx context.Context, msg *ldap.Message) ldap.Result {
	if user, _ := c.sess.get(); user == nil {
		return ldap.Error(ldap.ResultInsufficientAccessRights, "anonymous modify is not allowed")
	}

	req, err := ldap.DecodeModifyRequest(msg.Op)
	if err != nil {
		return ldap.Error(ldap.ResultProtocolError, "malformed modify request")
	}

	dn := ldap.NormalizeDN(req.Object)
	logger.DebugCtx(ctx, "modify", logger.DN(dn))

	entry, result, ok := c.resolveEntry(ctx, dn)
	if !ok {
		return result
	}

	// Every change in the request applies in one transaction; the first
	// offending change rolls back the lot.
	err = c.srv.store.WithTransaction(ctx, func(tx *store.Store) error {
		for _, change := range req.Changes {
			if err := c.applyChange(ctx, tx, entry, change); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return modifyResult(err)
	}

	logger.InfoCtx(ctx, "entry modified", logger.DN(dn))
	return ldap.Success
}

func modifyResult(err error) ldap.Result {
	var re *resultError
	switch {
	case errors.As(err, &re):
		return ldap.Error(re.code, re.diag)
	case errors.Is(err, models.ErrAttributeExists):
		return ldap.Error(ldap.ResultAttributeOrValueExists, "attribute value already exists")
	case errors.Is(err, models.ErrAttributeNotFound):
		return ldap.Error(ldap.ResultNoSuchAttribute, "no such attribute value")
	case errors.Is(err, models.ErrGroupCycle):
		return ldap.Error(ldap.ResultConstraintViolation, "group nesting would form a cycle")
	case errors.Is(err, models.ErrGroupNotFound),
		errors.Is(err, models.ErrEntryNotFound),
		errors.Is(err, models.ErrUserNotFound):
		return ldap.Error(ldap.ResultNoSuchObject, "referenced entry does not exist")
	default:
		return ldap.Error(ldap.ResultOperationsError, "modify failed")
	}
}

func (c *connection) applyChange(
	ctx context.Context,
	tx *store.Store,
	entry *models.Directory,
	change ldap.ModifyChange,
) error {
	attr := change.Attribute
	switch strings.ToLower(attr.Type) {
	case "memberof":
		return c.modifyMemberOf(ctx, tx, entry, change)
	case "member":
		return c.modifyMember(ctx, tx, entry, change)
	case "userpassword", "unicodepwd":
		return c.modifyPassword(ctx, tx, entry, change)
	case "samaccountname", "userprincipalname", "displayname", "mail", "accountexpires":
		return c.modifyUserColumn(ctx, tx, entry, change)
	default:
		return c.modifyAttributeRows(ctx, tx, entry, change)
	}
}

func (c *connection) modifyAttributeRows(
	ctx context.Context,
	tx *store.Store,
	entry *models.Directory,
	change ldap.ModifyChange,
) error {
	attr := change.Attribute
	rows := make([]models.Attribute, 0, len(attr.Values))
	for _, value := range attr.Values {
		rows = append(rows, models.Attribute{Name: attr.Type, Value: value.String()})
	}

	switch change.Operation {
	case ldap.ModifyAdd:
		return tx.AddAttributes(ctx, entry.ID, rows)
	case ldap.ModifyDelete:
		return tx.DeleteAttribute(ctx, entry.ID, attr.Type, attr.StringValues())
	default:
		return tx.ReplaceAttribute(ctx, entry.ID, attr.Type, rows)
	}
}

func (c *connection) modifyMemberOf(
	ctx context.Context,
	tx *store.Store,
	entry *models.Directory,
	change ldap.ModifyChange,
) error {
	groups, result, ok := c.resolveGroups(ctx, change.Attribute.StringValues())
	if !ok {
		return resultErr(result.Code, result.Diagnostic)
	}

	switch {
	case entry.User != nil:
		current := make([]*models.Group, 0, len(entry.User.Groups))
		for i := range entry.User.Groups {
			current = append(current, &entry.User.Groups[i])
		}
		switch change.Operation {
		case ldap.ModifyAdd:
			return tx.AddUserToGroups(ctx, entry.User, groups)
		case ldap.ModifyDelete:
			if len(groups) == 0 {
				groups = current
			}
			return tx.RemoveUserFromGroups(ctx, entry.User, groups)
		default:
			if err := tx.RemoveUserFromGroups(ctx, entry.User, current); err != nil {
				return err
			}
			return tx.AddUserToGroups(ctx, entry.User, groups)
		}
	case entry.Group != nil:
		current := entry.Group.ParentGroups
		switch change.Operation {
		case ldap.ModifyAdd:
			return tx.NestGroup(ctx, entry.Group, groups)
		case ldap.ModifyDelete:
			if len(groups) == 0 {
				groups = current
			}
			return tx.UnnestGroup(ctx, entry.Group, groups)
		default:
			if err := tx.UnnestGroup(ctx, entry.Group, current); err != nil {
				return err
			}
			return tx.NestGroup(ctx, entry.Group, groups)
		}
	default:
		return resultErr(ldap.ResultConstraintViolation, "memberOf applies to users and groups only")
	}
}

func (c *connection) modifyMember(
	ctx context.Context,
	tx *store.Store,
	entry *models.Directory,
	change ldap.ModifyChange,
) error {
	if entry.Group == nil {
		return resultErr(ldap.ResultConstraintViolation, "member applies to groups only")
	}

	for _, memberDN := range change.Attribute.StringValues() {
		path, err := ldap.DNToPath(memberDN, c.srv.baseDN)
		if err != nil {
			return models.ErrEntryNotFound
		}
		member, err := tx.FindByPath(ctx, path)
		if err != nil {
			return err
		}
		switch {
		case member.User != nil:
			if change.Operation == ldap.ModifyDelete {
				err = tx.RemoveUserFromGroups(ctx, member.User, []*models.Group{entry.Group})
			} else {
				err = tx.AddUserToGroups(ctx, member.User, []*models.Group{entry.Group})
			}
		case member.Group != nil:
			if change.Operation == ldap.ModifyDelete {
				err = tx.UnnestGroup(ctx, member.Group, []*models.Group{entry.Group})
			} else {
				err = tx.NestGroup(ctx, member.Group, []*models.Group{entry.Group})
			}
		default:
			return resultErr(ldap.ResultConstraintViolation, "member must be a user or a group")
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *connection) modifyPassword(
	ctx context.Context,
	tx *store.Store,
	entry *models.Directory,
	change ldap.ModifyChange,
) error {
	if entry.User == nil {
		return resultErr(ldap.ResultConstraintViolation, "entry has no password")
	}
	if change.Operation == ldap.ModifyDelete {
		return resultErr(ldap.ResultUnwillingToPerform, "password delete is not supported")
	}
	if len(change.Attribute.Values) != 1 {
		return resultErr(ldap.ResultConstraintViolation, "exactly one password value required")
	}

	password := change.Attribute.Values[0].String()
	if strings.EqualFold(change.Attribute.Type, "unicodePwd") {
		password = decodeUnicodePwd(change.Attribute.Values[0].Raw)
	}

	pwdPolicy, err := tx.GetPasswordPolicy(ctx)
	if err != nil {
		return err
	}
	lastSet, err := tx.PasswordLastSet(ctx, entry.ID)
	if err != nil {
		return err
	}
	if violations := policy.CheckPassword(pwdPolicy, entry.User, password, lastSet); len(violations) > 0 {
		return resultErr(ldap.ResultConstraintViolation, strings.Join(violations, "; "))
	}

	hash, err := models.HashPassword(password)
	if err != nil {
		return err
	}
	return tx.UpdateUserPassword(ctx, entry.User, hash, pwdPolicy.HistoryLength)
}

func (c *connection) modifyUserColumn(
	ctx context.Context,
	tx *store.Store,
	entry *models.Directory,
	change ldap.ModifyChange,
) error {
	if entry.User == nil {
		return resultErr(ldap.ResultNoSuchAttribute, "entry is not a user")
	}

	name := strings.ToLower(change.Attribute.Type)
	column := models.SearchableUserColumns[name]

	var value any
	switch change.Operation {
	case ldap.ModifyDelete:
		value = nil
	default:
		if len(change.Attribute.Values) == 0 {
			return resultErr(ldap.ResultConstraintViolation, "value required")
		}
		raw := change.Attribute.Values[0].String()
		if name == "accountexpires" {
			// "0" and the int64 maximum both mean never-expires.
			if raw == "0" || raw == "9223372036854775807" {
				value = nil
			} else if t := store.ParseWindowsFileTime(raw); !t.IsZero() {
				value = t
			} else {
				return resultErr(ldap.ResultInvalidAttributeSyntax, "malformed accountExpires value")
			}
		} else {
			value = raw
		}
	}

	return tx.UpdateUserFields(ctx, entry.User.ID, map[string]any{column: value})
}

// resolveEntry loads the modify/delete/compare target, mapping lookup
// failures to their result codes.
func (c *connection) resolveEntry(ctx context.Context, dn string) (*models.Directory, ldap.Result, bool) {
	if !ldap.ValidateDN(dn) || dn == "" {
		return nil, ldap.Error(ldap.ResultInvalidDNSyntax, "invalid entry name"), false
	}
	path, err := ldap.DNToPath(dn, c.srv.baseDN)
	if err != nil || len(path) == 0 {
		return nil, ldap.Error(ldap.ResultNoSuchObject, "entry does not exist"), false
	}
	entry, err := c.srv.store.FindByPath(ctx, path)
	if err != nil {
		if errors.Is(err, models.ErrEntryNotFound) {
			return nil, ldap.Error(ldap.ResultNoSuchObject, "entry does not exist"), false
		}
		logger.ErrorCtx(ctx, "entry lookup failed", logger.DN(dn), logger.Err(err))
		return nil, ldap.Error(ldap.ResultOperationsError, "lookup failed"), false
	}
	return entry, ldap.Result{}, true
}

// decodeUnicodePwd unwraps the AD password encoding: the literal password
// wrapped in double quotes, as UTF-16LE bytes.
func decodeUnicodePwd(raw []byte) string {
	if len(raw)%2 != 0 {
		return string(raw)
	}
	codes := make([]uint16, len(raw)/2)
	for i := range codes {
		codes[i] = binary.LittleEndian.Uint16(raw[2*i:])
	}
	return strings.Trim(string(utf16.Decode(codes)), `"`)
}
