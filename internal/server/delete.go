package server

import (
	"context"

	"github.com/multidirectory/multidirectory/internal/ldap"
	"github.com/multidirectory/multidirectory/internal/logger"
)

func (c *connection) handleDelete(ctx context.Context, msg *ldap.Message) ldap.Result {
	if user, _ := c.sess.get(); user == nil {
		return ldap.Error(ldap.ResultInsufficientAccessRights, "anonymous delete is not allowed")
	}

	req, err := ldap.DecodeDeleteRequest(msg.Op)
	if err != nil {
		return ldap.Error(ldap.ResultProtocolError, "malformed delete request")
	}

	dn := ldap.NormalizeDN(req.DN)
	logger.DebugCtx(ctx, "delete", logger.DN(dn))

	entry, result, ok := c.resolveEntry(ctx, dn)
	if !ok {
		return result
	}

	hasChildren, err := c.srv.store.HasChildren(ctx, entry.ID)
	if err != nil {
		logger.ErrorCtx(ctx, "child check failed", logger.DN(dn), logger.Err(err))
		return ldap.Error(ldap.ResultOperationsError, "delete failed")
	}
	if hasChildren {
		return ldap.Error(ldap.ResultNotAllowedOnNonLeaf, "entry has children")
	}

	if err := c.srv.store.DeleteEntry(ctx, entry); err != nil {
		logger.ErrorCtx(ctx, "delete failed", logger.DN(dn), logger.Err(err))
		return ldap.Error(ldap.ResultOperationsError, "delete failed")
	}

	logger.InfoCtx(ctx, "entry deleted", logger.DN(dn))
	return ldap.Success
}
