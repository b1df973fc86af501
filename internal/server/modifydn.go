package server

import (
	"context"
	"errors"

	"github.com/multidirectory/multidirectory/internal/ldap"
	"github.com/multidirectory/multidirectory/internal/logger"
	"github.com/multidirectory/multidirectory/pkg/models"
)

func (c *connection) handleModifyDN(ctx context.Context, msg *ldap.Message) ldap.Result {
	if user, _ := c.sess.get(); user == nil {
		return ldap.Error(ldap.ResultInsufficientAccessRights, "anonymous modify DN is not allowed")
	}

	req, err := ldap.DecodeModifyDNRequest(msg.Op)
	if err != nil {
		return ldap.Error(ldap.ResultProtocolError, "malformed modify DN request")
	}

	dn := ldap.NormalizeDN(req.Entry)
	newRDN := ldap.NormalizeDN(req.NewRDN)
	logger.DebugCtx(ctx, "modify dn", logger.DN(dn), logger.KeyNewDN, newRDN)

	if _, _, err := ldap.SplitRDN(newRDN); err != nil {
		return ldap.Error(ldap.ResultInvalidDNSyntax, "invalid new RDN")
	}

	entry, result, ok := c.resolveEntry(ctx, dn)
	if !ok {
		return result
	}
	if entry.Path == nil {
		return ldap.Error(ldap.ResultOperationsError, "entry has no path")
	}

	// The new parent defaults to the current one; newSuperior moves the
	// whole subtree elsewhere.
	parentPath := entry.Path.GetPath()
	parentPath = parentPath[:len(parentPath)-1]
	if req.NewSuperior != "" {
		parentPath, err = ldap.DNToPath(ldap.NormalizeDN(req.NewSuperior), c.srv.baseDN)
		if err != nil {
			return ldap.Error(ldap.ResultNoSuchObject, "new superior does not exist")
		}
	}

	var newParent *models.Directory
	if len(parentPath) > 0 {
		newParent, err = c.srv.store.FindByPath(ctx, parentPath)
		if err != nil {
			if errors.Is(err, models.ErrEntryNotFound) {
				return ldap.Error(ldap.ResultNoSuchObject, "new superior does not exist")
			}
			logger.ErrorCtx(ctx, "new superior lookup failed", logger.Err(err))
			return ldap.Error(ldap.ResultOperationsError, "modify DN failed")
		}
	}

	newPath := append(append([]string{}, parentPath...), newRDN)
	if _, err := c.srv.store.FindByPath(ctx, newPath); err == nil {
		return ldap.Error(ldap.ResultEntryAlreadyExists, "target entry already exists")
	} else if !errors.Is(err, models.ErrEntryNotFound) {
		logger.ErrorCtx(ctx, "target lookup failed", logger.Err(err))
		return ldap.Error(ldap.ResultOperationsError, "modify DN failed")
	}

	if err := c.srv.store.RenameSubtree(ctx, entry, newPath, newParent); err != nil {
		logger.ErrorCtx(ctx, "rename failed", logger.DN(dn), logger.Err(err))
		return ldap.Error(ldap.ResultOperationsError, "modify DN failed")
	}

	logger.InfoCtx(ctx, "entry renamed",
		logger.DN(dn), logger.KeyNewDN, ldap.PathToDN(newPath, c.srv.baseDN))
	return ldap.Success
}
