package server

import (
	"context"
	"errors"
	"time"

	"github.com/multidirectory/multidirectory/internal/ldap"
	"github.com/multidirectory/multidirectory/internal/logger"
	"github.com/multidirectory/multidirectory/pkg/models"
	"github.com/multidirectory/multidirectory/pkg/store"
)

func (c *connection) handleSearch(ctx context.Context, msg *ldap.Message) ldap.Result {
	req, err := ldap.DecodeSearchRequest(msg.Op)
	if err != nil {
		return ldap.Error(ldap.ResultProtocolError, "malformed search request")
	}

	if req.TimeLimit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeLimit)*time.Second)
		defer cancel()
	}

	base := ldap.NormalizeDN(req.BaseObject)
	logger.DebugCtx(ctx, "search",
		logger.DN(base), logger.KeyScope, req.Scope, "size_limit", req.SizeLimit)

	if base == "" && req.Scope == ldap.ScopeBaseObject {
		attrs := selectAttributes(c.rootDSE(ctx), req.Attributes, req.TypesOnly)
		c.write(msg.ID, ldap.SearchResultEntry("", attrs))
		return ldap.Success
	}

	// Anonymous peers see only the root DSE.
	if user, _ := c.sess.get(); user == nil && !c.srv.cfg.AllowAnonymousBind {
		return ldap.Success
	}

	path, err := ldap.DNToPath(base, c.srv.baseDN)
	if err != nil {
		if errors.Is(err, ldap.ErrInvalidDN) {
			return ldap.Error(ldap.ResultInvalidDNSyntax, "invalid base object")
		}
		return ldap.Error(ldap.ResultNoSuchObject, "base object outside the naming context")
	}

	var baseEntry *models.Directory
	if len(path) > 0 {
		baseEntry, err = c.srv.store.FindByPath(ctx, path)
		if err != nil {
			if errors.Is(err, models.ErrEntryNotFound) {
				return ldap.Error(ldap.ResultNoSuchObject, "base object does not exist")
			}
			logger.ErrorCtx(ctx, "base object lookup failed", logger.Err(err))
			return ldap.Error(ldap.ResultOperationsError, "search failed")
		}
	}

	// The naming-context root itself has no stored entry; synthesise it for
	// a baseObject read.
	if baseEntry == nil && req.Scope == ldap.ScopeBaseObject {
		attrs := selectAttributes(c.domainEntry(ctx), req.Attributes, req.TypesOnly)
		c.write(msg.ID, ldap.SearchResultEntry(c.srv.baseDN, attrs))
		return ldap.Success
	}

	pred, err := c.srv.planner.Compile(ctx, req.Filter)
	if err != nil {
		logger.DebugCtx(ctx, "filter rejected", logger.Err(err))
		return ldap.Error(ldap.ResultProtocolError, "unsupported search filter")
	}

	limit := int(req.SizeLimit)
	fetch := 0
	if limit > 0 {
		fetch = limit + 1
	}

	// Entries stream from the store as they are loaded; the writer side
	// drains the channel and emits one SearchResultEntry per match.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *models.Directory, searchStreamDepth)
	errc := make(chan error, 1)
	go func() {
		defer close(entries)
		errc <- c.srv.store.ForEachEntry(ctx, baseEntry, store.SearchScope(req.Scope), pred, fetch,
			func(entry *models.Directory) error {
				select {
				case entries <- entry:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})
	}()

	count := 0
	exceeded := false
	for entry := range entries {
		if ctx.Err() != nil {
			continue
		}
		if limit > 0 && count == limit {
			exceeded = true
			cancel()
			continue
		}
		dn, attrs := c.renderEntry(entry)
		c.write(msg.ID, ldap.SearchResultEntry(dn, selectAttributes(attrs, req.Attributes, req.TypesOnly)))
		count++
	}
	err = <-errc

	c.srv.metrics.RecordSearchEntries(count)
	if exceeded {
		return ldap.Error(ldap.ResultSizeLimitExceeded, "size limit exceeded")
	}
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return ldap.Error(ldap.ResultTimeLimitExceeded, "time limit exceeded")
		case errors.Is(err, context.Canceled):
			return ldap.Success
		default:
			logger.ErrorCtx(ctx, "search query failed", logger.Err(err))
			return ldap.Error(ldap.ResultOperationsError, "search failed")
		}
	}
	logger.DebugCtx(ctx, "search complete", logger.Entries(count))
	return ldap.Success
}

// searchStreamDepth is the buffer between the store scan and the wire
// writer while search results stream.
const searchStreamDepth = 8
