package server

import (
	"context"

	"github.com/multidirectory/multidirectory/internal/ldap"
	"github.com/multidirectory/multidirectory/internal/logger"
)

// handleExtended serves the extended operations that run through the worker
// pool. StartTLS never reaches here; the reader handles it inline.
func (c *connection) handleExtended(ctx context.Context, msg *ldap.Message) ldap.Result {
	req, err := ldap.DecodeExtendedRequest(msg.Op)
	if err != nil {
		result := ldap.Error(ldap.ResultProtocolError, "malformed extended request")
		c.write(msg.ID, ldap.ExtendedResponse(result, "", nil))
		return result
	}

	switch req.Name {
	case whoAmIOID:
		var authzID string
		if _, bindDN := c.sess.get(); bindDN != "" {
			authzID = "dn:" + bindDN
		}
		c.write(msg.ID, ldap.ExtendedResponse(ldap.Success, "", []byte(authzID)))
		return ldap.Success

	default:
		logger.DebugCtx(ctx, "unsupported extended operation", "oid", req.Name)
		result := ldap.Error(ldap.ResultProtocolError, "unsupported extended operation")
		c.write(msg.ID, ldap.ExtendedResponse(result, "", nil))
		return result
	}
}
