package server

import (
	"context"
	"strings"

	"github.com/multidirectory/multidirectory/internal/ldap"
	"github.com/multidirectory/multidirectory/internal/logger"
)

func (c *connection) handleCompare(ctx context.Context, msg *ldap.Message) ldap.Result {
	if user, _ := c.sess.get(); user == nil {
		return ldap.Error(ldap.ResultInsufficientAccessRights, "anonymous compare is not allowed")
	}

	req, err := ldap.DecodeCompareRequest(msg.Op)
	if err != nil {
		return ldap.Error(ldap.ResultProtocolError, "malformed compare request")
	}

	dn := ldap.NormalizeDN(req.Entry)
	logger.DebugCtx(ctx, "compare", logger.DN(dn), "attribute", req.AttributeType)

	entry, result, ok := c.resolveEntry(ctx, dn)
	if !ok {
		return result
	}

	_, attrs := c.renderEntry(entry)
	want := req.AttributeValue.String()
	found := false
	for _, attr := range attrs {
		if !strings.EqualFold(attr.Name, req.AttributeType) {
			continue
		}
		found = true
		for _, value := range attr.Values {
			if strings.EqualFold(string(value), want) {
				return ldap.Result{Code: ldap.ResultCompareTrue}
			}
		}
	}
	if !found {
		return ldap.Error(ldap.ResultNoSuchAttribute, "no such attribute")
	}
	return ldap.Result{Code: ldap.ResultCompareFalse}
}
