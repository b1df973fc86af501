package server

import (
	"context"
	"os"
	"time"

	"github.com/multidirectory/multidirectory/internal/ldap"
	"github.com/multidirectory/multidirectory/pkg/models"
)

// whoAmIOID is the "Who am I?" extended operation, RFC 4532.
const whoAmIOID = "1.3.6.1.4.1.4203.1.11.3"

// startTLSOID is the StartTLS extended operation, RFC 4511 section 4.14.
const startTLSOID = "1.3.6.1.4.1.1466.20037"

// rootDSE assembles the server-descriptor entry returned for an empty base
// with baseObject scope. Values come from the catalogue settings with the
// static configuration as fallback.
func (c *connection) rootDSE(ctx context.Context) []ldap.EntryAttribute {
	e := newEntryAttrs()
	base := c.srv.baseDN

	e.addString("objectClass", "top")
	e.addString("namingContexts", base)
	e.addString("defaultNamingContext", base)
	e.addString("rootDomainNamingContext", base)
	e.addString("supportedLDAPVersion", "3")
	e.addString("supportedExtension", startTLSOID, whoAmIOID)
	e.addString("vendorName", c.settingOr(ctx, models.SettingVendorName, c.srv.cfg.VendorName))
	e.addString("vendorVersion", c.settingOr(ctx, models.SettingVendorVersion, c.srv.cfg.VendorVersion))
	e.addString("currentTime", generalizedTime(time.Now()))

	if host, err := os.Hostname(); err == nil {
		e.addString("dnsHostName", host)
	}
	if c.isTLS {
		e.addString("serverTLS", "TRUE")
	}

	return e.attrs
}

// domainEntry synthesises the naming-context root, which has no stored row.
func (c *connection) domainEntry(ctx context.Context) []ldap.EntryAttribute {
	e := newEntryAttrs()
	base := c.srv.baseDN

	e.addString("objectClass", "top", "domain", "domainDNS")
	e.addString("distinguishedName", base)
	if _, value, err := ldap.SplitRDN(ldap.FirstRDN(base)); err == nil {
		e.addString("dc", value)
	}
	if sid := c.settingOr(ctx, models.SettingObjectSid, ""); sid != "" {
		e.addString("objectSid", sid)
	}
	if guid := c.settingOr(ctx, models.SettingObjectGUID, ""); guid != "" {
		e.addString("objectGUID", guid)
	}
	return e.attrs
}

func (c *connection) settingOr(ctx context.Context, name, fallback string) string {
	value, err := c.srv.store.GetSetting(ctx, name)
	if err != nil || value == "" {
		return fallback
	}
	return value
}
