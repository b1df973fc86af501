package models

// Well-known setting names.
const (
	SettingNamingContext = "defaultNamingContext"
	SettingObjectSid     = "objectSid"
	SettingObjectGUID    = "objectGUID"
	SettingMFAKey        = "mfa_key"
	SettingMFASecret     = "mfa_secret"
	SettingMFAKeyLDAP    = "mfa_key_ldap"
	SettingMFASecretLDAP = "mfa_secret_ldap"
	SettingVendorName    = "vendorName"
	SettingVendorVersion = "vendorVersion"
)

// CatalogueSetting is a process-wide key-value pair for server-level state:
// the default naming context, domain SID/GUID, MFA credentials and vendor
// info surfaced on the RootDSE.
type CatalogueSetting struct {
	ID    uint   `gorm:"primaryKey" json:"id"`
	Name  string `gorm:"uniqueIndex;not null;size:255" json:"name"`
	Value string `gorm:"type:text;not null" json:"value"`
}

// TableName returns the table name for CatalogueSetting.
func (CatalogueSetting) TableName() string {
	return "settings"
}
