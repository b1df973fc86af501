package models

import (
	"fmt"
	"net/netip"
)

// NetworkPolicy gates Bind by source network. Policies are evaluated in
// ascending Priority order; the first enabled policy whose netmask contains
// the peer address wins. An empty Groups list means any authenticated user
// of the domain is allowed.
type NetworkPolicy struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	Name        string `gorm:"uniqueIndex;not null;size:255" json:"name"`
	RawNetmasks string `gorm:"column:netmasks;type:text;not null" json:"-"`
	Raw         string `gorm:"type:text" json:"raw,omitempty"`
	Enabled     bool   `gorm:"default:true" json:"enabled"`
	Priority    int    `gorm:"uniqueIndex;not null" json:"priority"`
	MFARequired bool   `gorm:"default:false" json:"mfa_required"`

	Groups []Group `gorm:"many2many:policy_memberships;" json:"groups,omitempty"`
}

// TableName returns the table name for NetworkPolicy.
func (NetworkPolicy) TableName() string {
	return "network_policies"
}

// GetNetmasks returns the policy's CIDR list.
func (p *NetworkPolicy) GetNetmasks() []string {
	return parseStringList(p.RawNetmasks)
}

// SetNetmasks serializes the CIDR list for storage. Bare addresses are
// normalised to single-host prefixes.
func (p *NetworkPolicy) SetNetmasks(masks []string) error {
	normalised := make([]string, 0, len(masks))
	for _, m := range masks {
		prefix, err := parseNetmask(m)
		if err != nil {
			return err
		}
		normalised = append(normalised, prefix.String())
	}
	p.RawNetmasks = marshalStringList(normalised)
	return nil
}

// Contains reports whether any of the policy's netmasks contains addr.
func (p *NetworkPolicy) Contains(addr netip.Addr) bool {
	for _, m := range p.GetNetmasks() {
		prefix, err := netip.ParsePrefix(m)
		if err != nil {
			continue
		}
		if prefix.Contains(addr.Unmap()) {
			return true
		}
	}
	return false
}

func parseNetmask(s string) (netip.Prefix, error) {
	if prefix, err := netip.ParsePrefix(s); err == nil {
		return prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid netmask %q: %w", s, err)
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// PasswordPolicy is the singleton domain password policy.
type PasswordPolicy struct {
	ID                 uint   `gorm:"primaryKey" json:"id"`
	Name               string `gorm:"not null;size:255" json:"name" validate:"min=3,max=255"`
	HistoryLength      int    `gorm:"default:4" json:"history_length" validate:"gte=0,lte=24"`
	MaximumAgeDays     int    `gorm:"default:0" json:"maximum_age_days" validate:"gte=0,lte=999"`
	MinimumAgeDays     int    `gorm:"default:0" json:"minimum_age_days" validate:"gte=0,lte=999"`
	MinimumLength      int    `gorm:"default:7" json:"minimum_length" validate:"gte=0,lte=256"`
	ComplexityRequired bool   `gorm:"default:true" json:"complexity_required"`
}

// TableName returns the table name for PasswordPolicy.
func (PasswordPolicy) TableName() string {
	return "password_policies"
}

// DefaultPasswordPolicy returns the policy installed when none exists.
func DefaultPasswordPolicy() *PasswordPolicy {
	return &PasswordPolicy{
		Name:               "Default domain password policy",
		HistoryLength:      4,
		MaximumAgeDays:     0,
		MinimumAgeDays:     0,
		MinimumLength:      7,
		ComplexityRequired: true,
	}
}

// Validate checks the policy's internal consistency.
func (p *PasswordPolicy) Validate() error {
	if p.MinimumAgeDays > p.MaximumAgeDays && p.MaximumAgeDays != 0 {
		return fmt.Errorf("minimum password age must not exceed maximum password age")
	}
	return nil
}
