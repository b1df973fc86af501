package ldap

import (
	"errors"
	"regexp"
	"strings"
)

var (
	// ErrInvalidDN reports a DN that does not parse as attr=value components.
	ErrInvalidDN = errors.New("invalid distinguished name")

	// ErrNotInNamingContext reports a DN outside the served naming context.
	ErrNotInNamingContext = errors.New("dn outside the naming context")
)

var dnComponentRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9-]*=.+$`)

// NormalizeDN lowercases a DN and strips whitespace around components.
// Values are compared case-insensitively throughout the server, so the
// normalised form is what paths and comparisons use.
func NormalizeDN(dn string) string {
	parts := strings.Split(strings.ToLower(dn), ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return strings.Join(parts, ",")
}

// ValidateDN reports whether every component of the DN has the attr=value
// form. The empty DN is valid (it names the root DSE).
func ValidateDN(dn string) bool {
	if dn == "" {
		return true
	}
	for _, part := range strings.Split(dn, ",") {
		if !dnComponentRe.MatchString(strings.TrimSpace(part)) {
			return false
		}
	}
	return true
}

// DNToPath converts a DN under the naming context into its materialised
// path: components root first, normalised, with the context suffix removed.
// The context DN itself maps to an empty path.
func DNToPath(dn, baseDN string) ([]string, error) {
	n := NormalizeDN(dn)
	base := NormalizeDN(baseDN)

	if !ValidateDN(n) {
		return nil, ErrInvalidDN
	}
	if n == base {
		return nil, nil
	}
	if !strings.HasSuffix(n, ","+base) {
		return nil, ErrNotInNamingContext
	}

	relative := strings.TrimSuffix(n, ","+base)
	parts := strings.Split(relative, ",")
	path := make([]string, len(parts))
	for i, p := range parts {
		path[len(parts)-1-i] = p
	}
	return path, nil
}

// PathToDN renders a materialised path back into a full DN.
func PathToDN(path []string, baseDN string) string {
	if len(path) == 0 {
		return NormalizeDN(baseDN)
	}
	parts := make([]string, len(path))
	for i, p := range path {
		parts[len(path)-1-i] = p
	}
	return strings.Join(parts, ",") + "," + NormalizeDN(baseDN)
}

// ParentDN returns the DN with its first RDN removed, or "" for a
// single-component DN.
func ParentDN(dn string) string {
	if i := strings.Index(dn, ","); i >= 0 {
		return dn[i+1:]
	}
	return ""
}

// FirstRDN returns the leading attr=value component of the DN.
func FirstRDN(dn string) string {
	if i := strings.Index(dn, ","); i >= 0 {
		return dn[:i]
	}
	return dn
}

// SplitRDN splits one attr=value component.
func SplitRDN(rdn string) (attr, value string, err error) {
	i := strings.Index(rdn, "=")
	if i <= 0 || i == len(rdn)-1 {
		return "", "", ErrInvalidDN
	}
	return strings.TrimSpace(rdn[:i]), strings.TrimSpace(rdn[i+1:]), nil
}

// BaseDNFromDomain renders a DNS domain name as a DN of dc components,
// e.g. "md.test" becomes "dc=md,dc=test".
func BaseDNFromDomain(domain string) string {
	labels := strings.Split(strings.ToLower(strings.TrimSpace(domain)), ".")
	for i := range labels {
		labels[i] = "dc=" + labels[i]
	}
	return strings.Join(labels, ",")
}
