package policy

import (
	"strings"
	"time"
	"unicode"

	"github.com/multidirectory/multidirectory/pkg/models"
)

// Password validation diagnostics. They travel verbatim in the
// diagnosticMessage of a constraintViolation response.
const (
	ViolationMinimumLength = "password minimum length violation"
	ViolationComplexity    = "password complexity violation"
	ViolationHistory       = "password history violation"
	ViolationMinimumAge    = "password minimum age violation"
)

// CheckPassword validates a proposed cleartext password for a user against
// the policy. lastSet is the time of the previous change, zero when never
// set. The returned slice lists every violated constraint.
func CheckPassword(
	policy *models.PasswordPolicy,
	user *models.User,
	password string,
	lastSet time.Time,
) []string {
	var violations []string

	if len(password) < policy.MinimumLength {
		violations = append(violations, ViolationMinimumLength)
	}

	if policy.ComplexityRequired && !isComplex(password, user) {
		violations = append(violations, ViolationComplexity)
	}

	if policy.HistoryLength > 0 && user != nil {
		history := user.GetPasswordHistory()
		if user.PasswordHash != "" {
			history = append(history, user.PasswordHash)
		}
		start := 0
		if len(history) > policy.HistoryLength {
			start = len(history) - policy.HistoryLength
		}
		for _, hash := range history[start:] {
			if models.VerifyPassword(password, hash) {
				violations = append(violations, ViolationHistory)
				break
			}
		}
	}

	if policy.MinimumAgeDays > 0 && !lastSet.IsZero() {
		earliest := lastSet.Add(time.Duration(policy.MinimumAgeDays) * 24 * time.Hour)
		if time.Now().UTC().Before(earliest) {
			violations = append(violations, ViolationMinimumAge)
		}
	}

	return violations
}

// Expired reports whether the password is past the policy's maximum age.
// A zero maximum disables expiry.
func Expired(policy *models.PasswordPolicy, lastSet time.Time) bool {
	if policy.MaximumAgeDays == 0 || lastSet.IsZero() {
		return false
	}
	deadline := lastSet.Add(time.Duration(policy.MaximumAgeDays) * 24 * time.Hour)
	return time.Now().UTC().After(deadline)
}

// commonPasswords are rejected outright when complexity is required. The
// list covers the handful of passwords that dominate credential-stuffing
// dictionaries; anything longer-tail is caught by the class rule.
var commonPasswords = map[string]bool{
	"password":   true,
	"password1":  true,
	"password1!": true,
	"p@ssw0rd":   true,
	"qwerty123":  true,
	"123456789":  true,
	"1234567890": true,
	"iloveyou":   true,
	"sunshine1":  true,
	"welcome1":   true,
	"admin123":   true,
	"letmein1":   true,
}

// isComplex applies the AD-style complexity rule: at least three of four
// character classes, the password must not contain the account name, and
// it must not be a known common password.
func isComplex(password string, user *models.User) bool {
	if commonPasswords[strings.ToLower(password)] {
		return false
	}
	var upper, lower, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		default:
			special = true
		}
	}
	classes := 0
	for _, ok := range []bool{upper, lower, digit, special} {
		if ok {
			classes++
		}
	}
	if classes < 3 {
		return false
	}

	if user != nil && user.SAMAccountName != "" && len(user.SAMAccountName) >= 3 {
		if strings.Contains(strings.ToLower(password), strings.ToLower(user.SAMAccountName)) {
			return false
		}
	}
	return true
}
