package store

import (
	"strconv"
	"time"
)

// pwdLastSet and accountExpires use the Windows file time encoding: decimal
// count of 100ns intervals since 1601-01-01 UTC.

const fileTimeEpochOffset = 116444736000000000

// WindowsFileTime renders t in that encoding. Add uses it to seed
// pwdLastSet on new user entries.
func WindowsFileTime(t time.Time) string {
	ticks := t.UnixNano()/100 + fileTimeEpochOffset
	return strconv.FormatInt(ticks, 10)
}

// ParseWindowsFileTime decodes a decimal file time string. Returns the zero
// time for malformed or pre-epoch values.
func ParseWindowsFileTime(s string) time.Time {
	ticks, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ticks < fileTimeEpochOffset {
		return time.Time{}
	}
	return time.Unix(0, (ticks-fileTimeEpochOffset)*100).UTC()
}
