package models

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/bwmarrin/go-objectsid"
)

// NewDomainSid generates a fresh domain security identifier of the
// S-1-5-21-<a>-<b>-<c> form used for the objectSid catalogue setting.
func NewDomainSid() (string, error) {
	var buf [12]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return fmt.Sprintf("S-1-5-21-%d-%d-%d",
		binary.LittleEndian.Uint32(buf[0:4]),
		binary.LittleEndian.Uint32(buf[4:8]),
		binary.LittleEndian.Uint32(buf[8:12])), nil
}

// RelativeSid appends a relative identifier to the domain SID.
func RelativeSid(domainSid string, rid uint) string {
	return fmt.Sprintf("%s-%d", domainSid, rid)
}

// DecodeSid renders a binary objectSid value (as sent by AD-style clients
// in filters and modify payloads) in its S-1-... string form.
func DecodeSid(b []byte) (s string, err error) {
	if len(b) < 8 {
		return "", fmt.Errorf("objectSid too short: %d bytes", len(b))
	}
	// objectsid.Decode panics on malformed input.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed objectSid: %v", r)
		}
	}()
	return objectsid.Decode(b).String(), nil
}
