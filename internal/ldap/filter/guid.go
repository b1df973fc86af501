package filter

import "github.com/google/uuid"

// guidString renders a 16-byte objectGUID in its canonical text form. The
// wire layout stores the first three fields little-endian.
func guidString(b []byte) string {
	var g uuid.UUID
	g[0], g[1], g[2], g[3] = b[3], b[2], b[1], b[0]
	g[4], g[5] = b[5], b[4]
	g[6], g[7] = b[7], b[6]
	copy(g[8:], b[8:16])
	return g.String()
}
