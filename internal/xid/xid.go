// Package xid generates prefixed identifiers for domain records, e.g.
// "ord-...", "ctx-...", "wd-...".
package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// New returns an id of the form "<prefix>-<unix-millis>-<entropy>". The
// millisecond component keeps ids roughly sortable by creation time; the
// entropy suffix disambiguates ids minted in the same millisecond.
func New(prefix string) string {
	entropy := make([]byte, 6)
	if _, err := rand.Read(entropy); err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%013d-%s", prefix, time.Now().UnixMilli(), hex.EncodeToString(entropy))
}
