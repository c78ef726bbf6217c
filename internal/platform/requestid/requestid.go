// Package requestid generates opaque identifiers for correlating a request
// across log lines and stream events.
package requestid

import (
	"crypto/rand"
	"encoding/hex"
)

func New() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
