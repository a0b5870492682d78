package util

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
)

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewID returns a random v4 uuid in its 32 hex digit form, optionally
// prefixed with prefix_.
func NewID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// NewSessionToken returns session_<unix millis>_<9 base36 chars>.
func NewSessionToken(now time.Time) string {
	var suffix strings.Builder
	limit := big.NewInt(int64(len(base36)))
	for i := 0; i < 9; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			suffix.WriteByte('0')
			continue
		}
		suffix.WriteByte(base36[n.Int64()])
	}
	return fmt.Sprintf("session_%d_%s", now.UnixMilli(), suffix.String())
}
