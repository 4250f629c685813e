package device

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ParseID validates a peripheral identifier and returns its canonical form
// (upper-case, dashed UUID). Identifiers are opaque stable UUIDs, never MAC
// addresses.
func ParseID(id string) (string, error) {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return "", fmt.Errorf("%w: identifier is empty", ErrInvalidDeviceID)
	}
	u, err := uuid.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidDeviceID, id)
	}
	return strings.ToUpper(u.String()), nil
}

// idNamespace scopes identifiers derived from hardware addresses.
var idNamespace = uuid.MustParse("6f1b9a3e-4c57-4d8e-9b1a-2c0e5d7f8a41")

// IDFromAddress derives a stable identifier from a platform address that is
// not itself a UUID (for example a MAC address on BlueZ).
func IDFromAddress(addr string) string {
	if id, err := ParseID(addr); err == nil {
		return id
	}
	return strings.ToUpper(uuid.NewSHA1(idNamespace, []byte(strings.ToLower(addr))).String())
}

// ShortenID returns a truncated identifier for display purposes.
func ShortenID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// NormalizeServiceUUID converts a service UUID to lower-case without dashes.
// Bluetooth SIG base UUIDs are reduced to their 16-bit form.
func NormalizeServiceUUID(s string) string {
	n := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", ""))
	n = strings.TrimPrefix(n, "0x")
	if len(n) == 32 && strings.HasPrefix(n, "0000") && strings.HasSuffix(n, "00001000800000805f9b34fb") {
		return n[4:8]
	}
	return n
}
