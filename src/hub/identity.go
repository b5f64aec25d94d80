package hub

import (
	"strings"

	"github.com/google/uuid"
)

var tokenNamespace = uuid.MustParse("6f1c4e0a-93b2-4c1e-9d55-6a3b2f0d7e41")

// NewConnectionID assigns a connection id. With a bearer token the id
// starts with a stable name-based UUID of the token so every connection of
// one identity shares a prefix; the suffix keeps ids unique. The token
// itself never leaves the server.
func NewConnectionID(token string) string {
	if token == "" {
		return uuid.NewString()
	}
	identity := uuid.NewSHA1(tokenNamespace, []byte(token))
	return identity.String() + "." + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
