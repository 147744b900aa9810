package httpapi

import (
	"strings"

	"github.com/google/uuid"
)

// ThreadUUID maps an external chat thread id to a stable UUIDv5, so the same
// conversation on the same platform always lands in the same thread.
func ThreadUUID(platform, externalID string) string {
	name := strings.ToUpper(strings.TrimSpace(platform)) + ":" + externalID
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(name)).String()
}
