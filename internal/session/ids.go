package session

import (
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/wenqy/career-copilot/internal/domain"
)

// NewSessionID builds a session id from the owning tab and a ULID. The ULID
// combines a millisecond timestamp with monotonic random entropy, so ids
// generated in a tight loop on one process never collide.
func NewSessionID(tab domain.TabKey) string {
	return fmt.Sprintf("%s-%s", tab, ulid.Make())
}
