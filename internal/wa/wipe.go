package wa

import (
	"os"

	"github.com/matheus3301/wppgw/internal/session"
)

// WipeCredentials removes a session's on-disk device material, including the
// whatsmeow device database, so the next connection starts a fresh pairing.
func WipeCredentials(key string) error {
	return os.RemoveAll(session.Dir(key))
}
