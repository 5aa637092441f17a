package session

import (
	"fmt"
	"regexp"
)

var keyRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateKey checks that a session key conforms to naming rules. Keys
// become storage table prefixes and directory names, so the charset is
// deliberately narrow.
func ValidateKey(key string) error {
	if !keyRegexp.MatchString(key) {
		return fmt.Errorf("invalid session key %q: must match ^[a-z0-9_-]{1,64}$", key)
	}
	return nil
}
