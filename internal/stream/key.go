package stream

import (
	"fmt"
	"regexp"
)

// keyPattern restricts keys to a filesystem- and argv-safe alphabet.
// No separators, no dots, no leading dash: a key can never traverse paths
// or be mistaken for a flag by the external transcoder.
var keyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// ValidateKey checks a caller-supplied stream key against the safe-character
// policy. It is enforced centrally, before any registry or filesystem use.
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
