package binary

import (
	"fmt"
	"strings"
)

// NormalizeName trims whitespace.
func NormalizeName(name string) string {
	return strings.TrimSpace(name)
}

// ValidateName checks a normalized name. Names end up in reports and ops URLs, so only
// [A-Za-z0-9._-] is allowed. Failures wrap ErrInvalidName.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidName)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '.' || c == '_' || c == '-':
		case c == '/':
			return fmt.Errorf("%w: %q contains '/'", ErrInvalidName, name)
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
			return fmt.Errorf("%w: %q contains whitespace", ErrInvalidName, name)
		default:
			return fmt.Errorf("%w: %q contains %q (allowed: [A-Za-z0-9._-])", ErrInvalidName, name, c)
		}
	}
	return nil
}
