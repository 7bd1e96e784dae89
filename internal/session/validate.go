package session

import (
	"fmt"
	"regexp"
)

var userIDRegexp = regexp.MustCompile(`^[A-Za-z0-9_.@:-]{1,128}$`)

// ValidateUserID checks that id is usable as a registry key, a log field and
// a URL path segment.
func ValidateUserID(id string) error {
	if !userIDRegexp.MatchString(id) {
		return fmt.Errorf("%w %q: must match %s", ErrInvalidUserID, id, userIDRegexp)
	}
	return nil
}
