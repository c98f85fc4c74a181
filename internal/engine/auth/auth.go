package auth

import (
	"fmt"
	"slices"
)

const (
	PermEventsProcess = "events.process"
	PermRulesRead     = "rules.read"
	PermContactsRead  = "contacts.read"
	PermContactsWrite = "contacts.write"
	PermLogRead       = "log.read"
	// PermAll grants every permission.
	PermAll = "*"
)

// AllPermissions lists the grantable permissions.
func AllPermissions() []string {
	return []string{PermEventsProcess, PermRulesRead, PermContactsRead, PermContactsWrite, PermLogRead}
}

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Require returns a ForbiddenError unless granted holds perm or the wildcard.
func Require(granted []string, perm string) error {
	if slices.Contains(granted, perm) || slices.Contains(granted, PermAll) {
		return nil
	}
	return ForbiddenError{Permission: perm}
}

// ValidPermission reports whether p can be granted to a key.
func ValidPermission(p string) bool {
	return p == PermAll || slices.Contains(AllPermissions(), p)
}
