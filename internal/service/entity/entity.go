// Package entity looks up NLU entities in a message.
package entity

import (
	"strings"

	"dbresolve/internal/models"
)

const (
	// AllDetails signals an operation on every detail of a user.
	AllDetails = "all-details"

	detailPrefix = "detail"
)

// protected roles hold registration secrets and are never handed out.
var protected = map[string]struct{}{
	"code":           {},
	"code-timestamp": {},
}

// IsProtected reports whether name is an internal-only field.
func IsProtected(name string) bool {
	_, ok := protected[name]
	return ok
}

// Find returns the first entity with the given role. Protected roles are
// reported as absent even when present.
func Find(msg *models.Message, role string) (models.Entity, bool) {
	if msg == nil || IsProtected(role) {
		return models.Entity{}, false
	}
	for _, e := range msg.Entities {
		if e.Entity == role {
			return e, true
		}
	}
	return models.Entity{}, false
}

// FindDetail returns the first entity whose role names a detail or the
// all-details sentinel.
func FindDetail(msg *models.Message) (models.Entity, bool) {
	if msg == nil {
		return models.Entity{}, false
	}
	for _, e := range msg.Entities {
		if strings.HasPrefix(e.Entity, detailPrefix) || e.Entity == AllDetails {
			return e, true
		}
	}
	return models.Entity{}, false
}

// DetailName strips the "detail-" prefix from a detail role.
func DetailName(role string) string {
	name := strings.TrimPrefix(role, detailPrefix)
	return strings.TrimPrefix(name, "-")
}
