// Package detail resolves the database-get/-set/-remove intents against the
// profile store.
package detail

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"dbresolve/internal/gateway"
	"dbresolve/internal/models"
	"dbresolve/internal/service/entity"
)

// Store is the part of the profile store the detail resolver needs.
type Store interface {
	GetDetails(ctx context.Context, userID string) (*models.UserProfile, error)
	SetDetail(ctx context.Context, userID, detail, value string) error
	RemoveDetails(ctx context.Context, userID string) error
	RemoveDetail(ctx context.Context, userID, detail string) error
}

const (
	msgSaved          = "Alles klar, ich habe es mir gemerkt."
	msgAllRemoved     = "Ich habe alle deine Details gelöscht."
	msgNoDetails      = "Ich habe noch keine Details über dich gespeichert."
	msgUnknownUser    = "Ich habe noch keine Daten über dich gespeichert."
	msgBulkSet        = "Ich kann nicht alle Details auf einmal ändern."
	msgListingHeading = "Das weiß ich über dich:"

	errNoUser     = "no user id given"
	errNoDetail   = "no detail entity given"
	errBulkSet    = "setting all details at once is not supported"
	errStore      = "database request failed"
	errUserAbsent = "user not found"
)

// valueRoles maps a detail to the entity role carrying its value. Details
// not listed use their own name as role.
var valueRoles = map[string]string{
	"home":            "city",
	"birthday":        "time",
	"meal-preference": "meal-preference",
	"allergic":        "allergen",
}

// ValueRole returns the entity role holding the value for detail.
func ValueRole(detail string) string {
	if role, ok := valueRoles[detail]; ok {
		return role
	}
	return detail
}

// Service resolves detail intents.
type Service struct {
	store  Store
	logger *zap.Logger
}

// NewService builds a detail resolver.
func NewService(store Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, logger: logger}
}

// Get answers with one detail or a listing of all details.
func (s *Service) Get(ctx context.Context, msg *models.Message) models.Answer {
	userID := msg.UserID()
	if userID == "" {
		return models.DefaultFailure(errNoUser)
	}
	target, ok := entity.FindDetail(msg)
	if !ok {
		return models.DefaultFailure(errNoDetail)
	}
	all := target.Entity == entity.AllDetails
	var name string
	if !all {
		var answer models.Answer
		if name, answer, ok = detailName(target); !ok {
			return answer
		}
	}

	profile, err := s.store.GetDetails(ctx, userID)
	if err != nil {
		return s.storeFailure("get details", userID, err)
	}
	if all {
		return models.Success(renderAll(profile))
	}

	value, found := profile.Details[name]
	if !found || value == nil {
		return models.Failure(
			fmt.Sprintf("Ich weiß leider nichts über %s.", name),
			fmt.Sprintf("detail '%s' not found", name),
		)
	}
	return models.Success(fmt.Sprintf("Dein Eintrag für %s: %v", name, value))
}

// Set stores one detail value taken from the matching value entity.
func (s *Service) Set(ctx context.Context, msg *models.Message) models.Answer {
	userID := msg.UserID()
	if userID == "" {
		return models.DefaultFailure(errNoUser)
	}
	target, ok := entity.FindDetail(msg)
	if !ok {
		return models.DefaultFailure(errNoDetail)
	}
	if target.Entity == entity.AllDetails {
		return models.Failure(msgBulkSet, errBulkSet)
	}
	name, answer, ok := detailName(target)
	if !ok {
		return answer
	}

	value, found := entity.Find(msg, ValueRole(name))
	if !found || strings.TrimSpace(value.Value) == "" {
		return models.Failure(
			fmt.Sprintf("Mir fehlt der Wert für %s.", name),
			fmt.Sprintf("no value given for detail '%s'", name),
		)
	}

	if err := s.store.SetDetail(ctx, userID, name, value.Value); err != nil {
		return s.storeFailure("set detail", userID, err)
	}
	return models.Success(msgSaved)
}

// Remove deletes one detail or the whole collection.
func (s *Service) Remove(ctx context.Context, msg *models.Message) models.Answer {
	userID := msg.UserID()
	if userID == "" {
		return models.DefaultFailure(errNoUser)
	}
	target, ok := entity.FindDetail(msg)
	if !ok {
		return models.DefaultFailure(errNoDetail)
	}

	if target.Entity == entity.AllDetails {
		if err := s.store.RemoveDetails(ctx, userID); err != nil {
			return s.storeFailure("remove details", userID, err)
		}
		return models.Success(msgAllRemoved)
	}

	name, answer, ok := detailName(target)
	if !ok {
		return answer
	}
	if err := s.store.RemoveDetail(ctx, userID, name); err != nil {
		return s.storeFailure("remove detail", userID, err)
	}
	return models.Success(fmt.Sprintf("Ich habe %s gelöscht.", name))
}

// detailName extracts the detail name from a detail entity, refusing empty
// and protected names.
func detailName(e models.Entity) (string, models.Answer, bool) {
	name := entity.DetailName(e.Entity)
	if name == "" {
		return "", models.DefaultFailure(errNoDetail), false
	}
	if entity.IsProtected(name) {
		return "", models.DefaultFailure(fmt.Sprintf("detail '%s' is protected", name)), false
	}
	return name, models.Answer{}, true
}

func (s *Service) storeFailure(op, userID string, err error) models.Answer {
	if errors.Is(err, gateway.ErrNotFound) {
		return models.Failure(msgUnknownUser, errUserAbsent)
	}
	s.logger.Error("store request failed",
		zap.String("op", op),
		zap.String("user_id", userID),
		zap.Error(err))
	return models.DefaultFailure(errStore)
}

// renderAll lists names and every detail except protected ones, one per line.
func renderAll(profile *models.UserProfile) string {
	var lines []string
	for _, field := range []struct{ label, value string }{
		{"Spitzname", profile.Nickname},
		{"Vorname", profile.FirstName},
		{"Nachname", profile.LastName},
	} {
		if field.value != "" {
			lines = append(lines, fmt.Sprintf("- %s: %s", field.label, field.value))
		}
	}

	keys := make([]string, 0, len(profile.Details))
	for key, value := range profile.Details {
		if entity.IsProtected(key) || value == nil {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		lines = append(lines, fmt.Sprintf("- %s: %v", key, profile.Details[key]))
	}

	if len(lines) == 0 {
		return msgNoDetails
	}
	return msgListingHeading + "\n" + strings.Join(lines, "\n")
}
