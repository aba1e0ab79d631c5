// Package linking implements the account linking workflow: a user asks for
// a one-time code in one messenger and redeems it in another, which attaches
// the second messenger to the first account (or merges two accounts).
package linking

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"dbresolve/internal/gateway"
	"dbresolve/internal/models"
	"dbresolve/internal/service/entity"
)

// Store is the part of the profile store the workflow needs.
type Store interface {
	IssueCode(ctx context.Context, userID, code string, issuedAt time.Time) (models.WriteResult, error)
	LookupCode(ctx context.Context, code string) (*models.LinkCode, error)
	GetUser(ctx context.Context, userID string) (*models.UserProfile, error)
	MergeAccounts(ctx context.Context, main *models.UserProfile, requesting *models.User) (models.WriteResult, error)
	LinkAccount(ctx context.Context, main *models.UserProfile, identity models.MessengerIdentity) (models.WriteResult, error)
	DeleteUser(ctx context.Context, userID string) error
	UnlinkMessenger(ctx context.Context, user *models.User, messenger string) (models.WriteResult, error)
}

const (
	DefaultMaxCodeAttempts = 10

	roleLinkingCode = "linkingcode"
	roleMessenger   = "messenger"
)

const (
	msgCodeIssued   = "Dein Verknüpfungscode lautet %s. Er ist 15 Minuten gültig. Sende ihn mir aus deinem anderen Messenger."
	msgNoCode       = "Bitte nenne mir deinen Verknüpfungscode."
	msgWrongCode    = "Der Code ist leider falsch."
	msgCodeTimeout  = "Der Code ist abgelaufen. Bitte fordere einen neuen an."
	msgOwnCode      = "Diesen Code hast du selbst angefordert. Sende ihn mir aus deinem anderen Messenger."
	msgTooMany      = "Zu viele falsche Versuche. Bitte warte etwas und fordere dann einen neuen Code an."
	msgUnknownMain  = "Das Konto zu diesem Code gibt es nicht mehr."
	msgLinked       = "Deine Konten sind jetzt verknüpft."
	msgNoMessenger  = "Welchen Messenger soll ich von deinem Konto entfernen?"
	msgUnlinked     = "Ich habe %s von deinem Konto entfernt."
	msgUnlinkFailed = "Ich konnte %s nicht von deinem Konto entfernen."

	errNoUserID       = "no user id given"
	errNoUser         = "no user given"
	errNoCode         = "no linking code given"
	errWrongCode      = "wrong linking code"
	errCodeTimeout    = "linking code timed out"
	errOwnCode        = "cannot link account to itself"
	errTooMany        = "too many verification attempts"
	errGenerate       = "code generation failed"
	errCodeNotStored  = "code could not be stored"
	errRetryExhausted = "code generation retries exhausted"
	errMainAbsent     = "linked account not found"
	errNoIdentity     = "requesting user has no messenger identity"
	errMergeFailed    = "could not merge accounts"
	errLinkFailed     = "could not link account"
	errCleanupFailed  = "shadow account cleanup failed"
	errNoMessenger    = "no messenger given"
	errUnlinkFailed   = "could not unlink messenger"
	errStore          = "database request failed"
)

// Config tunes the workflow.
type Config struct {
	MaxCodeAttempts int
}

// Service runs the linking workflow. It keeps no state between calls;
// codes live in the store and failure counters in the limiter.
type Service struct {
	store   Store
	limiter Limiter
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time
	random  io.Reader
}

// NewService builds the workflow. limiter may be nil to disable attempt
// limiting.
func NewService(store Store, limiter Limiter, cfg Config, logger *zap.Logger) *Service {
	if cfg.MaxCodeAttempts <= 0 {
		cfg.MaxCodeAttempts = DefaultMaxCodeAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:   store,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Trigger issues a fresh code for the sender. A code that is still active
// for someone else makes the store ask for a retry with a new code.
func (s *Service) Trigger(ctx context.Context, msg *models.Message) models.Answer {
	userID := msg.UserID()
	if userID == "" {
		return models.DefaultFailure(errNoUserID)
	}

	for attempt := 1; attempt <= s.cfg.MaxCodeAttempts; attempt++ {
		code, err := GenerateCode(s.random)
		if err != nil {
			s.logger.Error("generate linking code", zap.Error(err))
			return models.DefaultFailure(errGenerate)
		}
		res, err := s.store.IssueCode(ctx, userID, code, s.now())
		if err != nil {
			return s.storeFailure("issue code", userID, err)
		}
		switch {
		case res.Inserted():
			s.logger.Info("linking code issued", zap.String("user_id", userID), zap.Int("attempt", attempt))
			return models.Success(fmt.Sprintf(msgCodeIssued, code))
		case res.Retry:
			s.logger.Debug("linking code collision", zap.String("user_id", userID), zap.Int("attempt", attempt))
			continue
		default:
			s.logger.Warn("linking code not acknowledged",
				zap.String("user_id", userID),
				zap.Int("ok", res.OK),
				zap.Int("inserted", res.InsertedCount))
			return models.DefaultFailure(errCodeNotStored)
		}
	}

	s.logger.Error("linking code retries exhausted",
		zap.String("user_id", userID),
		zap.Int("attempts", s.cfg.MaxCodeAttempts))
	return models.DefaultFailure(errRetryExhausted)
}

// Verify redeems a code sent from the requesting account and links or
// merges it into the account that asked for the code.
func (s *Service) Verify(ctx context.Context, msg *models.Message) models.Answer {
	user := msg.User
	if user == nil || user.ID == "" {
		return models.DefaultFailure(errNoUser)
	}
	codeEntity, ok := entity.Find(msg, roleLinkingCode)
	supplied := strings.TrimSpace(codeEntity.Value)
	if !ok || supplied == "" {
		return models.Failure(msgNoCode, errNoCode)
	}

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(ctx, user.ID)
		if err != nil {
			s.logger.Warn("attempt limiter unavailable", zap.String("user_id", user.ID), zap.Error(err))
		} else if !allowed {
			return models.Failure(msgTooMany, errTooMany)
		}
	}

	rec, err := s.store.LookupCode(ctx, supplied)
	if errors.Is(err, gateway.ErrNotFound) {
		s.recordFailure(ctx, user.ID)
		return models.Failure(msgWrongCode, errWrongCode)
	}
	if err != nil {
		return s.storeFailure("lookup code", user.ID, err)
	}

	issuedAt, err := rec.IssuedAtMillis()
	if err != nil {
		s.logger.Warn("unreadable code timestamp", zap.String("user_id", user.ID), zap.Error(err))
		return models.Failure(msgCodeTimeout, errCodeTimeout)
	}
	switch err := CheckCode(string(rec.Code), supplied, issuedAt, s.now()); {
	case errors.Is(err, ErrCodeMismatch):
		s.recordFailure(ctx, user.ID)
		return models.Failure(msgWrongCode, errWrongCode)
	case errors.Is(err, ErrCodeExpired):
		return models.Failure(msgCodeTimeout, errCodeTimeout)
	}

	owner := string(rec.UserID)
	if owner == user.ID {
		return models.Failure(msgOwnCode, errOwnCode)
	}
	main, err := s.store.GetUser(ctx, owner)
	if errors.Is(err, gateway.ErrNotFound) {
		return models.Failure(msgUnknownMain, errMainAbsent)
	}
	if err != nil {
		return s.storeFailure("get user", owner, err)
	}

	if answer, ok := s.attach(ctx, main, user); !ok {
		return answer
	}

	if err := s.store.DeleteUser(ctx, user.ID); err != nil {
		s.logger.Error("delete shadow account",
			zap.String("user_id", user.ID),
			zap.String("main_id", owner),
			zap.Error(err))
		return models.DefaultFailure(errCleanupFailed)
	}
	if s.limiter != nil {
		if err := s.limiter.Reset(ctx, user.ID); err != nil {
			s.logger.Warn("reset attempt limiter", zap.String("user_id", user.ID), zap.Error(err))
		}
	}
	s.logger.Info("accounts linked", zap.String("user_id", user.ID), zap.String("main_id", owner))
	return models.Success(msgLinked)
}

// attach merges the requesting account into main when it already carries
// several messenger identities, otherwise links its single identity.
func (s *Service) attach(ctx context.Context, main *models.UserProfile, user *models.User) (models.Answer, bool) {
	switch len(user.MessengerIdentities) {
	case 0:
		return models.DefaultFailure(errNoIdentity), false
	case 1:
		res, err := s.store.LinkAccount(ctx, main, user.MessengerIdentities[0])
		if err != nil {
			return s.storeFailure("link account", user.ID, err), false
		}
		if !res.Modified() {
			return models.DefaultFailure(errLinkFailed), false
		}
	default:
		res, err := s.store.MergeAccounts(ctx, main, user)
		if err != nil {
			return s.storeFailure("merge accounts", user.ID, err), false
		}
		if !res.Modified() {
			return models.DefaultFailure(errMergeFailed), false
		}
	}
	return models.Answer{}, true
}

// Unlink detaches a messenger identity from the sender's account.
func (s *Service) Unlink(ctx context.Context, msg *models.Message) models.Answer {
	user := msg.User
	if user == nil || user.ID == "" {
		return models.DefaultFailure(errNoUser)
	}
	m, ok := entity.Find(msg, roleMessenger)
	messenger := strings.ToLower(strings.TrimSpace(m.Value))
	if !ok || messenger == "" {
		return models.Failure(msgNoMessenger, errNoMessenger)
	}

	res, err := s.store.UnlinkMessenger(ctx, user, messenger)
	if err != nil {
		return s.storeFailure("unlink messenger", user.ID, err)
	}
	if !res.Modified() {
		return models.Failure(fmt.Sprintf(msgUnlinkFailed, messenger), errUnlinkFailed)
	}
	return models.Success(fmt.Sprintf(msgUnlinked, messenger))
}

func (s *Service) recordFailure(ctx context.Context, userID string) {
	if s.limiter == nil {
		return
	}
	if err := s.limiter.Fail(ctx, userID); err != nil {
		s.logger.Warn("record failed verification", zap.String("user_id", userID), zap.Error(err))
	}
}

func (s *Service) storeFailure(op, userID string, err error) models.Answer {
	s.logger.Error("store request failed",
		zap.String("op", op),
		zap.String("user_id", userID),
		zap.Error(err))
	return models.DefaultFailure(errStore)
}
