// Package resolver is the single entry point for resolved NLU messages. It
// routes a message by intent name to the detail or linking service and
// always produces exactly one Answer.
package resolver

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dbresolve/internal/models"
	"dbresolve/internal/service/detail"
	"dbresolve/internal/service/linking"
)

const (
	IntentDetailGet     = "database-get"
	IntentDetailSet     = "database-set"
	IntentDetailRemove  = "database-remove"
	IntentLinkTrigger   = "link-user-get"
	IntentLinkVerify    = "link-user-set"
	IntentLinkUnlink    = "link-user-remove"
	errNoIntent         = "no intent given"
	errInternal         = "internal error"
	errUnknownOperation = "Operation '%s' does not exist"
)

// Store is everything the resolver needs from the profile store.
type Store interface {
	detail.Store
	linking.Store
}

// Recorder receives one audit record per resolved message.
type Recorder interface {
	Record(res models.Resolution)
}

type Options struct {
	Limiter  linking.Limiter
	Linking  linking.Config
	Recorder Recorder
	Logger   *zap.Logger
}

type handlerFunc func(ctx context.Context, msg *models.Message) models.Answer

type Dispatcher struct {
	handlers map[string]handlerFunc
	recorder Recorder
	logger   *zap.Logger
	now      func() time.Time
}

func New(store Store, opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	details := detail.NewService(store, logger.Named("detail"))
	link := linking.NewService(store, opts.Limiter, opts.Linking, logger.Named("linking"))

	return &Dispatcher{
		handlers: map[string]handlerFunc{
			IntentDetailGet:    details.Get,
			IntentDetailSet:    details.Set,
			IntentDetailRemove: details.Remove,
			IntentLinkTrigger:  link.Trigger,
			IntentLinkVerify:   link.Verify,
			IntentLinkUnlink:   link.Unlink,
		},
		recorder: opts.Recorder,
		logger:   logger,
		now:      time.Now,
	}
}

// Intents lists the intent names the dispatcher handles.
func (d *Dispatcher) Intents() []string {
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve answers msg. It never fails; every problem is reported in the
// Answer's error field.
func (d *Dispatcher) Resolve(ctx context.Context, msg *models.Message) (answer models.Answer) {
	start := d.now()
	intent := msg.IntentName()
	id := RequestIDFromContext(ctx)
	if id == "" {
		id = uuid.NewString()
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("resolver panicked", zap.String("resolution_id", id), zap.String("intent", intent), zap.Any("panic", r))
			answer = models.DefaultFailure(errInternal)
		}
		d.finish(id, intent, msg.UserID(), start, answer)
	}()

	if intent == "" {
		return models.DefaultFailure(errNoIntent)
	}
	handler, ok := d.handlers[intent]
	if !ok {
		return models.Failure(models.DefaultContent, fmt.Sprintf(errUnknownOperation, intent))
	}
	return handler(ctx, msg)
}

func (d *Dispatcher) finish(id, intent, userID string, start time.Time, answer models.Answer) {
	elapsed := d.now().Sub(start)
	fields := []zap.Field{
		zap.String("resolution_id", id),
		zap.String("intent", intent),
		zap.String("user_id", userID),
		zap.Duration("duration", elapsed),
	}
	if answer.Failed() {
		d.logger.Info("message resolved with error", append(fields, zap.String("error_code", answer.Error))...)
	} else {
		d.logger.Info("message resolved", fields...)
	}

	if d.recorder == nil {
		return
	}
	d.recorder.Record(models.Resolution{
		ID:         id,
		Intent:     intent,
		UserID:     userID,
		ErrorCode:  answer.Error,
		DurationMs: elapsed.Milliseconds(),
		CreatedAt:  start.UTC(),
	})
}

type requestIDKey struct{}

// ContextWithRequestID tags ctx with the id of the inbound request; the
// resolution record reuses it.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the id set by ContextWithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
