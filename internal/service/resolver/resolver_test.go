package resolver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbresolve/internal/gateway"
	"dbresolve/internal/models"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Body   map[string]any
}

// storeServer fakes the profile store REST API and records every call.
type storeServer struct {
	mu       sync.Mutex
	requests []recordedRequest
	handler  func(w http.ResponseWriter, r *http.Request)
}

func newStoreServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*storeServer, *gateway.Client) {
	t.Helper()
	s := &storeServer{handler: handler}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recordedRequest{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery}
		if r.ContentLength > 0 {
			_ = json.NewDecoder(r.Body).Decode(&rec.Body)
		}
		s.mu.Lock()
		s.requests = append(s.requests, rec)
		s.mu.Unlock()
		if s.handler != nil {
			s.handler(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return s, gateway.New(srv.URL, 5*time.Second)
}

func (s *storeServer) calls() []recordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedRequest(nil), s.requests...)
}

type captureRecorder struct {
	records []models.Resolution
}

func (c *captureRecorder) Record(res models.Resolution) {
	c.records = append(c.records, res)
}

func TestResolveMalformedMessages(t *testing.T) {
	server, client := newStoreServer(t, nil)
	d := New(client, Options{})

	for name, msg := range map[string]*models.Message{
		"nil message":  nil,
		"nil intent":   {User: &models.User{ID: "u1"}},
		"empty intent": {Intent: &models.Intent{}},
	} {
		t.Run(name, func(t *testing.T) {
			answer := d.Resolve(context.Background(), msg)
			assert.Equal(t, errNoIntent, answer.Error)
			assert.Equal(t, models.DefaultContent, answer.Answer.Content)
			assert.Equal(t, []string{models.HistoryName}, answer.Answer.History)
		})
	}
	assert.Empty(t, server.calls())
}

func TestResolveUnknownIntent(t *testing.T) {
	server, client := newStoreServer(t, nil)
	d := New(client, Options{})

	answer := d.Resolve(context.Background(), &models.Message{
		Intent: &models.Intent{Name: "foo"},
		User:   &models.User{ID: "u1"},
	})
	assert.Contains(t, answer.Error, "foo")
	assert.Equal(t, "Operation 'foo' does not exist", answer.Error)
	assert.Equal(t, models.DefaultContent, answer.Answer.Content)
	assert.Empty(t, server.calls())
}

func TestResolveRemoveDetailRoundTrip(t *testing.T) {
	server, client := newStoreServer(t, nil)
	d := New(client, Options{})

	answer := d.Resolve(context.Background(), &models.Message{
		Intent:   &models.Intent{Name: "database-remove"},
		User:     &models.User{ID: "u1"},
		Entities: []models.Entity{{Entity: "detail-home"}},
	})
	require.False(t, answer.Failed(), answer.Error)
	assert.Contains(t, answer.Answer.Content, "home")

	want := []recordedRequest{{Method: http.MethodDelete, Path: "/users/u1/detail", Query: "q=home"}}
	if diff := cmp.Diff(want, server.calls()); diff != "" {
		t.Fatalf("store calls mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveGetDetailRoundTrip(t *testing.T) {
	_, client := newStoreServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"u1","nickname":"Kim","details":{"home":"Berlin","code":"123456"}}`))
	})
	d := New(client, Options{})

	answer := d.Resolve(context.Background(), &models.Message{
		Intent:   &models.Intent{Name: "database-get"},
		User:     &models.User{ID: "u1"},
		Entities: []models.Entity{{Entity: "all-details"}},
	})
	require.False(t, answer.Failed(), answer.Error)
	assert.Contains(t, answer.Answer.Content, "Berlin")
	assert.NotContains(t, answer.Answer.Content, "123456")
}

func TestResolveMergeAndLinkRouting(t *testing.T) {
	issued := time.Now().Add(-time.Minute).UnixMilli()
	server, client := newStoreServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/users/register/code/123456":
			_ = json.NewEncoder(w).Encode(map[string]any{"code": "123456", "time": issued, "userid": "main"})
		case r.Method == http.MethodGet && r.URL.Path == "/users/main":
			_, _ = w.Write([]byte(`{"id":"main"}`))
		case r.Method == http.MethodPost:
			_, _ = w.Write([]byte(`{"ok":1,"nModified":1}`))
		default:
			w.WriteHeader(http.StatusOK)
		}
	})
	d := New(client, Options{})

	verify := func(identities ...models.MessengerIdentity) models.Answer {
		return d.Resolve(context.Background(), &models.Message{
			Intent:   &models.Intent{Name: "link-user-set"},
			User:     &models.User{ID: "shadow", MessengerIdentities: identities},
			Entities: []models.Entity{{Entity: "linkingcode", Value: "123456"}},
		})
	}

	answer := verify(
		models.MessengerIdentity{Messenger: "telegram", ID: "1"},
		models.MessengerIdentity{Messenger: "discord", ID: "2"},
	)
	require.False(t, answer.Failed(), answer.Error)
	answer = verify(models.MessengerIdentity{Messenger: "telegram", ID: "1"})
	require.False(t, answer.Failed(), answer.Error)

	var writes []string
	for _, c := range server.calls() {
		if c.Method != http.MethodGet {
			writes = append(writes, c.Method+" "+c.Path)
		}
	}
	want := []string{
		"POST /users/register/merge/",
		"DELETE /users/shadow",
		"POST /users/register/",
		"DELETE /users/shadow",
	}
	if diff := cmp.Diff(want, writes); diff != "" {
		t.Fatalf("write calls mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveRecordsResolution(t *testing.T) {
	_, client := newStoreServer(t, nil)
	rec := &captureRecorder{}
	d := New(client, Options{Recorder: rec})
	start := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	ticks := []time.Time{start, start.Add(25 * time.Millisecond)}
	d.now = func() time.Time {
		now := ticks[0]
		if len(ticks) > 1 {
			ticks = ticks[1:]
		}
		return now
	}

	ctx := ContextWithRequestID(context.Background(), "req-1")
	d.Resolve(ctx, &models.Message{Intent: &models.Intent{Name: "foo"}, User: &models.User{ID: "u9"}})

	want := []models.Resolution{{
		ID:         "req-1",
		Intent:     "foo",
		UserID:     "u9",
		ErrorCode:  "Operation 'foo' does not exist",
		DurationMs: 25,
		CreatedAt:  start,
	}}
	if diff := cmp.Diff(want, rec.records); diff != "" {
		t.Fatalf("resolution mismatch (-want +got):\n%s", diff)
	}
}

type panickingStore struct{ Store }

func (panickingStore) GetDetails(context.Context, string) (*models.UserProfile, error) {
	panic("store exploded")
}

func TestResolveRecoversFromPanics(t *testing.T) {
	rec := &captureRecorder{}
	d := New(panickingStore{}, Options{Recorder: rec})

	answer := d.Resolve(context.Background(), &models.Message{
		Intent:   &models.Intent{Name: "database-get"},
		User:     &models.User{ID: "u1"},
		Entities: []models.Entity{{Entity: "detail-home"}},
	})
	assert.Equal(t, errInternal, answer.Error)
	require.Len(t, rec.records, 1)
	assert.Equal(t, errInternal, rec.records[0].ErrorCode)
	assert.NotEmpty(t, rec.records[0].ID)
}

func TestIntents(t *testing.T) {
	d := New(panickingStore{}, Options{})
	assert.Equal(t, []string{
		"database-get", "database-remove", "database-set",
		"link-user-get", "link-user-remove", "link-user-set",
	}, d.Intents())
}
