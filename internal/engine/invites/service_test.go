package invites

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seatguard/internal/engine/upstream"
)

type fakeUpstream struct {
	invites []map[string]string
	deleted []string
	failOn  map[string]bool
}

func (f *fakeUpstream) server(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(map[string]interface{}{
				"items": f.invites,
				"total": len(f.invites),
			})
		case http.MethodDelete:
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			email := body["email_address"]
			if f.failOn[email] {
				// 422 is terminal; keeps the test free of retry delays.
				w.WriteHeader(http.StatusUnprocessableEntity)
				return
			}
			f.deleted = append(f.deleted, email)
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
}

func newTestService(t *testing.T, f *fakeUpstream) (*Service, func()) {
	srv := f.server(t)
	client := upstream.NewClient(upstream.Config{
		BaseURL:     srv.URL,
		MaxAttempts: 1,
		Backoff:     time.Millisecond,
	})
	svc := NewService(client, 5*time.Minute, 0)
	return svc, srv.Close
}

func TestCleanupDeletesStaleInvites(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	fake := &fakeUpstream{
		invites: []map[string]string{
			{"email_address": "keep@example.com", "created_at": now.Add(-time.Hour).Format(time.RFC3339)},
			{"email_address": "fresh@example.com", "created_at": now.Add(-time.Minute).Format(time.RFC3339)},
			{"email_address": "stale@example.com", "created_at": now.Add(-time.Hour).Format(time.RFC3339)},
		},
	}
	svc, done := newTestService(t, fake)
	defer done()
	svc.now = func() time.Time { return now }

	result, err := svc.Cleanup(context.Background(), "acc-1", "tok", []string{"keep@example.com"})
	require.NoError(t, err)

	assert.Equal(t, []string{"stale@example.com"}, result.Deleted)
	assert.Empty(t, result.Failed)
	assert.Equal(t, 2, result.Kept, "desired-set and within-grace invites both kept")
	assert.Equal(t, []string{"stale@example.com"}, fake.deleted)
}

func TestCleanupGracePeriodBoundary(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	fake := &fakeUpstream{
		invites: []map[string]string{
			{"email_address": "exact@example.com", "created_at": now.Add(-5 * time.Minute).Format(time.RFC3339)},
		},
	}
	svc, done := newTestService(t, fake)
	defer done()
	svc.now = func() time.Time { return now }

	result, err := svc.Cleanup(context.Background(), "acc-1", "tok", nil)
	require.NoError(t, err)

	// Age exactly equal to the grace period is no longer protected.
	assert.Equal(t, []string{"exact@example.com"}, result.Deleted)
}

func TestCleanupContinuesPastFailures(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	fake := &fakeUpstream{
		invites: []map[string]string{
			{"email_address": "bad@example.com", "created_at": now.Add(-time.Hour).Format(time.RFC3339)},
			{"email_address": "good@example.com", "created_at": now.Add(-time.Hour).Format(time.RFC3339)},
		},
		failOn: map[string]bool{"bad@example.com": true},
	}
	svc, done := newTestService(t, fake)
	defer done()
	svc.now = func() time.Time { return now }

	result, err := svc.Cleanup(context.Background(), "acc-1", "tok", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"good@example.com"}, result.Deleted)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "bad@example.com", result.Failed[0].Email)
}

func TestCleanupKeepsUnparsedTimestamps(t *testing.T) {
	fake := &fakeUpstream{
		invites: []map[string]string{
			{"email_address": "nodate@example.com", "created_at": ""},
		},
	}
	svc, done := newTestService(t, fake)
	defer done()

	result, err := svc.Cleanup(context.Background(), "acc-1", "tok", nil)
	require.NoError(t, err)

	// Zero timestamps skip the grace check; the invite is treated as stale.
	assert.Equal(t, []string{"nodate@example.com"}, result.Deleted)
}
