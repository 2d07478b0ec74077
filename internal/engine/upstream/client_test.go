package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(serverURL string) *Client {
	return NewClient(Config{
		BaseURL:     serverURL,
		SessionURL:  serverURL + "/session",
		MaxAttempts: 3,
		Backoff:     time.Millisecond,
		Timeout:     5 * time.Second,
	})
}

func TestFetchMembers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/acc-1/users", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("authorization"))
		assert.Equal(t, "acc-1", r.Header.Get("x-account-id"))
		assert.Equal(t, "0", r.URL.Query().Get("offset"))
		assert.Equal(t, "25", r.URL.Query().Get("limit"))

		json.NewEncoder(w).Encode(map[string]interface{}{
			"items": []map[string]string{
				{"id": "u1", "email": "alice@example.com", "role": "standard-user", "created_time": "2026-01-02T10:00:00Z"},
				{"id": "u2", "email": "bob@example.com", "role": "standard-user", "created_time": "2026-01-03T10:00:00Z"},
			},
			"total": 2,
		})
	}))
	defer srv.Close()

	members, total, err := testClient(srv.URL).FetchMembers(context.Background(), "acc-1", "tok")
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, members, 2)
	assert.Equal(t, "u1", members[0].ID)
	assert.Equal(t, "alice@example.com", members[0].Email)
	assert.Equal(t, 2026, members[0].CreatedAt.Year())
}

func TestRetryOnThrottle(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"items": []map[string]string{}, "total": 0})
	}))
	defer srv.Close()

	_, _, err := testClient(srv.URL).FetchMembers(context.Background(), "acc-1", "tok")
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestRetryBudgetExhausted(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, _, err := testClient(srv.URL).FetchMembers(context.Background(), "acc-1", "tok")
	require.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestSessionExpiredNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, _, err := testClient(srv.URL).FetchMembers(context.Background(), "acc-1", "tok")
	require.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestInvalidAccountNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"detail":"unknown account"}`))
	}))
	defer srv.Close()

	err := testClient(srv.URL).DeleteMember(context.Background(), "acc-1", "u1", "tok")
	require.ErrorIs(t, err, ErrInvalidAccount)
	assert.Contains(t, err.Error(), "unknown account")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestSendInvitesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/acc-1/invites", r.URL.Path)

		var body struct {
			EmailAddresses []string `json:"email_addresses"`
			Role           string   `json:"role"`
			ResendEmails   bool     `json:"resend_emails"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []string{"a@x.com", "b@x.com"}, body.EmailAddresses)
		assert.Equal(t, "standard-user", body.Role)
		assert.True(t, body.ResendEmails)

		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	result, err := testClient(srv.URL).SendInvites(context.Background(), "acc-1", "tok", []string{"a@x.com", "b@x.com"}, true)
	require.NoError(t, err)
	assert.Equal(t, 2, result.InvitedCount)
}

func TestDeletePendingInviteBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "stale@x.com", body["email_address"])

		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := testClient(srv.URL).DeletePendingInvite(context.Background(), "acc-1", "tok", "stale@x.com")
	require.NoError(t, err)
}

func TestResolveAccountID(t *testing.T) {
	t.Run("single account shape", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Empty(t, r.Header.Get("x-account-id"))
			w.Write([]byte(`{"account":{"account_id":"acc-primary"}}`))
		}))
		defer srv.Close()

		id, err := testClient(srv.URL).ResolveAccountID(context.Background(), "tok")
		require.NoError(t, err)
		assert.Equal(t, "acc-primary", id)
	})

	t.Run("account list shape", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"accounts":[{"account_id":"acc-first"},{"account_id":"acc-second"}]}`))
		}))
		defer srv.Close()

		id, err := testClient(srv.URL).ResolveAccountID(context.Background(), "tok")
		require.NoError(t, err)
		assert.Equal(t, "acc-first", id)
	})

	t.Run("empty session", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{}`))
		}))
		defer srv.Close()

		_, err := testClient(srv.URL).ResolveAccountID(context.Background(), "tok")
		require.Error(t, err)
	})
}

func TestFingerprintConsistency(t *testing.T) {
	var headers []http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = append(headers, r.Header.Clone())
		json.NewEncoder(w).Encode(map[string]interface{}{"items": []map[string]string{}, "total": 0})
	}))
	defer srv.Close()

	client := testClient(srv.URL)
	for i := 0; i < 20; i++ {
		_, _, err := client.FetchMembers(context.Background(), "acc-1", "tok")
		require.NoError(t, err)
	}

	for _, h := range headers {
		ua := h.Get("user-agent")
		require.NotEmpty(t, ua)

		secChUA := h.Get("sec-ch-ua")
		if strings.Contains(ua, "Chrome/") {
			// Chromium UAs must carry a matching client-hint family.
			assert.NotEmpty(t, secChUA, "chrome user-agent without sec-ch-ua")
			assert.Contains(t, secChUA, "Google Chrome")
		} else {
			assert.Empty(t, secChUA, "non-chromium user-agent with sec-ch-ua: %s", ua)
		}
	}
}

func TestParseTimestamp(t *testing.T) {
	assert.Equal(t, 2026, parseTimestamp("2026-03-01T12:00:00Z").Year())
	assert.Equal(t, 2026, parseTimestamp("", "2026-03-01T12:00:00.123456").Year())
	assert.True(t, parseTimestamp("", "not-a-date").IsZero())
}
