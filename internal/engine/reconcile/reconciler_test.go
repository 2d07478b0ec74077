package reconcile

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seatguard/internal/engine/invites"
	"seatguard/internal/engine/upstream"
	"seatguard/internal/platform/models"
)

type fakeStore struct {
	mu          sync.Mutex
	erroredWith []string
	activated   []string
	resolvedIDs map[string]string
}

func (s *fakeStore) MarkError(id, status, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.erroredWith = append(s.erroredWith, status)
	return nil
}

func (s *fakeStore) MarkActive(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activated = append(s.activated, id)
	return nil
}

func (s *fakeStore) SetUpstreamID(id, upstreamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resolvedIDs == nil {
		s.resolvedIDs = map[string]string{}
	}
	s.resolvedIDs[id] = upstreamID
	return nil
}

type fakeAuditor struct {
	mu      sync.Mutex
	actions []string
}

func (a *fakeAuditor) Record(accountID, action, target string, metadata map[string]interface{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions = append(a.actions, action+":"+target)
}

// memberFixture is what the fake platform currently holds for the account.
type memberFixture struct {
	id      string
	email   string
	created time.Time
}

type fakePlatform struct {
	mu        sync.Mutex
	members   []memberFixture
	deleted   []string
	sessionID string
}

func (p *fakePlatform) server() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()

		switch {
		case r.URL.Path == "/session":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"account": map[string]string{"account_id": p.sessionID},
			})
		case strings.HasSuffix(r.URL.Path, "/users") && r.Method == http.MethodGet:
			items := make([]map[string]string, 0, len(p.members))
			for _, m := range p.members {
				items = append(items, map[string]string{
					"id":           m.id,
					"email":        m.email,
					"role":         "standard-user",
					"created_time": m.created.Format(time.RFC3339),
				})
			}
			json.NewEncoder(w).Encode(map[string]interface{}{"items": items, "total": len(items)})
		case strings.Contains(r.URL.Path, "/users/") && r.Method == http.MethodDelete:
			parts := strings.Split(r.URL.Path, "/")
			p.deleted = append(p.deleted, parts[len(parts)-1])
			w.WriteHeader(http.StatusNoContent)
		case strings.HasSuffix(r.URL.Path, "/invites") && r.Method == http.MethodGet:
			json.NewEncoder(w).Encode(map[string]interface{}{"items": []map[string]string{}, "total": 0})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func newTestReconciler(srvURL string, store *fakeStore, auditor Auditor) *Reconciler {
	client := upstream.NewClient(upstream.Config{
		BaseURL:     srvURL,
		SessionURL:  srvURL + "/session",
		MaxAttempts: 1,
		Backoff:     time.Millisecond,
	})
	inviteSvc := invites.NewService(client, 5*time.Minute, 0)
	return NewReconciler(client, inviteSvc, store, auditor)
}

func testAccount() *models.Account {
	return &models.Account{
		ID:             "acc-local",
		UserID:         "usr-1",
		AdminEmail:     "admin@example.com",
		UpstreamID:     "acc-up",
		AccessToken:    "tok",
		DesiredMembers: []string{"alice@example.com", "bob@example.com"},
		MaxMembers:     5,
		Status:         models.StatusActive,
	}
}

func TestRunDeletesUnauthorizedMembers(t *testing.T) {
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	platform := &fakePlatform{
		members: []memberFixture{
			{id: "u-admin", email: "admin@example.com", created: base},
			{id: "u-alice", email: "alice@example.com", created: base.Add(time.Hour)},
			{id: "u-rogue", email: "rogue@example.com", created: base.Add(2 * time.Hour)},
		},
	}
	srv := platform.server()
	defer srv.Close()

	store := &fakeStore{}
	auditor := &fakeAuditor{}
	rec := newTestReconciler(srv.URL, store, auditor)

	outcome := rec.Run(context.Background(), testAccount())

	assert.True(t, outcome.Success)
	assert.Equal(t, models.StatusActive, outcome.Status)
	assert.Equal(t, 1, outcome.UnauthorizedDeleted)
	assert.Equal(t, 0, outcome.OverflowEvicted)

	platform.mu.Lock()
	assert.Equal(t, []string{"u-rogue"}, platform.deleted)
	platform.mu.Unlock()

	// Admin sentinel first, then survivors.
	require.Equal(t, 2, outcome.MembersCount)
	assert.Equal(t, AdminMemberID, outcome.Members[0].ID)
	assert.True(t, outcome.Members[0].IsAdmin)
	assert.Equal(t, "alice@example.com", outcome.Members[1].Email)
}

func TestRunEvictsNewestOnOverflow(t *testing.T) {
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	platform := &fakePlatform{
		members: []memberFixture{
			{id: "u-admin", email: "admin@example.com", created: base},
			{id: "u-old", email: "alice@example.com", created: base.Add(time.Hour)},
			{id: "u-mid", email: "bob@example.com", created: base.Add(2 * time.Hour)},
			{id: "u-new", email: "carol@example.com", created: base.Add(3 * time.Hour)},
		},
	}
	srv := platform.server()
	defer srv.Close()

	store := &fakeStore{}
	rec := newTestReconciler(srv.URL, store, nil)

	account := testAccount()
	account.DesiredMembers = []string{"alice@example.com", "bob@example.com", "carol@example.com"}
	account.MaxMembers = 2 // capacity 2 plus the admin seat

	outcome := rec.Run(context.Background(), account)

	assert.True(t, outcome.Success)
	assert.Equal(t, 0, outcome.UnauthorizedDeleted)
	assert.Equal(t, 1, outcome.OverflowEvicted)

	platform.mu.Lock()
	assert.Equal(t, []string{"u-new"}, platform.deleted, "newest authorized member goes first")
	platform.mu.Unlock()

	require.Equal(t, 3, outcome.MembersCount)
	assert.Equal(t, AdminMemberID, outcome.Members[0].ID)
	assert.Equal(t, "alice@example.com", outcome.Members[1].Email)
	assert.Equal(t, "bob@example.com", outcome.Members[2].Email)
}

func TestRunSessionExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	store := &fakeStore{}
	rec := newTestReconciler(srv.URL, store, nil)

	outcome := rec.Run(context.Background(), testAccount())

	assert.False(t, outcome.Success)
	assert.Equal(t, models.StatusExpired, outcome.Status)
	assert.NotEmpty(t, outcome.Error)

	store.mu.Lock()
	assert.Equal(t, []string{models.StatusExpired}, store.erroredWith)
	store.mu.Unlock()
}

func TestRunResolvesMissingUpstreamID(t *testing.T) {
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	platform := &fakePlatform{
		sessionID: "acc-resolved",
		members: []memberFixture{
			{id: "u-admin", email: "admin@example.com", created: base},
		},
	}
	srv := platform.server()
	defer srv.Close()

	store := &fakeStore{}
	rec := newTestReconciler(srv.URL, store, nil)

	account := testAccount()
	account.UpstreamID = ""

	outcome := rec.Run(context.Background(), account)

	assert.True(t, outcome.Success)
	store.mu.Lock()
	assert.Equal(t, "acc-resolved", store.resolvedIDs["acc-local"])
	store.mu.Unlock()
}

func TestRunResetsErroredStatus(t *testing.T) {
	platform := &fakePlatform{}
	srv := platform.server()
	defer srv.Close()

	store := &fakeStore{}
	rec := newTestReconciler(srv.URL, store, nil)

	account := testAccount()
	account.Status = models.StatusError

	outcome := rec.Run(context.Background(), account)

	assert.True(t, outcome.Success)
	store.mu.Lock()
	assert.Equal(t, []string{"acc-local"}, store.activated)
	store.mu.Unlock()
}

func TestRunIsIdempotent(t *testing.T) {
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	platform := &fakePlatform{
		members: []memberFixture{
			{id: "u-admin", email: "admin@example.com", created: base},
			{id: "u-alice", email: "alice@example.com", created: base.Add(time.Hour)},
		},
	}
	srv := platform.server()
	defer srv.Close()

	store := &fakeStore{}
	rec := newTestReconciler(srv.URL, store, nil)

	first := rec.Run(context.Background(), testAccount())
	second := rec.Run(context.Background(), testAccount())

	assert.Equal(t, first.MembersCount, second.MembersCount)
	assert.Zero(t, second.UnauthorizedDeleted)
	assert.Zero(t, second.OverflowEvicted)

	platform.mu.Lock()
	assert.Empty(t, platform.deleted)
	platform.mu.Unlock()
}
