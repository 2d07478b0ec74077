package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"golang.org/x/crypto/bcrypt"

	"seatguard/internal/platform/auth"
	"seatguard/internal/platform/config"
	"seatguard/internal/platform/repositories"
)

var userCols = []string{"id", "email", "password_hash", "full_name", "created_at", "updated_at"}

func newAuthHandler(t *testing.T) (*AuthHandler, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	tokenSvc := auth.NewTokenService(config.JWTConfig{Secret: "test-secret", AccessTokenTTL: time.Hour})
	return NewAuthHandler(repositories.NewUserRepository(db), tokenSvc), mock, func() { db.Close() }
}

func TestSignup(t *testing.T) {
	handler, mock, cleanup := newAuthHandler(t)
	defer cleanup()

	mock.ExpectQuery("FROM users WHERE email = \\?").
		WithArgs("new@example.com").
		WillReturnRows(sqlmock.NewRows(userCols))
	mock.ExpectExec("INSERT INTO users").
		WillReturnResult(sqlmock.NewResult(1, 1))

	w := httptest.NewRecorder()
	handler.Signup(w, httptest.NewRequest(http.MethodPost, "/api/v1/auth/signup",
		strings.NewReader(`{"email":"New@Example.com","password":"secret-pass","full_name":"New User"}`)))

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}

	var resp AuthResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.User.Email != "new@example.com" {
		t.Errorf("email = %q, want normalized lowercase", resp.User.Email)
	}
	if resp.AccessToken == "" {
		t.Error("expected access token")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSignupRejectsShortPassword(t *testing.T) {
	handler, _, cleanup := newAuthHandler(t)
	defer cleanup()

	w := httptest.NewRecorder()
	handler.Signup(w, httptest.NewRequest(http.MethodPost, "/api/v1/auth/signup",
		strings.NewReader(`{"email":"new@example.com","password":"short"}`)))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestSignupConflict(t *testing.T) {
	handler, mock, cleanup := newAuthHandler(t)
	defer cleanup()

	mock.ExpectQuery("FROM users WHERE email = \\?").
		WithArgs("taken@example.com").
		WillReturnRows(sqlmock.NewRows(userCols).
			AddRow("usr-1", "taken@example.com", "hash", "Existing", 100, 100))

	w := httptest.NewRecorder()
	handler.Signup(w, httptest.NewRequest(http.MethodPost, "/api/v1/auth/signup",
		strings.NewReader(`{"email":"taken@example.com","password":"secret-pass"}`)))

	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
}

func TestLogin(t *testing.T) {
	handler, mock, cleanup := newAuthHandler(t)
	defer cleanup()

	hash, err := bcrypt.GenerateFromPassword([]byte("secret-pass"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	mock.ExpectQuery("FROM users WHERE email = \\?").
		WithArgs("user@example.com").
		WillReturnRows(sqlmock.NewRows(userCols).
			AddRow("usr-1", "user@example.com", string(hash), "User", 100, 100))

	w := httptest.NewRecorder()
	handler.Login(w, httptest.NewRequest(http.MethodPost, "/api/v1/auth/login",
		strings.NewReader(`{"email":"user@example.com","password":"secret-pass"}`)))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
}

func TestLoginWrongPassword(t *testing.T) {
	handler, mock, cleanup := newAuthHandler(t)
	defer cleanup()

	hash, _ := bcrypt.GenerateFromPassword([]byte("secret-pass"), bcrypt.MinCost)
	mock.ExpectQuery("FROM users WHERE email = \\?").
		WithArgs("user@example.com").
		WillReturnRows(sqlmock.NewRows(userCols).
			AddRow("usr-1", "user@example.com", string(hash), "User", 100, 100))

	w := httptest.NewRecorder()
	handler.Login(w, httptest.NewRequest(http.MethodPost, "/api/v1/auth/login",
		strings.NewReader(`{"email":"user@example.com","password":"wrong"}`)))

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestLoginUnknownUser(t *testing.T) {
	handler, mock, cleanup := newAuthHandler(t)
	defer cleanup()

	mock.ExpectQuery("FROM users WHERE email = \\?").
		WithArgs("ghost@example.com").
		WillReturnRows(sqlmock.NewRows(userCols))

	w := httptest.NewRecorder()
	handler.Login(w, httptest.NewRequest(http.MethodPost, "/api/v1/auth/login",
		strings.NewReader(`{"email":"ghost@example.com","password":"whatever"}`)))

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}
