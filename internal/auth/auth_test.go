package auth

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/court-scheduler/internal/store"
)

func newAuthStore(t *testing.T) *Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db, bytes.Repeat([]byte{1}, 32), bytes.Repeat([]byte{2}, 32))
}

func TestAuthenticate(t *testing.T) {
	s := newAuthStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateUser(ctx, "alice", "correct horse"))

	uid, err := s.Authenticate(ctx, "alice", "correct horse")
	require.NoError(t, err)
	require.NotEmpty(t, uid)

	_, err = s.Authenticate(ctx, "alice", "wrong")
	require.Error(t, err)

	_, err = s.Authenticate(ctx, "nobody", "correct horse")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestDuplicateUsernameRejected(t *testing.T) {
	s := newAuthStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateUser(ctx, "alice", "pw1"))
	require.Error(t, s.CreateUser(ctx, "alice", "pw2"))
}

func TestSessionRoundTrip(t *testing.T) {
	s := newAuthStore(t)

	rec := httptest.NewRecorder()
	require.NoError(t, s.SetSession(rec, httptest.NewRequest(http.MethodPost, "/login", nil), "user-123"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}
	uid, ok := s.GetSession(req)
	require.True(t, ok)
	require.Equal(t, "user-123", uid)
}

func TestRequireAuth(t *testing.T) {
	s := newAuthStore(t)

	var gotUID string
	h := s.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUID, _ = UserIDFromContext(r.Context())
	}))

	// no cookie
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// forged cookie
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "courtsched_session", Value: "garbage"})
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// valid session
	loginRec := httptest.NewRecorder()
	require.NoError(t, s.SetSession(loginRec, httptest.NewRequest(http.MethodPost, "/login", nil), "user-123"))
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range loginRec.Result().Cookies() {
		req.AddCookie(c)
	}
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "user-123", gotUID)
}

func TestClearSession(t *testing.T) {
	s := newAuthStore(t)
	rec := httptest.NewRecorder()
	s.ClearSession(rec)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	require.Equal(t, -1, cookies[0].MaxAge)
	require.Empty(t, cookies[0].Value)
}
