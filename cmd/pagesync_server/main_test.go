package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/pagesync/core/pages"
	"github.com/sushant-115/pagesync/core/repository"
)

func newTestService(t *testing.T) (*adminService, *httptest.Server) {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	repo, err := repository.New(repository.Config{RootDir: t.TempDir(), Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	svc := newAdminService(repo, logger)
	mux := http.NewServeMux()
	svc.register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return svc, ts
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) apiResponse {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out apiResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (s *adminService) lookup(id string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

// TestOpenBindsSessionKey verifies an open without a page id allocates a
// fresh page and registers a session whose typed key matches the id the
// response reports, so later lookups and logs name the page actually bound.
func TestOpenBindsSessionKey(t *testing.T) {
	svc, ts := newTestService(t)

	out := postJSON(t, ts, "/api/pages/open", map[string]string{"ledger": "app"})
	require.Equal(t, "OK", out.Status)
	require.NotEmpty(t, out.SessionID)
	id, err := pages.IDFromHex(out.PageID)
	require.NoError(t, err)

	sess := svc.lookup(out.SessionID)
	require.NotNil(t, sess)
	require.Equal(t, pages.Key{Ledger: "app", Page: id}, sess.key)

	closed := postJSON(t, ts, "/api/pages/close", map[string]string{"session_id": out.SessionID})
	require.Equal(t, "OK", closed.Status)
	require.Nil(t, svc.lookup(out.SessionID))
}

// TestOpenWithSuppliedID verifies the caller-supplied id path binds the
// session to that same page.
func TestOpenWithSuppliedID(t *testing.T) {
	svc, ts := newTestService(t)
	id := pages.NewID()

	out := postJSON(t, ts, "/api/pages/open", map[string]string{
		"ledger": "app", "page_id": id.Hex(),
	})
	require.Equal(t, "OK", out.Status)
	require.Equal(t, id.Hex(), out.PageID)

	sess := svc.lookup(out.SessionID)
	require.NotNil(t, sess)
	require.Equal(t, pages.Key{Ledger: "app", Page: id}, sess.key)

	closed := postJSON(t, ts, "/api/pages/close", map[string]string{"session_id": out.SessionID})
	require.Equal(t, "OK", closed.Status)
}
