package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"inkwell/api/internal/identity"
	"inkwell/api/internal/store"
)

func newTestServer(t *testing.T, fs *fakeStore) *httptest.Server {
	t.Helper()
	svc, _, _ := newTestService(fs)
	server := httptest.NewServer(NewHTTPServer(svc, "*").Handler())
	t.Cleanup(server.Close)
	return server
}

func postQuery(t *testing.T, server *httptest.Server, token, operation string, arguments any) (*http.Response, map[string]any) {
	t.Helper()
	body, err := json.Marshal(map[string]any{"operation": operation, "arguments": arguments})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, server.URL+"/api/query", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, payload
}

func queryErrorCode(t *testing.T, payload map[string]any) string {
	t.Helper()
	errs, ok := payload["errors"].([]any)
	if !ok || len(errs) == 0 {
		t.Fatalf("expected errors envelope, got %v", payload)
	}
	entry := errs[0].(map[string]any)
	return entry["extensions"].(map[string]any)["code"].(string)
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(t, &fakeStore{})

	resp, err := http.Get(server.URL + "/api/health")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestQueryUnknownOperation(t *testing.T) {
	server := newTestServer(t, &fakeStore{})

	resp, payload := postQuery(t, server, "", "explode", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
	if code := queryErrorCode(t, payload); code != "BAD_USER_INPUT" {
		t.Errorf("expected BAD_USER_INPUT, got %s", code)
	}
}

func TestQueryMeUnauthenticated(t *testing.T) {
	server := newTestServer(t, &fakeStore{})

	resp, payload := postQuery(t, server, "", "me", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}
	if code := queryErrorCode(t, payload); code != "UNAUTHENTICATED" {
		t.Errorf("expected UNAUTHENTICATED, got %s", code)
	}
}

func TestQueryInvalidTokenDegradesToAnonymous(t *testing.T) {
	fs := &fakeStore{
		listComicsFn: func(_ context.Context, filter store.ComicFilter, _ string, _, _ int) ([]store.Comic, int, error) {
			return []store.Comic{publishedComic("com_1", "acc_1")}, 1, nil
		},
	}
	server := newTestServer(t, fs)

	resp, payload := postQuery(t, server, "garbage-token", "comics", map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for public operation with bad token, got %d", resp.StatusCode)
	}
	data := payload["data"].(map[string]any)
	if data["total"] != float64(1) {
		t.Errorf("unexpected payload: %v", data)
	}
}

func TestQueryRegisterLoginFlow(t *testing.T) {
	accounts := map[string]store.Account{}
	fs := &fakeStore{
		createAccountFn: func(_ context.Context, a store.Account) error {
			for _, existing := range accounts {
				if existing.Email == a.Email || existing.Username == a.Username {
					return &store.ErrDuplicate{Constraint: "accounts_email_key"}
				}
			}
			accounts[a.ID] = a
			return nil
		},
		getAccountByIDFn: func(_ context.Context, id string) (store.Account, error) {
			account, ok := accounts[id]
			if !ok {
				return store.Account{}, sql.ErrNoRows
			}
			return account, nil
		},
	}
	server := newTestServer(t, fs)

	input := map[string]any{"input": map[string]any{
		"username": "reader1", "email": "reader@b.test", "password": "secret1",
	}}
	resp, payload := postQuery(t, server, "", "register", input)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", resp.StatusCode, payload)
	}
	data := payload["data"].(map[string]any)
	token, _ := data["token"].(string)
	if token == "" {
		t.Fatal("expected a token in register payload")
	}
	user := data["user"].(map[string]any)
	if _, ok := user["passwordHash"]; ok {
		t.Error("password hash must not appear in API payloads")
	}

	// The issued legacy token authenticates the me query.
	resp, payload = postQuery(t, server, token, "me", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for me, got %d: %v", resp.StatusCode, payload)
	}

	// Registering the same email again conflicts.
	resp, payload = postQuery(t, server, "", "register", input)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for duplicate register, got %d", resp.StatusCode)
	}
	if code := queryErrorCode(t, payload); code != "BAD_USER_INPUT" {
		t.Errorf("expected BAD_USER_INPUT, got %s", code)
	}
}

func TestQueryDeleteComicOwnership(t *testing.T) {
	account := store.Account{ID: "acc_other", Role: store.RoleReader}
	fs := &fakeStore{
		getAccountByIDFn: func(_ context.Context, id string) (store.Account, error) {
			if id != account.ID {
				return store.Account{}, sql.ErrNoRows
			}
			return account, nil
		},
		getComicFn: func(_ context.Context, id string) (store.Comic, error) {
			return publishedComic(id, "acc_owner"), nil
		},
	}
	svc, _, _ := newTestService(fs)
	server := httptest.NewServer(NewHTTPServer(svc, "*").Handler())
	t.Cleanup(server.Close)

	session, err := svc.issueSession(context.Background(), account)
	if err != nil {
		t.Fatalf("issueSession failed: %v", err)
	}

	resp, payload := postQuery(t, server, session.Token, "deleteComic", map[string]any{"id": "com_1"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	if code := queryErrorCode(t, payload); code != "FORBIDDEN" {
		t.Errorf("expected FORBIDDEN, got %s", code)
	}
}

// ── REST bootstrap routes ──

func TestSyncRejectsMissingToken(t *testing.T) {
	server := newTestServer(t, &fakeStore{})

	resp, err := http.Post(server.URL+"/api/users/sync", "application/json", bytes.NewReader([]byte(`{}`)))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}
}

func TestSyncRejectsLegacyToken(t *testing.T) {
	account := store.Account{ID: "acc_1"}
	fs := &fakeStore{
		getAccountByIDFn: func(context.Context, string) (store.Account, error) {
			return account, nil
		},
	}
	svc, _, _ := newTestService(fs)
	server := httptest.NewServer(NewHTTPServer(svc, "*").Handler())
	t.Cleanup(server.Close)

	session, err := svc.issueSession(context.Background(), account)
	if err != nil {
		t.Fatalf("issueSession failed: %v", err)
	}

	req, _ := http.NewRequest(http.MethodPost, server.URL+"/api/users/sync", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Authorization", "Bearer "+session.Token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 for legacy token on sync, got %d", resp.StatusCode)
	}
}

func TestSyncCreatesAccount(t *testing.T) {
	var created store.Account
	fs := &fakeStore{
		createAccountFn: func(_ context.Context, a store.Account) error {
			created = a
			return nil
		},
		getAccountByIDFn: func(_ context.Context, id string) (store.Account, error) {
			if created.ID == id {
				return created, nil
			}
			return store.Account{}, sql.ErrNoRows
		},
	}
	server := newTestServer(t, fs)

	token, err := identity.IssueForTest(testIdentitySecret, testIdentityIssuer, identity.Assertion{
		UID: "uid-7", Email: "artist@b.test", EmailVerified: true,
	}, time.Hour)
	if err != nil {
		t.Fatalf("IssueForTest failed: %v", err)
	}

	body := []byte(`{"username":"artist7"}`)
	req, _ := http.NewRequest(http.MethodPost, server.URL+"/api/users/sync", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload["success"] != true || payload["created"] != true {
		t.Errorf("unexpected payload: %v", payload)
	}
	if created.Username != "artist7" {
		t.Errorf("expected requested username adopted, got %s", created.Username)
	}
}

func TestUpgradeToCreatorRoute(t *testing.T) {
	fs := &fakeStore{
		getAccountByExternalUIDFn: func(context.Context, string) (store.Account, error) {
			return store.Account{ID: "acc_1", Role: store.RoleReader}, nil
		},
	}
	server := newTestServer(t, fs)

	token, err := identity.IssueForTest(testIdentitySecret, testIdentityIssuer, identity.Assertion{
		UID: "uid-1", Email: "artist@b.test",
	}, time.Hour)
	if err != nil {
		t.Fatalf("IssueForTest failed: %v", err)
	}

	req, _ := http.NewRequest(http.MethodPost, server.URL+"/api/users/upgrade-to-creator", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	user := payload["user"].(map[string]any)
	if user["role"] != store.RoleCreator {
		t.Errorf("expected role creator, got %v", user["role"])
	}
}

func TestCurrentUserRouteUnsynced(t *testing.T) {
	server := newTestServer(t, &fakeStore{})

	token, err := identity.IssueForTest(testIdentitySecret, testIdentityIssuer, identity.Assertion{
		UID: "uid-unknown", Email: "ghost@b.test",
	}, time.Hour)
	if err != nil {
		t.Fatalf("IssueForTest failed: %v", err)
	}

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/api/users/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unsynced identity, got %d", resp.StatusCode)
	}
}
