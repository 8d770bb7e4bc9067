package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/agent-interceptor/internal/domain"
	"github.com/tjfontaine/agent-interceptor/internal/storage/sqlite"
)

func newTestAPI(t *testing.T) (*API, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return New(store, nil), store
}

func seedInteraction(t *testing.T, store *sqlite.Store, sessionID string) *domain.Interaction {
	t.Helper()
	now := time.Now()
	in := &domain.Interaction{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		StartedAt: now,
		Provider:  domain.ProviderOpenAI,
		Method:    "POST",
		Path:      "/v1/chat/completions",
		Request: &domain.InteractionRequest{
			Model:   "gpt-4o",
			Headers: map[string]string{},
		},
	}
	if err := store.InsertInteraction(context.Background(), in); err != nil {
		t.Fatal(err)
	}
	completed := now.Add(10 * time.Millisecond)
	in.CompletedAt = &completed
	in.Response = &domain.InteractionResponse{
		StatusCode:        200,
		ReconstructedText: "hello",
	}
	if err := store.FinalizeInteraction(context.Background(), in); err != nil {
		t.Fatal(err)
	}
	return in
}

func TestHealthEndpoint(t *testing.T) {
	api, _ := newTestAPI(t)
	srv := httptest.NewServer(api.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %q", body["status"])
	}
}

func TestListAndGetInteractions(t *testing.T) {
	api, store := newTestAPI(t)
	in := seedInteraction(t, store, "sess-9")

	srv := httptest.NewServer(api.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/interactions?provider=openai")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var list []map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 interaction, got %d", len(list))
	}
	if list[0]["id"] != in.ID || list[0]["model"] != "gpt-4o" {
		t.Errorf("unexpected listing %v", list[0])
	}

	single, err := http.Get(srv.URL + "/interactions/" + in.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer single.Body.Close()
	if single.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for existing interaction, got %d", single.StatusCode)
	}

	missing, err := http.Get(srv.URL + "/interactions/" + uuid.New().String())
	if err != nil {
		t.Fatal(err)
	}
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for missing interaction, got %d", missing.StatusCode)
	}
}

func TestSessionsEndpoint(t *testing.T) {
	api, store := newTestAPI(t)
	seedInteraction(t, store, "sess-1")
	seedInteraction(t, store, "")

	srv := httptest.NewServer(api.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/sessions")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var sessions []map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	if sessions[0]["session_id"] != "sess-1" {
		t.Errorf("unexpected session %v", sessions[0])
	}
}

func TestStatsEndpoint(t *testing.T) {
	api, store := newTestAPI(t)
	seedInteraction(t, store, "")

	srv := httptest.NewServer(api.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stats")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var stats domain.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if stats.TotalInteractions != 1 {
		t.Errorf("expected 1 interaction, got %d", stats.TotalInteractions)
	}
	if stats.ByProvider["openai"] != 1 {
		t.Errorf("unexpected provider counts %v", stats.ByProvider)
	}
}

func TestClearInteractions(t *testing.T) {
	api, store := newTestAPI(t)
	seedInteraction(t, store, "")

	srv := httptest.NewServer(api.Routes())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/interactions", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	remaining, err := store.ListInteractions(context.Background(), sqlite.ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 0 {
		t.Errorf("expected empty store, got %d rows", len(remaining))
	}
}
