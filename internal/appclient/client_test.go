package appclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Kodiack54/driftboard/internal/api"
)

func TestSummaryDecodesEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/summary" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("state") != "red" || r.URL.Query().Get("active_only") != "true" {
			t.Errorf("filters not forwarded: %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode(api.ListEnvelope[api.RepoSummaryItem]{
			SchemaVersion: "v1",
			GeneratedAt:   time.Now().UTC(),
			Items: []api.RepoSummaryItem{
				{RepoID: "api-gateway", Sync: api.SyncBlockItem{State: "red", Reasons: []string{"diverged"}}},
			},
			Counts: map[string]int{"red": 1},
		})
	}))
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	envelope, err := client.Summary(context.Background(), QueryOptions{State: "red", ActiveOnly: true})
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if len(envelope.Items) != 1 || envelope.Items[0].RepoID != "api-gateway" {
		t.Fatalf("unexpected envelope: %+v", envelope)
	}
	if envelope.Counts["red"] != 1 {
		t.Fatalf("counts not decoded: %+v", envelope.Counts)
	}
}

func TestRequestErrorFromAPIErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{
			SchemaVersion: "v1",
			GeneratedAt:   time.Now().UTC(),
			Error:         api.APIError{Code: "E_FAMILY_NO_QUORUM", Message: "no online quorum"},
		})
	}))
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	_, err := client.SyncFamily(context.Background(), "ai-worker")
	if err == nil {
		t.Fatal("expected error")
	}
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %T: %v", err, err)
	}
	if reqErr.Code != "E_FAMILY_NO_QUORUM" || reqErr.StatusCode != http.StatusConflict {
		t.Fatalf("unexpected error fields: %+v", reqErr)
	}
}

func TestRequestErrorFromPlainBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	_, err := client.Health(context.Background())
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %v", err)
	}
	if reqErr.Code != "HTTP_500" || reqErr.Message != "boom" {
		t.Fatalf("unexpected error fields: %+v", reqErr)
	}
}

func TestReportGitStatePostsBody(t *testing.T) {
	var got api.GitReportRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(api.ReportResponse{SchemaVersion: "v1", Status: "applied"})
	}))
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	resp, err := client.ReportGitState(context.Background(), api.GitReportRequest{
		NodeID: "droplet", RepoID: "api-gateway", Role: "server", Head: "aaaa111",
	})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if resp.Status != "applied" {
		t.Fatalf("unexpected status: %+v", resp)
	}
	if got.NodeID != "droplet" || got.Role != "server" {
		t.Fatalf("request body not forwarded: %+v", got)
	}
}
