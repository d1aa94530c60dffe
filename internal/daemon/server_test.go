package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Kodiack54/driftboard/internal/api"
	"github.com/Kodiack54/driftboard/internal/config"
	"github.com/Kodiack54/driftboard/internal/db"
	"github.com/Kodiack54/driftboard/internal/testutil"
)

func newTestServer(t *testing.T) (*db.Store, *http.Client, context.Context) {
	t.Helper()
	store, ctx := testutil.NewStore(t)

	cfg := config.DefaultConfig()
	cfg.SocketPath = filepath.Join(t.TempDir(), "driftboardd.sock")

	srv := NewServer(cfg, store)
	srvCtx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(srvCtx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(3 * time.Second):
		}
	})
	waitForSocket(t, cfg.SocketPath, errCh)

	client := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", cfg.SocketPath)
		},
	}}
	return store, client, ctx
}

func postJSON(t *testing.T, client *http.Client, path string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := client.Post("http://unix"+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("post %s: %v", path, err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close() //nolint:errcheck
	var payload T
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return payload
}

func TestHealthEndpointOverUDS(t *testing.T) {
	_, client, _ := newTestServer(t)

	resp, err := client.Get("http://unix/v1/health")
	if err != nil {
		t.Fatalf("get health over uds: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	payload := decodeBody[api.HealthResponse](t, resp)
	if payload.SchemaVersion != "v1" || payload.Status != "ok" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestStartFailsWhenSocketPathIsRegularFile(t *testing.T) {
	tmp := t.TempDir()
	socketPath := filepath.Join(tmp, "driftboardd.sock")
	if err := os.WriteFile(socketPath, []byte("not-a-socket"), 0o600); err != nil {
		t.Fatalf("write regular file: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.SocketPath = socketPath
	srv := NewServer(cfg, nil)

	err := srv.Start(context.Background())
	if err == nil {
		t.Fatalf("expected start to fail for non-socket file")
	}
	if err := os.Remove(socketPath); err != nil {
		t.Fatalf("regular file should remain for caller cleanup, got remove error: %v", err)
	}
}

func TestSingleInstanceLock(t *testing.T) {
	tmp := t.TempDir()
	socketPath := filepath.Join(tmp, "driftboardd.sock")
	cfg := config.DefaultConfig()
	cfg.SocketPath = socketPath

	srv1 := NewServer(cfg, nil)
	ctx1, cancel1 := context.WithCancel(context.Background())
	defer cancel1()

	errCh1 := make(chan error, 1)
	go func() {
		errCh1 <- srv1.Start(ctx1)
	}()
	waitForSocket(t, socketPath, errCh1)

	srv2 := NewServer(cfg, nil)
	if err := srv2.Start(context.Background()); err == nil {
		t.Fatalf("expected second server start to fail while first lock is held")
	}
}

func TestReportAndSummaryFlow(t *testing.T) {
	_, client, _ := newTestServer(t)

	resp := postJSON(t, client, "/v1/repos", api.RepoUpsertRequest{
		RepoID:     "api-gateway",
		GitHubURL:  "https://github.com/acme/api-gateway",
		ServerPath: "/srv/api-gateway",
		PCPath:     "/home/dev/api-gateway",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("repo upsert: %d", resp.StatusCode)
	}
	resp.Body.Close() //nolint:errcheck

	now := time.Now().UTC().Format(time.RFC3339)
	for _, report := range []api.GitReportRequest{
		{NodeID: "droplet", RepoID: "api-gateway", Role: "server", Branch: "main", Head: "aaaa1112222333344", LastSeen: &now},
		{NodeID: "pc-dev", RepoID: "api-gateway", Role: "pc", Branch: "main", Head: "bbbb1112222333344", Ahead: 2, LastSeen: &now},
	} {
		resp := postJSON(t, client, "/v1/reports/git", report)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("git report: %d", resp.StatusCode)
		}
		payload := decodeBody[api.ReportResponse](t, resp)
		if payload.Status != "applied" {
			t.Fatalf("expected applied, got %+v", payload)
		}
	}

	summaryResp, err := client.Get("http://unix/v1/summary")
	if err != nil {
		t.Fatalf("get summary: %v", err)
	}
	if summaryResp.StatusCode != http.StatusOK {
		t.Fatalf("summary status: %d", summaryResp.StatusCode)
	}
	summary := decodeBody[api.ListEnvelope[api.RepoSummaryItem]](t, summaryResp)
	if len(summary.Items) != 1 {
		t.Fatalf("expected one summary item, got %+v", summary.Items)
	}
	item := summary.Items[0]
	if item.Sync.State != "orange" {
		t.Fatalf("expected orange pair, got %+v", item.Sync)
	}
	if item.DriftSince == nil {
		t.Fatal("drift_since missing on drifted pair")
	}
	if summary.Counts["orange"] != 1 {
		t.Fatalf("counts wrong: %+v", summary.Counts)
	}

	attentionResp, err := client.Get("http://unix/v1/attention")
	if err != nil {
		t.Fatalf("get attention: %v", err)
	}
	feed := decodeBody[api.AttentionEnvelope](t, attentionResp)
	if feed.Overall != "warn" || len(feed.Items) != 1 {
		t.Fatalf("unexpected feed: %+v", feed)
	}
	if feed.Items[0].Type != "git" || feed.Items[0].EntityID != "api-gateway" {
		t.Fatalf("unexpected feed item: %+v", feed.Items[0])
	}
}

func TestSummaryRejectsUnknownStateFilter(t *testing.T) {
	_, client, _ := newTestServer(t)

	resp, err := client.Get("http://unix/v1/summary?state=purple")
	if err != nil {
		t.Fatalf("get summary: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	payload := decodeBody[api.ErrorResponse](t, resp)
	if payload.Error.Code != "E_FILTER_INVALID" {
		t.Fatalf("wrong error code: %+v", payload.Error)
	}
	if !strings.Contains(payload.Error.Message, "green") {
		t.Fatalf("error must list allowed states: %+v", payload.Error)
	}
}

func TestStaleGitReportReportedAsDropped(t *testing.T) {
	store, client, ctx := newTestServer(t)
	testutil.SeedRepo(t, store, ctx, "api-gateway", "")

	newer := time.Now().UTC().Format(time.RFC3339)
	older := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)

	resp := postJSON(t, client, "/v1/reports/git", api.GitReportRequest{
		NodeID: "droplet", RepoID: "api-gateway", Role: "server", Head: "aaaa1112222333344", LastSeen: &newer,
	})
	decodeBody[api.ReportResponse](t, resp)

	resp = postJSON(t, client, "/v1/reports/git", api.GitReportRequest{
		NodeID: "droplet", RepoID: "api-gateway", Role: "server", Head: "bbbb1112222333344", LastSeen: &older,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stale report must still be a 200, got %d", resp.StatusCode)
	}
	payload := decodeBody[api.ReportResponse](t, resp)
	if payload.Status != "dropped_stale" {
		t.Fatalf("expected dropped_stale, got %+v", payload)
	}
}

func TestFamilySyncRouteErrors(t *testing.T) {
	_, client, _ := newTestServer(t)

	resp := postJSON(t, client, "/v1/families/ghost/sync", struct{}{})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown family, got %d", resp.StatusCode)
	}
	payload := decodeBody[api.ErrorResponse](t, resp)
	if payload.Error.Code != "E_REF_NOT_FOUND" {
		t.Fatalf("wrong error code: %+v", payload.Error)
	}

	getResp, err := client.Get("http://unix/v1/families/ghost/sync")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if getResp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", getResp.StatusCode)
	}
	getResp.Body.Close() //nolint:errcheck
}

func waitForSocket(t *testing.T, path string, errCh <-chan error) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case err := <-errCh:
			if err == nil || err == context.Canceled {
				t.Fatalf("server exited before socket creation: %v", err)
			}
			if isUDSUnsupported(err) {
				t.Skipf("unix domain sockets unavailable in this environment: %v", err)
			}
			t.Fatalf("server start failed before socket creation: %v", err)
		default:
		}
		if st, err := os.Stat(path); err == nil {
			if st.Mode()&os.ModeSocket != 0 {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("socket was not created: %s", fmt.Sprintf("%s", path))
}

func isUDSUnsupported(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "operation not permitted") ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "not supported") ||
		strings.Contains(msg, "address family not supported")
}
