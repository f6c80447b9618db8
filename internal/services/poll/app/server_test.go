package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/louisbranch/livepoll/internal/services/poll/domain"
	"github.com/louisbranch/livepoll/internal/services/poll/storage/sqlite"
)

func TestNewServerRequiresAddress(t *testing.T) {
	if _, err := NewServer(Config{}); err == nil {
		t.Fatal("expected error for empty address")
	}
	if _, err := NewServer(Config{HTTPAddr: "127.0.0.1:0", HistoryLimit: -1}); err == nil {
		t.Fatal("expected error for negative history limit")
	}
}

func TestNewServerWithArchiveAndGrants(t *testing.T) {
	server, err := NewServer(Config{
		HTTPAddr:             "127.0.0.1:0",
		ArchivePath:          filepath.Join(t.TempDir(), "archive.db"),
		PresenterGrantSecret: "secret",
		IdleTTL:              time.Hour,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if server.store == nil {
		t.Fatal("expected archive store to be opened")
	}
	if server.sweeperStop == nil || server.sweeperDone == nil {
		t.Fatal("expected idle sweeper to be started")
	}
	server.Close()
}

func TestListenAndServeRejectsNilServer(t *testing.T) {
	var server *Server
	if err := server.ListenAndServe(context.Background()); err == nil {
		t.Fatal("expected error for nil server")
	}
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	server, err := NewServer(Config{HTTPAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.ListenAndServe(ctx)
	}()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("listen and serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after cancel")
	}
}

func TestHandlerRoutes(t *testing.T) {
	srv := httptest.NewServer(NewHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/up")
	if err != nil {
		t.Fatalf("get /up: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "OK" {
		t.Fatalf("/up = %d %q, want 200 OK", resp.StatusCode, body)
	}

	resp, err = http.Post(srv.URL+"/ws", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("post /ws: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("POST /ws status = %d, want %d", resp.StatusCode, http.StatusMethodNotAllowed)
	}

	resp, err = http.Get(srv.URL + "/polls/room/archive")
	if err != nil {
		t.Fatalf("get archive: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("archive without store status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func openTestArchive(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestClosedRoundsAreArchived(t *testing.T) {
	store := openTestArchive(t)
	service, srv := newTestServer(t, serviceConfig{Archive: store})

	resp, err := http.Get(srv.URL + "/polls/room/archive")
	if err != nil {
		t.Fatalf("get archive: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("empty archive status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}

	presenter, ana, bruno := openTestRound(t, srv)
	writeFrame(t, ana, frameSubmitAnswer, map[string]any{"pollId": "room", "optionIndex": 1})
	writeFrame(t, bruno, frameSubmitAnswer, map[string]any{"pollId": "room", "optionIndex": 1})
	readType(t, presenter, domain.EventResults)

	service.close()

	resp, err = http.Get(srv.URL + "/polls/room/archive?limit=10")
	if err != nil {
		t.Fatalf("get archive: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("archive status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var got archiveResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode archive: %v", err)
	}
	if got.PollID != "room" || len(got.Rounds) != 1 {
		t.Fatalf("archive = %+v, want one round for room", got)
	}
	round := got.Rounds[0]
	if round.Question != "Pick one?" || !reflect.DeepEqual(round.Results, []int{0, 2}) {
		t.Fatalf("round = %+v", round)
	}
	if round.CloseReason != domain.CloseReasonAllAnswered || round.DurationSec != 30 {
		t.Fatalf("round = %+v", round)
	}
}

func TestArchiveRejectsBadLimit(t *testing.T) {
	store := openTestArchive(t)
	_, srv := newTestServer(t, serviceConfig{Archive: store})

	resp, err := http.Get(srv.URL + "/polls/room/archive?limit=-2")
	if err != nil {
		t.Fatalf("get archive: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}
