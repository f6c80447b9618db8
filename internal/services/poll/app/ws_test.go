package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/websocket"

	"github.com/louisbranch/livepoll/internal/services/poll/domain"
	"github.com/louisbranch/livepoll/internal/services/poll/grant"
	"github.com/louisbranch/livepoll/internal/services/poll/polltest"
)

type wsTestFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

func newTestServer(t *testing.T, cfg serviceConfig) (*pollService, *httptest.Server) {
	t.Helper()
	service := newPollService(cfg)
	srv := httptest.NewServer(service.handler())
	t.Cleanup(srv.Close)
	return service, srv
}

func dialWSWithServerURL(httpURL string, path string, acceptLanguage string) (*websocket.Conn, error) {
	wsURL := "ws" + strings.TrimPrefix(httpURL, "http") + path
	cfg, err := websocket.NewConfig(wsURL, httpURL)
	if err != nil {
		return nil, err
	}
	if acceptLanguage != "" {
		cfg.Header = make(http.Header)
		cfg.Header.Set("Accept-Language", acceptLanguage)
	}
	return websocket.DialConfig(cfg)
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	return dialWSWithLanguage(t, srv, "")
}

func dialWSWithLanguage(t *testing.T, srv *httptest.Server, acceptLanguage string) *websocket.Conn {
	t.Helper()
	conn, err := dialWSWithServerURL(srv.URL, "/ws", acceptLanguage)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, frameType string, payload map[string]any) {
	t.Helper()
	frame := map[string]any{
		"type":       frameType,
		"request_id": "req-" + frameType,
		"payload":    payload,
	}
	if err := websocket.JSON.Send(conn, frame); err != nil {
		t.Fatalf("send frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) wsTestFrame {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	var got wsTestFrame
	if err := websocket.JSON.Receive(conn, &got); err != nil {
		t.Fatalf("decode server frame: %v", err)
	}
	return got
}

// readUntil skips frames until one matches.
func readUntil(t *testing.T, conn *websocket.Conn, match func(wsTestFrame) bool) wsTestFrame {
	t.Helper()
	for i := 0; i < 50; i++ {
		frame := readFrame(t, conn)
		if match(frame) {
			return frame
		}
	}
	t.Fatal("no matching frame within 50 frames")
	return wsTestFrame{}
}

func readType(t *testing.T, conn *websocket.Conn, frameType string) wsTestFrame {
	t.Helper()
	return readUntil(t, conn, func(frame wsTestFrame) bool { return frame.Type == frameType })
}

func decodeFramePayload[T any](t *testing.T, frame wsTestFrame) T {
	t.Helper()
	var payload T
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		t.Fatalf("decode %s payload: %v", frame.Type, err)
	}
	return payload
}

// joinPoll joins and consumes the ack, roster update and snapshot.
func joinPoll(t *testing.T, conn *websocket.Conn, pollID string, role string, name string) domain.JoinedPayload {
	t.Helper()
	writeFrame(t, conn, frameJoin, map[string]any{"pollId": pollID, "role": role, "name": name})
	joined := decodeFramePayload[domain.JoinedPayload](t, readType(t, conn, domain.EventJoined))
	readType(t, conn, domain.EventPollState)
	return joined
}

// openTestRound joins a presenter and two participants to "room" and asks an
// A/B question.
func openTestRound(t *testing.T, srv *httptest.Server) (presenter, ana, bruno *websocket.Conn) {
	t.Helper()
	presenter = dialWS(t, srv)
	ana = dialWS(t, srv)
	bruno = dialWS(t, srv)
	joinPoll(t, presenter, "room", "presenter", "Host")
	joinPoll(t, ana, "room", "participant", "Ana")
	joinPoll(t, bruno, "room", "participant", "Bruno")
	readUntil(t, presenter, func(frame wsTestFrame) bool {
		return frame.Type == domain.EventRosterUpdate && len(decodeFramePayload[domain.RosterUpdatePayload](t, frame).Names) == 2
	})

	writeFrame(t, presenter, frameAsk, map[string]any{
		"pollId":      "room",
		"question":    "Pick one?",
		"options":     []string{"A", " ", "B"},
		"durationSec": 30,
	})
	for _, conn := range []*websocket.Conn{presenter, ana, bruno} {
		question := decodeFramePayload[domain.NewQuestionPayload](t, readType(t, conn, domain.EventNewQuestion))
		if !reflect.DeepEqual(question.Options, []string{"A", "B"}) {
			t.Fatalf("options = %v, want [A B]", question.Options)
		}
	}
	return presenter, ana, bruno
}

func TestWebSocketPresenterJoinCreatesPoll(t *testing.T) {
	service, srv := newTestServer(t, serviceConfig{NewConnID: func() string { return "conn-1" }})
	conn := dialWS(t, srv)

	writeFrame(t, conn, frameJoin, map[string]any{"pollId": "room", "role": "presenter"})

	joined := readFrame(t, conn)
	if joined.Type != domain.EventJoined {
		t.Fatalf("frame type = %q, want %q", joined.Type, domain.EventJoined)
	}
	ack := decodeFramePayload[domain.JoinedPayload](t, joined)
	if ack.PollID != "room" || ack.Role != domain.RolePresenter || ack.ConnectionID != "conn-1" {
		t.Fatalf("joined = %+v", ack)
	}
	if got := readFrame(t, conn); got.Type != domain.EventRosterUpdate {
		t.Fatalf("frame type = %q, want %q", got.Type, domain.EventRosterUpdate)
	}
	state := decodeFramePayload[domain.Snapshot](t, readFrame(t, conn))
	if !state.Presenter || state.PollID != "room" {
		t.Fatalf("pollState = %+v", state)
	}
	if service.registry.Len() != 1 {
		t.Fatalf("registry size = %d, want 1", service.registry.Len())
	}
}

func TestWebSocketParticipantJoinUnknownPoll(t *testing.T) {
	service, srv := newTestServer(t, serviceConfig{})
	conn := dialWS(t, srv)

	writeFrame(t, conn, frameJoin, map[string]any{"pollId": "ghost", "role": "participant"})

	got := readFrame(t, conn)
	if got.Type != domain.EventErrorMessage {
		t.Fatalf("frame type = %q, want %q", got.Type, domain.EventErrorMessage)
	}
	if got.RequestID != "req-join" {
		t.Fatalf("request_id = %q, want req-join", got.RequestID)
	}
	msg := decodeFramePayload[domain.ErrorMessagePayload](t, got)
	if msg.Code != "NOT_FOUND" || msg.Text != "Poll ghost was not found." {
		t.Fatalf("errorMessage = %+v", msg)
	}
	if service.registry.Len() != 0 {
		t.Fatalf("registry size = %d, want 0", service.registry.Len())
	}
}

func TestWebSocketErrorMessageIsLocalized(t *testing.T) {
	_, srv := newTestServer(t, serviceConfig{})

	fromHeader := dialWSWithLanguage(t, srv, "pt-BR,pt;q=0.9")
	writeFrame(t, fromHeader, frameJoin, map[string]any{"pollId": "ghost"})
	msg := decodeFramePayload[domain.ErrorMessagePayload](t, readType(t, fromHeader, domain.EventErrorMessage))
	if msg.Text != "A enquete ghost não foi encontrada." {
		t.Fatalf("text = %q", msg.Text)
	}

	fromPayload := dialWS(t, srv)
	writeFrame(t, fromPayload, frameJoin, map[string]any{"pollId": "ghost", "locale": "pt-BR"})
	msg = decodeFramePayload[domain.ErrorMessagePayload](t, readType(t, fromPayload, domain.EventErrorMessage))
	if msg.Text != "A enquete ghost não foi encontrada." {
		t.Fatalf("text = %q", msg.Text)
	}
}

func TestWebSocketUnknownTypeReturnsInvalidFrame(t *testing.T) {
	_, srv := newTestServer(t, serviceConfig{})
	conn := dialWS(t, srv)

	writeFrame(t, conn, "vote", map[string]any{})

	got := readFrame(t, conn)
	if got.Type != domain.EventErrorMessage {
		t.Fatalf("frame type = %q, want %q", got.Type, domain.EventErrorMessage)
	}
	if msg := decodeFramePayload[domain.ErrorMessagePayload](t, got); msg.Code != "INVALID_FRAME" {
		t.Fatalf("code = %q, want INVALID_FRAME", msg.Code)
	}
}

func TestWebSocketClosesAfterRepeatedInvalidFrames(t *testing.T) {
	_, srv := newTestServer(t, serviceConfig{})
	conn := dialWS(t, srv)

	for i := 0; i < maxDecodeErrorsPerConn; i++ {
		if err := websocket.Message.Send(conn, "{not json"); err != nil {
			t.Fatalf("send: %v", err)
		}
		got := readFrame(t, conn)
		if msg := decodeFramePayload[domain.ErrorMessagePayload](t, got); msg.Code != "INVALID_FRAME" {
			t.Fatalf("code = %q, want INVALID_FRAME", msg.Code)
		}
	}

	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	var extra wsTestFrame
	if err := websocket.JSON.Receive(conn, &extra); err == nil {
		t.Fatalf("expected closed connection, got frame %+v", extra)
	}
}

func TestWebSocketRateLimitClosesConnection(t *testing.T) {
	_, srv := newTestServer(t, serviceConfig{})
	conn := dialWS(t, srv)

	for i := 0; i <= maxFramesPerSecond; i++ {
		writeFrame(t, conn, frameGetState, map[string]any{})
	}
	got := readFrame(t, conn)
	if msg := decodeFramePayload[domain.ErrorMessagePayload](t, got); msg.Code != "RATE_LIMITED" {
		t.Fatalf("code = %q, want RATE_LIMITED", msg.Code)
	}
}

func TestWebSocketRoundClosesWhenEveryoneAnswers(t *testing.T) {
	_, srv := newTestServer(t, serviceConfig{})
	presenter, ana, bruno := openTestRound(t, srv)

	writeFrame(t, ana, frameSubmitAnswer, map[string]any{"pollId": "room", "optionIndex": 0})
	partial := decodeFramePayload[domain.PartialResultsPayload](t, readType(t, presenter, domain.EventPartialResults))
	if !reflect.DeepEqual(partial.Results, []int{1, 0}) || partial.RespondentCount != 1 {
		t.Fatalf("partialResults = %+v", partial)
	}

	writeFrame(t, bruno, frameSubmitAnswer, map[string]any{"pollId": "room", "optionIndex": "1"})
	for _, conn := range []*websocket.Conn{presenter, ana, bruno} {
		results := decodeFramePayload[domain.ResultsPayload](t, readType(t, conn, domain.EventResults))
		if !reflect.DeepEqual(results.Results, []int{1, 1}) {
			t.Fatalf("results = %v, want [1 1]", results.Results)
		}
	}

	writeFrame(t, presenter, frameGetHistory, map[string]any{"pollId": "room"})
	history := decodeFramePayload[domain.HistoryListPayload](t, readType(t, presenter, domain.EventHistoryList))
	if len(history.Entries) != 1 || history.Entries[0].CloseReason != domain.CloseReasonAllAnswered {
		t.Fatalf("history = %+v", history)
	}
}

func TestWebSocketRefusalsAreSilent(t *testing.T) {
	_, srv := newTestServer(t, serviceConfig{})
	_, ana, _ := openTestRound(t, srv)

	writeFrame(t, ana, frameAsk, map[string]any{"pollId": "room", "question": "Mine?", "options": []string{"X", "Y"}})
	writeFrame(t, ana, frameGetHistory, map[string]any{"pollId": "room"})
	writeFrame(t, ana, frameSubmitAnswer, map[string]any{"pollId": "room", "optionIndex": "first"})
	writeFrame(t, ana, frameGetState, map[string]any{"pollId": "room"})

	got := readFrame(t, ana)
	if got.Type != domain.EventPollState {
		t.Fatalf("frame type = %q, want %q", got.Type, domain.EventPollState)
	}
	state := decodeFramePayload[domain.Snapshot](t, got)
	if state.Question != "Pick one?" || state.RespondentCount != 0 || state.Presenter {
		t.Fatalf("pollState = %+v", state)
	}
}

func TestWebSocketRoundTimesOut(t *testing.T) {
	clock := polltest.NewManualClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	_, srv := newTestServer(t, serviceConfig{Poll: domain.Options{Clock: clock}})
	presenter, _, _ := openTestRound(t, srv)

	clock.Advance(31 * time.Second)

	results := decodeFramePayload[domain.ResultsPayload](t, readType(t, presenter, domain.EventResults))
	if !reflect.DeepEqual(results.Results, []int{0, 0}) {
		t.Fatalf("results = %v, want [0 0]", results.Results)
	}
	writeFrame(t, presenter, frameGetState, map[string]any{"pollId": "room"})
	state := decodeFramePayload[domain.Snapshot](t, readType(t, presenter, domain.EventPollState))
	if len(state.History) != 1 || state.History[0].CloseReason != domain.CloseReasonTimeout {
		t.Fatalf("history = %+v", state.History)
	}
}

func TestWebSocketDisconnectRemovesParticipant(t *testing.T) {
	_, srv := newTestServer(t, serviceConfig{})
	presenter, ana, _ := openTestRound(t, srv)

	_ = ana.Close()

	update := readUntil(t, presenter, func(frame wsTestFrame) bool {
		if frame.Type != domain.EventRosterUpdate {
			return false
		}
		return reflect.DeepEqual(decodeFramePayload[domain.RosterUpdatePayload](t, frame).Names, []string{"Bruno"})
	})
	if update.Type != domain.EventRosterUpdate {
		t.Fatalf("frame type = %q", update.Type)
	}
}

func TestWebSocketRemoveParticipant(t *testing.T) {
	_, srv := newTestServer(t, serviceConfig{})
	presenter, ana, bruno := openTestRound(t, srv)

	writeFrame(t, ana, frameSubmitAnswer, map[string]any{"pollId": "room", "optionIndex": 0})
	readType(t, presenter, domain.EventPartialResults)

	writeFrame(t, presenter, frameGetState, map[string]any{"pollId": "room"})
	state := decodeFramePayload[domain.Snapshot](t, readType(t, presenter, domain.EventPollState))
	var anaID string
	for _, entry := range state.Roster {
		if entry.Name == "Ana" {
			anaID = entry.ConnectionID
		}
	}
	if anaID == "" {
		t.Fatalf("roster = %+v, want Ana", state.Roster)
	}

	writeFrame(t, presenter, frameRemoveParticipant, map[string]any{"pollId": "room", "participantConnectionId": anaID})
	readUntil(t, bruno, func(frame wsTestFrame) bool {
		return frame.Type == domain.EventRosterUpdate &&
			reflect.DeepEqual(decodeFramePayload[domain.RosterUpdatePayload](t, frame).Names, []string{"Bruno"})
	})

	writeFrame(t, presenter, frameGetState, map[string]any{"pollId": "room"})
	state = decodeFramePayload[domain.Snapshot](t, readType(t, presenter, domain.EventPollState))
	if state.RespondentCount != 0 || !reflect.DeepEqual(state.Results, []int{0, 0}) {
		t.Fatalf("pollState = %+v, want removed answer discarded", state)
	}
}

func TestWebSocketPresenterGrant(t *testing.T) {
	signer, err := grant.NewSigner(grant.Config{Secret: []byte("secret")})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	_, srv := newTestServer(t, serviceConfig{Poll: domain.Options{Presenters: signer}})

	creator := dialWS(t, srv)
	ack := joinPoll(t, creator, "room", "presenter", "")
	if ack.PresenterGrant == "" {
		t.Fatal("expected presenter grant in joined ack")
	}

	intruder := dialWS(t, srv)
	writeFrame(t, intruder, frameJoin, map[string]any{"pollId": "room", "role": "presenter"})
	writeFrame(t, intruder, frameGetState, map[string]any{"pollId": "room"})
	got := readFrame(t, intruder)
	if got.Type != domain.EventPollState {
		t.Fatalf("frame type = %q, want %q", got.Type, domain.EventPollState)
	}
	if decodeFramePayload[domain.Snapshot](t, got).Presenter {
		t.Fatal("presenter join without grant was accepted")
	}

	reconnect := dialWS(t, srv)
	writeFrame(t, reconnect, frameJoin, map[string]any{
		"pollId":         "room",
		"role":           "presenter",
		"presenterGrant": ack.PresenterGrant,
	})
	joined := decodeFramePayload[domain.JoinedPayload](t, readType(t, reconnect, domain.EventJoined))
	if joined.Role != domain.RolePresenter || joined.PresenterGrant != ack.PresenterGrant {
		t.Fatalf("joined = %+v", joined)
	}
}

func TestWebSocketSwitchingPollsLeavesPrevious(t *testing.T) {
	_, srv := newTestServer(t, serviceConfig{})
	first := dialWS(t, srv)
	second := dialWS(t, srv)
	joinPoll(t, first, "one", "presenter", "")
	joinPoll(t, second, "two", "presenter", "")

	mover := dialWS(t, srv)
	joinPoll(t, mover, "one", "participant", "Mover")
	readUntil(t, first, func(frame wsTestFrame) bool {
		return frame.Type == domain.EventRosterUpdate &&
			reflect.DeepEqual(decodeFramePayload[domain.RosterUpdatePayload](t, frame).Names, []string{"Mover"})
	})

	joinPoll(t, mover, "two", "participant", "Mover")
	readUntil(t, first, func(frame wsTestFrame) bool {
		return frame.Type == domain.EventRosterUpdate &&
			len(decodeFramePayload[domain.RosterUpdatePayload](t, frame).Names) == 0
	})
}

func TestWebSocketRejoinAfterEvictionReceivesBroadcasts(t *testing.T) {
	clock := polltest.NewManualClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	service, srv := newTestServer(t, serviceConfig{Poll: domain.Options{Clock: clock}})
	presenter := dialWS(t, srv)
	joinPoll(t, presenter, "room", "presenter", "")

	clock.Advance(time.Hour)
	if got := service.registry.Sweep(time.Minute); !reflect.DeepEqual(got, []string{"room"}) {
		t.Fatalf("Sweep = %v, want [room]", got)
	}

	joinPoll(t, presenter, "room", "presenter", "")
	ana := dialWS(t, srv)
	joinPoll(t, ana, "room", "participant", "Ana")
	readUntil(t, presenter, func(frame wsTestFrame) bool {
		return frame.Type == domain.EventRosterUpdate &&
			reflect.DeepEqual(decodeFramePayload[domain.RosterUpdatePayload](t, frame).Names, []string{"Ana"})
	})

	writeFrame(t, presenter, frameAsk, map[string]any{"pollId": "room", "question": "Again?", "options": []string{"Yes", "No"}})
	question := decodeFramePayload[domain.NewQuestionPayload](t, readType(t, presenter, domain.EventNewQuestion))
	if question.Question != "Again?" {
		t.Fatalf("question = %q, want Again?", question.Question)
	}
}
