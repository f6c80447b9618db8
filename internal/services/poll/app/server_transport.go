package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/websocket"
	"golang.org/x/text/language"

	apperrors "github.com/louisbranch/livepoll/internal/platform/errors"
	"github.com/louisbranch/livepoll/internal/platform/errors/i18n"
	"github.com/louisbranch/livepoll/internal/platform/timeouts"
	"github.com/louisbranch/livepoll/internal/services/poll/domain"
	"github.com/louisbranch/livepoll/internal/services/poll/storage"
)

// NewHandler creates poll routes with an in-memory registry, no archive and
// no presenter grants. Used by tests and offline paths.
func NewHandler() http.Handler {
	return newPollService(serviceConfig{}).handler()
}

func (s *pollService) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	wsHandler := websocket.Handler(s.handleWSConn)
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		wsHandler.ServeHTTP(w, r)
	})

	if s.archive != nil {
		mux.HandleFunc("GET /polls/{pollId}/archive", s.handleArchive)
	}
	return mux
}

func (s *pollService) handleWSConn(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()
	conn.MaxPayloadBytes = maxFrameBytes

	ctx := context.Background()
	request := conn.Request()
	if request != nil {
		ctx = request.Context()
	}

	connID := s.newConnID()
	peer := newWSPeer(connID, wsConnWriter{conn: conn}, s.outboundQueue)
	peer.onDrop = s.metrics.frameDropped
	go peer.run()
	s.hub.register(peer)

	session := newWSSession(connID, peer, requestLocale(request))
	defer func() {
		if poll := session.currentPoll(); poll != nil {
			poll.Leave(connID)
		}
		s.hub.unregister(connID)
		peer.closeAndFlush(timeouts.WebSocketWrite)
	}()

	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var data []byte
		if err := websocket.Message.Receive(conn, &data); err != nil {
			if !errors.Is(err, websocket.ErrFrameTooLarge) {
				return
			}
			decodeErrors++
			s.writeError(session, "", apperrors.New(apperrors.CodeInvalidFrame, "payload too large"))
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil || strings.TrimSpace(frame.Type) == "" {
			decodeErrors++
			s.writeError(session, "", apperrors.New(apperrors.CodeInvalidFrame, "invalid frame payload"))
			if decodeErrors >= maxDecodeErrorsPerConn {
				log.Printf("poll: closing conn=%s after %d invalid frames", connID, decodeErrors)
				return
			}
			continue
		}
		decodeErrors = 0

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			log.Printf("poll: closing conn=%s: rate limit exceeded", connID)
			s.writeError(session, frame.RequestID, apperrors.New(apperrors.CodeRateLimited, "rate limit exceeded"))
			return
		}

		s.dispatch(ctx, session, frame)
	}
}

func (s *pollService) dispatch(ctx context.Context, session *wsSession, frame wsFrame) {
	ctx, span := s.tracer.Start(ctx, "poll.ws."+frame.Type,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("poll.frame.type", frame.Type),
			attribute.String("poll.connection.id", session.connID),
		),
	)
	defer span.End()
	s.metrics.frameReceived(ctx, frame.Type)

	var err error
	switch frame.Type {
	case frameJoin:
		err = s.handleJoin(session, frame)
	case frameAsk:
		err = s.handleAsk(session, frame)
	case frameSubmitAnswer:
		err = s.handleSubmitAnswer(session, frame)
	case frameRemoveParticipant:
		err = s.handleRemoveParticipant(session, frame)
	case frameGetHistory:
		err = s.handleGetHistory(session, frame)
	case frameGetState:
		err = s.handleGetState(session, frame)
	default:
		err = apperrors.New(apperrors.CodeInvalidFrame, "unsupported frame type")
	}
	if err == nil {
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	log.Printf("poll: %s refused conn=%s code=%s: %v", frame.Type, session.connID, apperrors.CodeOf(err), err)
	s.writeError(session, frame.RequestID, err)
}

func (s *pollService) handleJoin(session *wsSession, frame wsFrame) error {
	var payload joinPayload
	if err := decodePayload(frame, &payload); err != nil {
		return err
	}
	role, err := domain.ParseRole(payload.Role)
	if err != nil {
		return err
	}
	duration, err := parseDurationSec(payload.DurationSec)
	if err != nil {
		return err
	}
	if locale := strings.TrimSpace(payload.Locale); locale != "" {
		session.setLocale(i18n.ParseTag(locale))
	}

	poll, err := s.registry.Join(domain.JoinRequest{
		PollID:         payload.PollID,
		ConnID:         session.connID,
		Role:           role,
		Name:           payload.Name,
		Duration:       duration,
		PresenterGrant: payload.PresenterGrant,
	})
	if err != nil {
		return err
	}
	// A previous poll with the same id was evicted and replaced by poll.
	if previous := session.setPoll(poll); previous != nil && previous != poll && previous.ID() != poll.ID() {
		previous.Leave(session.connID)
	}
	return nil
}

func (s *pollService) handleAsk(session *wsSession, frame wsFrame) error {
	var payload askPayload
	if err := decodePayload(frame, &payload); err != nil {
		return err
	}
	poll, err := s.registry.Lookup(payload.PollID)
	if err != nil {
		return err
	}
	duration, err := parseDurationSec(payload.DurationSec)
	if err != nil {
		return err
	}
	return poll.Ask(session.connID, payload.Question, payload.Options, duration)
}

func (s *pollService) handleSubmitAnswer(session *wsSession, frame wsFrame) error {
	var payload submitAnswerPayload
	if err := decodePayload(frame, &payload); err != nil {
		return err
	}
	poll, err := s.registry.Lookup(payload.PollID)
	if err != nil {
		return err
	}
	index, err := parseOptionIndex(payload.OptionIndex)
	if err != nil {
		return err
	}
	return poll.SubmitAnswer(session.connID, index, payload.Name)
}

func (s *pollService) handleRemoveParticipant(session *wsSession, frame wsFrame) error {
	var payload removeParticipantPayload
	if err := decodePayload(frame, &payload); err != nil {
		return err
	}
	poll, err := s.registry.Lookup(payload.PollID)
	if err != nil {
		return err
	}
	return poll.RemoveParticipant(session.connID, payload.ParticipantConnectionID)
}

func (s *pollService) handleGetHistory(session *wsSession, frame wsFrame) error {
	var payload pollRefPayload
	if err := decodePayload(frame, &payload); err != nil {
		return err
	}
	poll, err := s.registry.Lookup(payload.PollID)
	if err != nil {
		return err
	}
	return poll.SendHistory(session.connID)
}

func (s *pollService) handleGetState(session *wsSession, frame wsFrame) error {
	var payload pollRefPayload
	if err := decodePayload(frame, &payload); err != nil {
		return err
	}
	poll, err := s.registry.Lookup(payload.PollID)
	if err != nil {
		return err
	}
	poll.SendState(session.connID)
	return nil
}

// writeError sends a localized errorMessage for user-visible codes. Other
// refusals are silent.
func (s *pollService) writeError(session *wsSession, requestID string, err error) {
	code := apperrors.CodeOf(err)
	if !code.UserVisible() {
		return
	}
	_ = writeWSError(session, requestID, code, messageArgs(err)...)
}

func writeWSError(session *wsSession, requestID string, code apperrors.Code, args ...any) bool {
	catalog := i18n.CatalogFor(session.currentLocale())
	return session.peer.enqueue(wsFrame{
		Type:      domain.EventErrorMessage,
		RequestID: requestID,
		Payload: mustJSON(domain.ErrorMessagePayload{
			Text: catalog.Format(string(code), args...),
			Code: string(code),
		}),
	})
}

func messageArgs(err error) []any {
	var appErr *apperrors.Error
	if !errors.As(err, &appErr) {
		return nil
	}
	if appErr.Code == apperrors.CodeNotFound {
		return []any{appErr.Metadata["PollID"]}
	}
	return nil
}

func requestLocale(r *http.Request) language.Tag {
	if r == nil {
		return i18n.BaseLocale
	}
	tags, _, err := language.ParseAcceptLanguage(r.Header.Get("Accept-Language"))
	if err != nil {
		return i18n.BaseLocale
	}
	return i18n.MatchTags(tags)
}

func decodePayload(frame wsFrame, target any) error {
	if len(frame.Payload) == 0 || string(frame.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(frame.Payload, target); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidFrame, "invalid "+frame.Type+" payload", err)
	}
	return nil
}

type archiveResponse struct {
	PollID string               `json:"pollId"`
	Rounds []domain.HistoryItem `json:"rounds"`
}

func (s *pollService) handleArchive(w http.ResponseWriter, r *http.Request) {
	pollID := strings.TrimSpace(r.PathValue("pollId"))
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	rounds, err := s.archive.ListRounds(r.Context(), pollID, limit)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "poll has no archived rounds", http.StatusNotFound)
			return
		}
		log.Printf("poll: list archived rounds poll=%q: %v", pollID, err)
		http.Error(w, "archive unavailable", http.StatusInternalServerError)
		return
	}

	response := archiveResponse{PollID: pollID, Rounds: make([]domain.HistoryItem, 0, len(rounds))}
	for _, round := range rounds {
		response.Rounds = append(response.Rounds, domain.NewHistoryItem(domain.HistoryEntry{
			Question:    round.Question,
			Options:     round.Options,
			Results:     round.Results,
			StartedAt:   round.StartedAt,
			Duration:    round.Duration,
			ClosedAt:    round.ClosedAt,
			CloseReason: domain.CloseReason(round.CloseReason),
		}))
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Printf("poll: write archive response: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("failed to marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}
