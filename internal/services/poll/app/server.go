package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/language"

	"github.com/louisbranch/livepoll/internal/platform/timeouts"
	"github.com/louisbranch/livepoll/internal/services/poll/domain"
	"github.com/louisbranch/livepoll/internal/services/poll/grant"
	"github.com/louisbranch/livepoll/internal/services/poll/storage"
	"github.com/louisbranch/livepoll/internal/services/poll/storage/sqlite"
)

const (
	maxFrameBytes          = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3

	defaultOutboundQueue = 64
)

// Inbound frame types.
const (
	frameJoin              = "join"
	frameAsk               = "ask"
	frameSubmitAnswer      = "submitAnswer"
	frameRemoveParticipant = "removeParticipant"
	frameGetHistory        = "getHistory"
	frameGetState          = "getState"
)

// Config defines the inputs for the poll coordinator process.
type Config struct {
	HTTPAddr string

	DefaultDuration time.Duration
	CloseGrace      time.Duration
	HistoryLimit    int

	// IdleTTL enables eviction of idle polls when positive.
	IdleTTL       time.Duration
	SweepInterval time.Duration

	// ArchivePath enables the SQLite results archive when set.
	ArchivePath string

	// PresenterGrantSecret enables presenter grants when set.
	PresenterGrantSecret string
	PresenterGrantTTL    time.Duration

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the poll HTTP/WebSocket process.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	service         *pollService
	store           *sqlite.Store
	sweeperStop     context.CancelFunc
	sweeperDone     chan struct{}
}

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type joinPayload struct {
	PollID         string          `json:"pollId"`
	Role           string          `json:"role"`
	Name           string          `json:"name"`
	DurationSec    json.RawMessage `json:"durationSec"`
	PresenterGrant string          `json:"presenterGrant"`
	Locale         string          `json:"locale"`
}

type askPayload struct {
	PollID      string          `json:"pollId"`
	Question    string          `json:"question"`
	Options     []string        `json:"options"`
	DurationSec json.RawMessage `json:"durationSec"`
}

type submitAnswerPayload struct {
	PollID      string          `json:"pollId"`
	OptionIndex json.RawMessage `json:"optionIndex"`
	Name        string          `json:"name"`
}

type removeParticipantPayload struct {
	PollID                  string `json:"pollId"`
	ParticipantConnectionID string `json:"participantConnectionId"`
}

type pollRefPayload struct {
	PollID string `json:"pollId"`
}

// wsSession is the per-connection state kept by the read loop.
type wsSession struct {
	mu     sync.Mutex
	connID string
	peer   *wsPeer
	poll   *domain.Poll
	locale language.Tag
}

func newWSSession(connID string, peer *wsPeer, locale language.Tag) *wsSession {
	return &wsSession{
		connID: connID,
		peer:   peer,
		locale: locale,
	}
}

func (s *wsSession) setPoll(next *domain.Poll) *domain.Poll {
	s.mu.Lock()
	previous := s.poll
	s.poll = next
	s.mu.Unlock()
	return previous
}

func (s *wsSession) currentPoll() *domain.Poll {
	s.mu.Lock()
	poll := s.poll
	s.mu.Unlock()
	return poll
}

func (s *wsSession) setLocale(tag language.Tag) {
	s.mu.Lock()
	s.locale = tag
	s.mu.Unlock()
}

func (s *wsSession) currentLocale() language.Tag {
	s.mu.Lock()
	tag := s.locale
	s.mu.Unlock()
	return tag
}

// serviceConfig wires a pollService. Zero values pick production defaults.
type serviceConfig struct {
	Poll          domain.Options
	Archive       storage.RoundArchive
	Meter         metric.Meter
	Tracer        trace.Tracer
	NewConnID     func() string
	OutboundQueue int
}

// pollService is the transport state shared by every connection: the
// registry, the connection hub, and the archive and telemetry sinks.
type pollService struct {
	registry      *domain.Registry
	hub           *connHub
	archive       storage.RoundArchive
	archiveWorker *archiveWorker
	metrics       *pollMetrics
	tracer        trace.Tracer
	newConnID     func() string
	outboundQueue int
}

func newPollService(cfg serviceConfig) *pollService {
	metrics := newPollMetrics(cfg.Meter)
	worker := startArchiveWorker(cfg.Archive, 0)
	hub := newConnHub()

	opts := cfg.Poll
	opts.OnAnswer = metrics.answerAccepted
	opts.OnRoundClosed = func(pollID string, entry domain.HistoryEntry) {
		metrics.roundClosed(entry)
		worker.enqueue(pollID, entry)
	}

	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	newConnID := cfg.NewConnID
	if newConnID == nil {
		newConnID = uuid.NewString
	}
	return &pollService{
		registry:      domain.NewRegistry(hub, opts),
		hub:           hub,
		archive:       cfg.Archive,
		archiveWorker: worker,
		metrics:       metrics,
		tracer:        tracer,
		newConnID:     newConnID,
		outboundQueue: cfg.OutboundQueue,
	}
}

// close flushes pending archive writes.
func (s *pollService) close() {
	if s == nil {
		return
	}
	s.archiveWorker.stop()
}

// NewServer builds a configured poll server.
func NewServer(config Config) (*Server, error) {
	return NewServerWithContext(context.Background(), config)
}

// NewServerWithContext builds a configured poll server with an explicit context.
func NewServerWithContext(ctx context.Context, config Config) (*Server, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}
	if config.HistoryLimit < 0 {
		return nil, errors.New("history limit must not be negative")
	}

	options := domain.Options{
		CloseGrace:      config.CloseGrace,
		DefaultDuration: config.DefaultDuration,
		HistoryLimit:    config.HistoryLimit,
	}
	if secret := strings.TrimSpace(config.PresenterGrantSecret); secret != "" {
		signer, err := grant.NewSigner(grant.Config{
			Secret: []byte(secret),
			TTL:    config.PresenterGrantTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("presenter grants: %w", err)
		}
		options.Presenters = signer
	}

	var store *sqlite.Store
	var archive storage.RoundArchive
	if path := strings.TrimSpace(config.ArchivePath); path != "" {
		opened, err := sqlite.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open results archive: %w", err)
		}
		store = opened
		archive = opened
	}

	service := newPollService(serviceConfig{Poll: options, Archive: archive})
	sweeperStop, sweeperDone := startIdleSweeper(service.registry, config.SweepInterval, config.IdleTTL, service.metrics.evicted)
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           service.handler(),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
		service:         service,
		store:           store,
		sweeperStop:     sweeperStop,
		sweeperDone:     sweeperDone,
	}, nil
}

// Run creates and serves a poll server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServerWithContext(ctx, config)
	if err != nil {
		return fmt.Errorf("init poll server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve poll: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("poll server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("poll server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases server resources. Pending archive writes are flushed
// before the archive is closed.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.sweeperStop != nil {
		s.sweeperStop()
	}
	if s.sweeperDone != nil {
		<-s.sweeperDone
	}
	s.service.close()
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close results archive: %v", err)
		}
	}
}
