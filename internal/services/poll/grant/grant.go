// Package grant issues and verifies presenter grants: HS256 tokens that bind
// a presenter to the poll they created.
package grant

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/louisbranch/livepoll/internal/platform/errors"
)

const (
	// DefaultTTL bounds how long a presenter may reclaim a poll.
	DefaultTTL = 12 * time.Hour
	// DefaultIssuer is stamped into every grant.
	DefaultIssuer = "livepoll"
)

// Config defines how grants are signed and verified.
type Config struct {
	Secret []byte
	TTL    time.Duration
	Issuer string
	Now    func() time.Time
}

// Signer issues grants at poll creation and checks them on presenter takeover.
type Signer struct {
	cfg Config
}

type presenterClaims struct {
	jwt.RegisteredClaims
	PollID string `json:"poll_id"`
}

// NewSigner validates cfg and fills defaults.
func NewSigner(cfg Config) (*Signer, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("presenter grant secret is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if strings.TrimSpace(cfg.Issuer) == "" {
		cfg.Issuer = DefaultIssuer
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Signer{cfg: cfg}, nil
}

// Issue signs a grant for pollID.
func (s *Signer) Issue(pollID string) (string, error) {
	pollID = strings.TrimSpace(pollID)
	if pollID == "" {
		return "", apperrors.New(apperrors.CodeInvalidInput, "poll id is required")
	}
	now := s.cfg.Now().UTC()
	claims := presenterClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Subject:   pollID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.TTL)),
		},
		PollID: pollID,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("sign presenter grant: %w", err)
	}
	return token, nil
}

// Verify checks that token is a live grant for pollID.
func (s *Signer) Verify(token string, pollID string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return apperrors.New(apperrors.CodeUnauthorized, "presenter grant is required")
	}

	var parsed presenterClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return s.cfg.Secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return mapJWTError(err)
	}

	if parsed.Issuer != s.cfg.Issuer {
		return apperrors.WithMetadata(apperrors.CodeUnauthorized, "presenter grant issuer mismatch",
			map[string]string{"Field": "issuer"})
	}
	if parsed.ExpiresAt == nil {
		return apperrors.New(apperrors.CodeUnauthorized, "presenter grant exp is required")
	}
	if !parsed.ExpiresAt.Time.After(s.cfg.Now()) {
		return apperrors.New(apperrors.CodeUnauthorized, "presenter grant is expired")
	}
	if parsed.PollID == "" || parsed.PollID != strings.TrimSpace(pollID) {
		return apperrors.WithMetadata(apperrors.CodeUnauthorized, "presenter grant poll mismatch",
			map[string]string{"Field": "poll_id"})
	}
	return nil
}

// AuthorizePresenter issues a grant to the creator of a poll and requires a
// valid one from any later presenter. The returned grant is echoed in the
// joined ack.
func (s *Signer) AuthorizePresenter(pollID string, created bool, grant string) (string, error) {
	if created {
		return s.Issue(pollID)
	}
	if err := s.Verify(grant, pollID); err != nil {
		return "", err
	}
	return strings.TrimSpace(grant), nil
}

func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
		return apperrors.Wrap(apperrors.CodeUnauthorized, "presenter grant signature is invalid", err)
	}
	if errors.Is(err, jwt.ErrTokenUnverifiable) {
		return apperrors.Wrap(apperrors.CodeUnauthorized, "presenter grant alg is invalid", err)
	}
	return apperrors.Wrap(apperrors.CodeUnauthorized, "presenter grant is invalid", err)
}
