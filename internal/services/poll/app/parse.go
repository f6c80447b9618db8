package server

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/louisbranch/livepoll/internal/platform/errors"
	"github.com/louisbranch/livepoll/internal/services/poll/domain"
)

// parseNumber reads a JSON number or a numeric string. present is false for
// a missing, null or blank value.
func parseNumber(raw json.RawMessage) (value float64, present bool, err error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return 0, false, nil
	}

	text := string(trimmed)
	if trimmed[0] == '"' {
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return 0, true, apperrors.Wrap(apperrors.CodeInvalidInput, "invalid numeric string", err)
		}
		text = strings.TrimSpace(text)
		if text == "" {
			return 0, false, nil
		}
	}

	value, err = strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, true, apperrors.New(apperrors.CodeInvalidInput, "value is not a number: "+text)
	}
	return value, true, nil
}

// parseOptionIndex requires a whole number. Range checks happen against the
// round's options later.
func parseOptionIndex(raw json.RawMessage) (int, error) {
	value, present, err := parseNumber(raw)
	if err != nil {
		return 0, err
	}
	if !present {
		return 0, apperrors.New(apperrors.CodeInvalidInput, "option index is required")
	}
	if value != math.Trunc(value) || value > math.MaxInt32 || value < math.MinInt32 {
		return 0, apperrors.New(apperrors.CodeInvalidInput, "option index must be a whole number")
	}
	return int(value), nil
}

// parseDurationSec returns zero when no duration was sent.
func parseDurationSec(raw json.RawMessage) (time.Duration, error) {
	value, present, err := parseNumber(raw)
	if err != nil {
		return 0, err
	}
	if !present {
		return 0, nil
	}
	if value <= 0 {
		return 0, apperrors.New(apperrors.CodeInvalidInput, "duration must be positive")
	}
	if value > domain.MaxRoundDuration.Seconds() {
		return 0, apperrors.New(apperrors.CodeInvalidInput, "duration must not exceed "+domain.MaxRoundDuration.String())
	}
	return time.Duration(value * float64(time.Second)), nil
}
