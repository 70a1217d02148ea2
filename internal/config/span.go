package config

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var ErrMalformedDuration = errors.New("malformed duration")

var spanUnits = map[byte]float64{
	'w': 604800,
	'd': 86400,
	'h': 3600,
	'm': 60,
	's': 1,
}

// One token: optional leading whitespace, a number, an optional unit letter.
// The unit is matched loosely so a missing one can be reported precisely.
var reSpanToken = regexp.MustCompile(`^\s*([0-9]+(?:\.[0-9]*)?|\.[0-9]+)([A-Za-z]?)`)

// ParseSpan parses a compact duration like "1w2d3h" into seconds.
//
// Tokens are additive and may repeat or appear in any order ("30s1h" equals
// "1h30s"). Trailing whitespace is allowed.
func ParseSpan(s string) (float64, error) {
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrMalformedDuration)
	}
	rest := s
	total := 0.0
	tokens := 0
	for !isBlank(rest) {
		m := reSpanToken.FindStringSubmatch(rest)
		if m == nil {
			return 0, fmt.Errorf("%w: unexpected %q in %q", ErrMalformedDuration, rest, s)
		}
		if m[2] == "" {
			return 0, fmt.Errorf("%w: %q has no unit in %q", ErrMalformedDuration, m[1], s)
		}
		unit, ok := spanUnits[m[2][0]]
		if !ok {
			return 0, fmt.Errorf("%w: unknown unit %q in %q", ErrMalformedDuration, m[2], s)
		}
		n, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrMalformedDuration, err)
		}
		total += n * unit
		tokens++
		rest = rest[len(m[0]):]
	}
	if tokens == 0 {
		return 0, fmt.Errorf("%w: no tokens in %q", ErrMalformedDuration, s)
	}
	return total, nil
}

// ParseSpanDuration is ParseSpan converted to a time.Duration.
func ParseSpanDuration(s string) (time.Duration, error) {
	secs, err := ParseSpan(s)
	if err != nil {
		return 0, err
	}
	if secs*float64(time.Second) > math.MaxInt64 {
		return 0, fmt.Errorf("%w: %q overflows", ErrMalformedDuration, s)
	}
	return time.Duration(math.Round(secs * float64(time.Second))), nil
}

// ParseSpanField is ParseSpanDuration with the config path in the error.
// Watch offsets are required, so an empty value fails.
func ParseSpanField(path, raw string) (time.Duration, error) {
	d, err := ParseSpanDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// ParseDurationField parses an optional server knob written as a Go duration
// ("250ms", "2m"). Empty means unset and yields 0; negative values fail.
func ParseDurationField(path, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %w: %q is not a Go duration", path, ErrMalformedDuration, raw)
	case d < 0:
		return 0, fmt.Errorf("%s: %w: %q is negative", path, ErrMalformedDuration, raw)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def standing in for an
// unset or zero knob.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

func isBlank(s string) bool {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t', '\n', '\r', '\f', '\v':
		default:
			return false
		}
	}
	return true
}
