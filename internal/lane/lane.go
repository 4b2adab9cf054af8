// Package lane derives canonical lane keys used to group items into pools.
package lane

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"lanepool/internal/domain"
)

// ErrInvalidLane is returned for malformed port codes, modes or cutoffs.
var ErrInvalidLane = errors.New("invalid lane")

var portCode = regexp.MustCompile(`^[A-Z]{2}[A-Z2-9]{3}$`)

// Input is the raw lane description supplied by a caller.
type Input struct {
	Origin      string
	Destination string
	Mode        string
	// Cutoff is an RFC3339 instant, a YYYY-MM-DD day or an ISO week YYYY-Www.
	Cutoff string
}

// Resolve validates in and returns its canonical lane key.
func Resolve(in Input) (domain.LaneKey, error) {
	origin, err := normalizePort("origin", in.Origin)
	if err != nil {
		return domain.LaneKey{}, err
	}
	dest, err := normalizePort("destination", in.Destination)
	if err != nil {
		return domain.LaneKey{}, err
	}
	if origin == dest {
		return domain.LaneKey{}, fmt.Errorf("%w: origin and destination are both %s", ErrInvalidLane, origin)
	}
	mode, err := normalizeMode(in.Mode)
	if err != nil {
		return domain.LaneKey{}, err
	}
	cutoff, err := ParseCutoff(in.Cutoff)
	if err != nil {
		return domain.LaneKey{}, err
	}
	return domain.LaneKey{Origin: origin, Destination: dest, Mode: mode, Cutoff: cutoff}, nil
}

// Key renders the canonical string form of k.
func Key(k domain.LaneKey) string {
	return fmt.Sprintf("%s>%s/%s@%s", k.Origin, k.Destination, k.Mode, k.Cutoff.UTC().Format(time.RFC3339))
}

func normalizePort(field, v string) (string, error) {
	code := strings.ToUpper(strings.TrimSpace(v))
	if code == "" {
		return "", fmt.Errorf("%w: %s port code is required", ErrInvalidLane, field)
	}
	if !portCode.MatchString(code) {
		return "", fmt.Errorf("%w: %s port code %q is not a UN/LOCODE", ErrInvalidLane, field, v)
	}
	return code, nil
}

func normalizeMode(v string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case domain.ModeSea:
		return domain.ModeSea, nil
	case domain.ModeAir:
		return domain.ModeAir, nil
	case "":
		return "", fmt.Errorf("%w: transport mode is required", ErrInvalidLane)
	default:
		return "", fmt.Errorf("%w: unknown transport mode %q", ErrInvalidLane, v)
	}
}

// ParseCutoff resolves an exact instant or a coarse cutoff label to a UTC
// instant truncated to the second. Days end at 23:59:59 and ISO weeks end
// on Sunday 23:59:59.
func ParseCutoff(v string) (time.Time, error) {
	s := strings.TrimSpace(v)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: cutoff is required", ErrInvalidLane)
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC().Truncate(time.Second), nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return endOfDay(t), nil
	}
	var year, week int
	if n, err := fmt.Sscanf(s, "%4d-W%2d", &year, &week); err == nil && n == 2 && len(s) == 8 {
		if week < 1 || week > isoWeeksIn(year) {
			return time.Time{}, fmt.Errorf("%w: week %d out of range for %d", ErrInvalidLane, week, year)
		}
		return endOfDay(isoWeekMonday(year, week).AddDate(0, 0, 6)), nil
	}
	return time.Time{}, fmt.Errorf("%w: unrecognised cutoff %q", ErrInvalidLane, v)
}

func endOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, time.UTC)
}

// isoWeekMonday returns the Monday of ISO week w in year y.
func isoWeekMonday(y, w int) time.Time {
	jan4 := time.Date(y, time.January, 4, 0, 0, 0, 0, time.UTC)
	offset := (int(jan4.Weekday()) + 6) % 7
	week1 := jan4.AddDate(0, 0, -offset)
	return week1.AddDate(0, 0, (w-1)*7)
}

func isoWeeksIn(y int) int {
	_, w := time.Date(y, time.December, 28, 0, 0, 0, 0, time.UTC).ISOWeek()
	return w
}
