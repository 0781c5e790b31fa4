// Package time parses the durations accepted in orbit's configuration.
package time

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrCalendarDuration is returned for ISO8601 durations with years or months, which have no fixed length.
var ErrCalendarDuration = errors.New("durations with years or months are not supported")

// Weeks and days, then the time part; seconds may have up to 3 decimal digits.
var iso8601Exp = regexp.MustCompile(`^P(?:(\d+)W)?(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)(?:[.,](\d{1,3}))?S)?)?$`)

var calendarExp = regexp.MustCompile(`^P(?:\d+Y)?(?:\d+M)?(?:\d+W)?(?:\d+D)?(?:T.*)?$`)

// ParseDuration parses a duration such as an actor's idle timeout.
// It accepts Go duration strings ("90s", "1h30m") and ISO8601 durations ("PT1M30S", "P1DT12H"), where a day is 24 hours.
// Negative durations are rejected.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("duration is empty")
	}

	if !strings.HasPrefix(s, "P") {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, err
		}
		if d < 0 {
			return 0, fmt.Errorf("duration '%s' is negative", s)
		}
		return d, nil
	}

	return parseISO8601(s)
}

func parseISO8601(s string) (time.Duration, error) {
	m := iso8601Exp.FindStringSubmatch(s)
	if m == nil || s == "P" || strings.HasSuffix(s, "T") {
		if s != "P" && calendarExp.MatchString(s) && strings.ContainsAny(strings.SplitN(s, "T", 2)[0], "YM") {
			return 0, ErrCalendarDuration
		}
		return 0, fmt.Errorf("invalid ISO8601 duration '%s'", s)
	}

	units := [...]time.Duration{7 * 24 * time.Hour, 24 * time.Hour, time.Hour, time.Minute, time.Second}
	var res time.Duration
	for i, unit := range units {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.ParseInt(m[i+1], 10, 64)
		if err != nil || n > int64(math.MaxInt64/unit) || res > math.MaxInt64-time.Duration(n)*unit {
			return 0, fmt.Errorf("ISO8601 duration '%s' is out of range", s)
		}
		res += time.Duration(n) * unit
	}

	if frac := m[6]; frac != "" {
		// Pad to milliseconds: "5" is 500ms
		ms, _ := strconv.Atoi(frac + strings.Repeat("0", 3-len(frac)))
		res += time.Duration(ms) * time.Millisecond
	}

	return res, nil
}
