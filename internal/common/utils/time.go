package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDuration extends time.ParseDuration with day ("d") and week ("w")
// units. A leading day or week count may be followed by a standard duration,
// so "7d", "2w" and "1d12h" are all accepted.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	i := strings.IndexAny(s, "dw")
	if i <= 0 {
		return 0, fmt.Errorf("invalid duration: %q", s)
	}
	n, err := strconv.Atoi(s[:i])
	if err != nil {
		return 0, fmt.Errorf("invalid duration: %q", s)
	}
	unit := 24 * time.Hour
	if s[i] == 'w' {
		unit *= 7
	}
	d := time.Duration(n) * unit

	if rest := s[i+1:]; rest != "" {
		extra, err := time.ParseDuration(rest)
		if err != nil {
			return 0, fmt.Errorf("invalid duration: %q", s)
		}
		d += extra
	}
	return d, nil
}

// FormatDuration formats a duration with the largest sensible unit:
// "30s", "90m", "2.5h" or "1.5d".
func FormatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%.0fm", d.Minutes())
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%.1fh", d.Hours())
	}
	return fmt.Sprintf("%.1fd", d.Hours()/24)
}
