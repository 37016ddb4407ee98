package domain

import (
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
)

var sizeUnits = []string{"B", "KB", "MB", "GB", "TB"}

// BytesToSize renders a document size with one decimal, e.g. "1.5 MB".
func BytesToSize(n int64) string {
	if n <= 0 {
		return "0 B"
	}
	i := int(math.Floor(math.Log(float64(n)) / math.Log(1024)))
	if i >= len(sizeUnits) {
		i = len(sizeUnits) - 1
	}
	v := float64(n) / math.Pow(1024, float64(i))
	return humanize.FtoaWithDigits(v, 1) + " " + sizeUnits[i]
}

// RelativeTime describes t relative to now ("3 minutes ago").
func RelativeTime(t, now time.Time) string {
	if t.IsZero() {
		return ""
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

// FormatTime turns "HH:MM" or "HH:MM:SS" into "3:04 PM". Unparseable input
// is returned as is.
func FormatTime(clock string) string {
	if clock == "" {
		return ""
	}
	normalized := clock
	if len(normalized) == 5 {
		normalized += ":00"
	}
	t, err := time.Parse("15:04:05", normalized)
	if err != nil {
		return clock
	}
	return t.Format("3:04 PM")
}

// Initials returns up to two upper-case initials for a display name.
func Initials(name string) string {
	parts := strings.Fields(name)
	switch len(parts) {
	case 0:
		return "?"
	case 1:
		p := []rune(parts[0])
		if len(p) > 2 {
			p = p[:2]
		}
		return strings.ToUpper(string(p))
	}
	first, _ := utf8.DecodeRuneInString(parts[0])
	last, _ := utf8.DecodeRuneInString(parts[len(parts)-1])
	return strings.ToUpper(string([]rune{first, last}))
}
