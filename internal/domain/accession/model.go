package accession

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// CounterWidth is the zero-padded width of the counter segment.
const CounterWidth = 6

var (
	prefixPattern   = regexp.MustCompile(`^[A-Z0-9]{1,12}$`)
	modalityPattern = regexp.MustCompile(`^[A-Z0-9_]{1,16}$`)
)

// FormatAccession renders "{prefix}{YYYYMMDD}-{counter}", zero-padding the
// counter to width. Counters wider than width are kept whole.
func FormatAccession(prefix string, counter int64, width int, date time.Time) string {
	return fmt.Sprintf("%s%s-%0*d", prefix, date.Format("20060102"), width, counter)
}

// DateBucket truncates t to midnight in loc.
func DateBucket(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
}

// Issued is the response for an allocated accession number.
type Issued struct {
	Accession string    `json:"accession"`
	Prefix    string    `json:"prefix"`
	Date      string    `json:"date"`
	Counter   int64     `json:"counter"`
	Modality  string    `json:"modality,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
}

func normalizePrefix(prefix, fallback string) (string, bool) {
	p := strings.ToUpper(strings.TrimSpace(prefix))
	if p == "" {
		p = fallback
	}
	return p, prefixPattern.MatchString(p)
}

func normalizeModality(modality string) (string, bool) {
	m := strings.ToUpper(strings.TrimSpace(modality))
	if m == "" {
		return "", true
	}
	return m, modalityPattern.MatchString(m)
}
