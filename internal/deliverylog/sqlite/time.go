package sqlite

import (
	"fmt"
	"time"
)

// timeLayout keeps a fixed width so TEXT ordering matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime parses the timestamp strings stored in SQLite.
// SQLite has no native datetime type; we store TEXT.
func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlite: parse time %q: %w", s, err)
	}
	return t, nil
}
