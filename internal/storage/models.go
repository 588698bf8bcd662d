package storage

import (
	"errors"
	"strings"
	"time"

	"github.com/kalambet/orbit/internal/record"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// timeLayout is fixed-width UTC so stored timestamps compare correctly as
// text. Microseconds match timestamptz precision in pgstore; both backends
// truncate, so they agree on which rows are strictly older than a cutoff.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// LogQuery filters ListLogs. Zero values mean no filter.
type LogQuery struct {
	Limit  int
	Level  record.Level
	Search string
}

const defaultListLimit = 100

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// ContainsPattern turns a search term into a LIKE pattern that matches it
// literally anywhere in the text. Use with ESCAPE '\'.
func ContainsPattern(term string) string {
	return "%" + likeEscaper.Replace(term) + "%"
}
