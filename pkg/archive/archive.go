// Package archive maps archive records to and from their tarsnap archive names.
package archive

import (
	"regexp"
	"time"

	"github.com/bizflycloud/feather/pkg/errdefs"
)

// TimestampLayout is the minute resolution timestamp embedded in archive names.
const TimestampLayout = "200601021504"

// The leading group is greedy so the last "-<digits>UTC-<level>" wins.
var namePattern = regexp.MustCompile(`^(.*)-(\d+)UTC-(\w+)$`)

// Archive is one completed backup.
type Archive struct {
	Name      string    `json:"name"`
	Target    string    `json:"target"`
	Level     string    `json:"level"`
	CreatedAt time.Time `json:"created_at"`
}

// Encode returns the archive name for target and level created at ts.
func Encode(target string, ts time.Time, level string) string {
	return target + "-" + ts.UTC().Format(TimestampLayout) + "UTC-" + level
}

// Decode parses an archive name produced by Encode.
func Decode(name string) (Archive, error) {
	m := namePattern.FindStringSubmatch(name)
	if m == nil {
		return Archive{}, &errdefs.ArchiveParseError{Identifier: name, Reason: "archive label format unrecognized"}
	}
	ts, err := time.ParseInLocation(TimestampLayout, m[2], time.UTC)
	if err != nil || len(m[2]) != len(TimestampLayout) {
		return Archive{}, &errdefs.ArchiveParseError{Identifier: name, Reason: "unknown timestamp " + m[2]}
	}
	return Archive{
		Name:      name,
		Target:    m[1],
		Level:     m[3],
		CreatedAt: ts,
	}, nil
}

// Truncate rounds t down to the minute resolution archive names carry.
func Truncate(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}

// Age returns how old a is at now.
func (a Archive) Age(now time.Time) time.Duration {
	return now.Sub(a.CreatedAt)
}

// DecodeAll decodes names, returning the archives that parsed and the
// errors for those that did not, both in input order.
func DecodeAll(names []string) ([]Archive, []error) {
	archives := make([]Archive, 0, len(names))
	var errs []error
	for _, n := range names {
		a, err := Decode(n)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		archives = append(archives, a)
	}
	return archives, errs
}
