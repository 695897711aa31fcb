package syncer

import (
	"fmt"
	"strings"
	"time"
)

// PushReport summarizes one push pass.
type PushReport struct {
	// Pushed counts entries acknowledged by the backend.
	Pushed int
	// Retrying counts failed entries left PENDING for a later pass.
	Retrying int
	// GaveUp counts entries that reached the retry ceiling in this pass.
	GaveUp int
	// Superseded counts failed entries dropped for a newer change.
	Superseded int
}

func (r PushReport) String() string {
	return fmt.Sprintf("pushed=%d retrying=%d gave_up=%d superseded=%d",
		r.Pushed, r.Retrying, r.GaveUp, r.Superseded)
}

// TableReport summarizes the pull of one table.
type TableReport struct {
	Table   string
	Fetched int
	Applied int
	// Skipped counts records older than the local row.
	Skipped int
	// Rejected counts ownership violations.
	Rejected int
	// Invalid counts records failing the table rules.
	Invalid int
	// Failed counts records that could not be written locally.
	Failed int
	// Watermark is the marker saved after this pull; zero when unchanged.
	Watermark time.Time
	Err       error
}

// PullReport summarizes a pull of every table.
type PullReport struct {
	Tables []TableReport
}

// Applied returns the number of records applied across tables.
func (r PullReport) Applied() int {
	n := 0
	for _, t := range r.Tables {
		n += t.Applied
	}
	return n
}

// FailedTables lists the tables whose pull reported an error.
func (r PullReport) FailedTables() []string {
	var out []string
	for _, t := range r.Tables {
		if t.Err != nil {
			out = append(out, t.Table)
		}
	}
	return out
}

func (r PullReport) String() string {
	parts := make([]string, 0, len(r.Tables))
	for _, t := range r.Tables {
		parts = append(parts, fmt.Sprintf("%s:%d/%d", t.Table, t.Applied, t.Fetched))
	}
	return "applied " + strings.Join(parts, " ")
}
