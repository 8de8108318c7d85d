package domain

import "time"

// TimestampLayout is the submission timestamp format. It is fixed-width UTC so
// lexical order matches chronological order in every SQL backend.
const TimestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// ReportFields are the fields extraction guarantees in its result.
var ReportFields = []string{"school", "method", "phone", "time"}

// Report is one submitted version of an incident report.
type Report struct {
	ObjectName          string `json:"object_name" db:"object_name"`
	School              string `json:"school" db:"school"`
	Method              string `json:"method" db:"method"`
	Phone               string `json:"phone" db:"phone"`
	Time                string `json:"time" db:"time"`
	TranscriptionText   string `json:"transcription_text" db:"transcription_text"`
	SubmissionTimestamp string `json:"submission_timestamp" db:"submission_timestamp"`
}

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}
