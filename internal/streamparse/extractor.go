// Package streamparse splits a streamed model answer into its SQL and
// explanation sections. The upstream producer chunks text arbitrarily, so a
// label may arrive split across fragments; every fragment therefore triggers
// a rescan of the whole accumulated buffer rather than just the new tail.
package streamparse

import "strings"

const (
	sqlLabel         = "sql:"
	explanationLabel = "explanation:"
)

type State int

const (
	StateSeeking State = iota
	StateInSQL
	StateInExplanation
	StateDone
)

func (s State) String() string {
	switch s {
	case StateSeeking:
		return "seeking"
	case StateInSQL:
		return "in_sql"
	case StateInExplanation:
		return "in_explanation"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Snapshot is a partial view emitted after each fragment so a live client can
// render progress. Snapshots are a rendering convenience only; the Finish
// result is authoritative and may differ from the last snapshot.
type Snapshot struct {
	State       State
	SQL         string
	Explanation string
}

// Result is the final partition of the accumulated text.
type Result struct {
	SQL         string
	Explanation string
}

// Extractor incrementally classifies streamed answer text into an SQL region
// and an explanation region. It is not safe for concurrent use; one instance
// serves one streamed answer.
type Extractor struct {
	buffer     strings.Builder
	state      State
	onSnapshot func(Snapshot)
}

// New returns an extractor in the seeking state. onSnapshot may be nil when
// the caller only wants the final result.
func New(onSnapshot func(Snapshot)) *Extractor {
	return &Extractor{state: StateSeeking, onSnapshot: onSnapshot}
}

func (e *Extractor) State() State {
	return e.state
}

// Feed appends one fragment and rescans the accumulated text. Fragments
// arriving after Finish are dropped.
func (e *Extractor) Feed(fragment string) {
	if e.state == StateDone {
		return
	}
	e.buffer.WriteString(fragment)

	sql, explanation, explanationFound := partition(e.buffer.String())
	switch {
	case explanationFound:
		e.state = StateInExplanation
	case sql != "":
		e.state = StateInSQL
	default:
		e.state = StateSeeking
	}

	if e.onSnapshot != nil {
		e.onSnapshot(Snapshot{
			State:       e.state,
			SQL:         cleanSQL(sql),
			Explanation: strings.TrimSpace(explanation),
		})
	}
}

// Finish performs the authoritative final partition over the entire
// accumulated text and terminates the extractor. An answer in which the sql
// label never appeared yields an empty SQL region; callers must treat that as
// a generation failure rather than an empty statement.
func (e *Extractor) Finish() Result {
	e.state = StateDone
	sql, explanation, _ := partition(e.buffer.String())
	return Result{
		SQL:         cleanSQL(sql),
		Explanation: strings.TrimSpace(explanation),
	}
}

// partition locates the first occurrence of each label in text and returns
// the raw regions between them. The SQL region closes where the explanation
// label begins; either region is empty when its label is absent.
func partition(text string) (sql, explanation string, explanationFound bool) {
	lower := strings.ToLower(text)
	sqlIdx := strings.Index(lower, sqlLabel)
	explIdx := strings.Index(lower, explanationLabel)

	if explIdx >= 0 {
		explanationFound = true
		explanation = text[explIdx+len(explanationLabel):]
	}
	// A sql token first appearing inside the explanation is prose, not a
	// section label.
	if sqlIdx >= 0 && (explIdx < 0 || sqlIdx < explIdx) {
		start := sqlIdx + len(sqlLabel)
		end := len(text)
		if explIdx > sqlIdx {
			end = explIdx
		}
		if start < end {
			sql = text[start:end]
		}
	}
	return sql, explanation, explanationFound
}

// cleanSQL trims the raw SQL region. Chatty producers often restate the label
// ("Here is the SQL: sql: SELECT ..."), so repeated leading labels are
// stripped, as is a stray trailing explanation label left by unusual casing
// or spacing.
func cleanSQL(raw string) string {
	s := strings.TrimSpace(raw)
	for {
		lower := strings.ToLower(s)
		if strings.HasPrefix(lower, sqlLabel) {
			s = strings.TrimSpace(s[len(sqlLabel):])
			continue
		}
		if strings.HasSuffix(lower, explanationLabel) {
			s = strings.TrimSpace(s[:len(s)-len(explanationLabel)])
			continue
		}
		return s
	}
}
