// Package sqlguard gates model-generated SQL before it reaches a tenant
// database. It is a line-speed heuristic screen, not a SQL parser: the
// denylist and injection patterns below catch the statements a misbehaving
// generator is most likely to produce, and the executor's read-only posture
// is still the responsibility of the caller's database credentials.
package sqlguard

import (
	"fmt"
	"regexp"
	"strings"
)

type RejectReason string

const (
	ReasonNotSelect         RejectReason = "not_select"
	ReasonDisallowedKeyword RejectReason = "disallowed_keyword"
	ReasonInjectionPattern  RejectReason = "injection_pattern"
)

// Verdict reports whether a statement may be executed. The statement itself
// is never rewritten; an accepted statement runs exactly as validated.
type Verdict struct {
	Accepted bool
	Reason   RejectReason
	Keyword  string
}

// Err converts a rejection into the error surfaced to callers. Accepted
// verdicts have no error form.
func (v Verdict) Err() error {
	if v.Accepted {
		return nil
	}
	return &RejectionError{Reason: v.Reason, Keyword: v.Keyword}
}

type RejectionError struct {
	Reason  RejectReason
	Keyword string
}

func (e *RejectionError) Error() string {
	switch e.Reason {
	case ReasonNotSelect:
		return "statement rejected: only SELECT statements are allowed"
	case ReasonDisallowedKeyword:
		return fmt.Sprintf("statement rejected: disallowed keyword %q", e.Keyword)
	case ReasonInjectionPattern:
		return "statement rejected: injection pattern detected"
	default:
		return "statement rejected"
	}
}

// Mutation, DDL/DCL, execution and administrative verbs. Matched as whole
// words only, so identifiers such as dropdown_id or created_at pass.
var denylistPattern = regexp.MustCompile(`(?i)\b(insert|update|delete|drop|alter|truncate|create|replace|merge|grant|revoke|exec|execute|call|backup|restore|shutdown|kill)\b|\b(?:sp|xp)_\w+`)

var injectionPatterns = []*regexp.Regexp{
	// Statement separator followed by a mutation verb.
	regexp.MustCompile(`(?i);\s*(insert|update|delete|drop|alter|truncate|create|grant|revoke)\b`),
	regexp.MustCompile(`(?i)\bunion\s+(all\s+)?select\b`),
	// Always-true tautologies, bare or quoted, optionally comment-terminated.
	regexp.MustCompile(`(?i)\b(or|and)\s+1\s*=\s*1\b\s*(--|#|/\*)?`),
	regexp.MustCompile(`(?i)\b(or|and)\s+'[^']*'\s*=\s*'[^']*'\s*(--|#|/\*)?`),
}

// Validate screens one statement. It accepts only text that starts with the
// SELECT keyword, contains no denylisted keyword as a whole word, and matches
// none of the injection heuristics. False positives on string literals that
// happen to contain a denylisted word are an accepted trade-off.
func Validate(sqlText string) Verdict {
	trimmed := strings.TrimSpace(sqlText)
	if trimmed == "" {
		return Verdict{Reason: ReasonNotSelect}
	}

	first := firstWord(trimmed)
	if !strings.EqualFold(first, "select") {
		return Verdict{Reason: ReasonNotSelect, Keyword: strings.ToLower(first)}
	}

	if match := denylistPattern.FindStringSubmatch(trimmed); match != nil {
		keyword := strings.ToLower(match[1])
		if keyword == "" {
			// Stored-procedure prefix branch has no capture group.
			keyword = strings.ToLower(match[0])
		}
		return Verdict{Reason: ReasonDisallowedKeyword, Keyword: keyword}
	}

	for _, pattern := range injectionPatterns {
		if pattern.MatchString(trimmed) {
			return Verdict{Reason: ReasonInjectionPattern}
		}
	}

	return Verdict{Accepted: true}
}

func firstWord(text string) string {
	for i, r := range text {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '(' {
			return text[:i]
		}
	}
	return text
}
