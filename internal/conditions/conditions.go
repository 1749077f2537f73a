// Package conditions parses the spamcheck condition DSL into a structured
// Rule and evaluates per-account provider scores against it.
//
// Grammar (version 1), case and whitespace insensitive:
//
//	rule    := [clause {"and" clause}] ["sending=" limit ["/" fail_limit]]
//	clause  := provider op threshold
//	op      := ">=" | "<=" | "==" | ">" | "<"
//
// Example: google>=0.5andoutlook>=0.5sending=25/3
//
// Evaluation never re-parses strings: callers parse once at write time and
// keep the Rule.
package conditions

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// GrammarVersion is the version of the DSL understood by this package.
const GrammarVersion = 1

const (
	// DefaultSendingLimit applies when a rule carries no sending clause.
	DefaultSendingLimit = 25
	// DefaultFailLimit is the limit applied to accounts that miss the thresholds.
	DefaultFailLimit = 3
)

// DefaultProviders are the score providers recognised out of the box.
var DefaultProviders = []string{"google", "outlook"}

// Op is a comparison operator.
type Op string

const (
	OpGTE Op = ">="
	OpLTE Op = "<="
	OpGT  Op = ">"
	OpLT  Op = "<"
	OpEQ  Op = "=="
)

const eqTolerance = 1e-9

// Compare applies the operator to score and threshold.
func (o Op) Compare(score, threshold float64) bool {
	switch o {
	case OpGTE:
		return score >= threshold
	case OpLTE:
		return score <= threshold
	case OpGT:
		return score > threshold
	case OpLT:
		return score < threshold
	case OpEQ:
		return math.Abs(score-threshold) < eqTolerance
	}
	return false
}

// Clause is a single provider threshold.
type Clause struct {
	Provider  string  `json:"provider"`
	Op        Op      `json:"op"`
	Threshold float64 `json:"threshold"`
}

func (c Clause) String() string {
	return c.Provider + string(c.Op) + strconv.FormatFloat(c.Threshold, 'f', -1, 64)
}

// Rule is the structured form of a condition string.
type Rule struct {
	Version      int      `json:"version"`
	Clauses      []Clause `json:"clauses"`
	SendingLimit int      `json:"sending_limit"`
	FailLimit    int      `json:"fail_limit"`
	HasSending   bool     `json:"has_sending"`
	// Warnings lists clauses that were ignored (unknown providers).
	Warnings []string `json:"warnings,omitempty"`
}

// DefaultRule is the rule for an empty condition: always good, default limit.
func DefaultRule() Rule {
	return Rule{
		Version:      GrammarVersion,
		SendingLimit: DefaultSendingLimit,
		FailLimit:    DefaultFailLimit,
	}
}

// String renders the canonical form of the rule.
func (r Rule) String() string {
	parts := make([]string, 0, len(r.Clauses))
	for _, c := range r.Clauses {
		parts = append(parts, c.String())
	}
	s := strings.Join(parts, "and")
	if r.HasSending {
		s += fmt.Sprintf("sending=%d/%d", r.SendingLimit, r.FailLimit)
	}
	return s
}

// Verdict is the outcome of evaluating one account (or domain group).
type Verdict struct {
	IsGood       bool `json:"is_good"`
	SendingLimit int  `json:"sending_limit"`
	AccountCount int  `json:"account_count"`
	// TotalLimit is SendingLimit summed over AccountCount accounts.
	TotalLimit int `json:"total_limit"`
}

// ParseError names the offending clause of a malformed condition string.
type ParseError struct {
	Clause string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid condition clause %q: %s", e.Clause, e.Reason)
}

var clauseRe = regexp.MustCompile(`^([a-z_][a-z0-9_]*?)(>=|<=|==|>|<)([0-9]+(?:\.[0-9]+)?|\.[0-9]+)$`)

// Parser parses condition strings for a known set of providers.
type Parser struct {
	providers map[string]bool
}

// NewParser creates a parser that accepts the given providers.
// With no providers it falls back to DefaultProviders.
func NewParser(providers ...string) *Parser {
	if len(providers) == 0 {
		providers = DefaultProviders
	}
	p := &Parser{providers: make(map[string]bool, len(providers))}
	for _, name := range providers {
		p.providers[strings.ToLower(strings.TrimSpace(name))] = true
	}
	return p
}

var defaultParser = NewParser()

// Parse parses raw with the default provider set.
func Parse(raw string) (Rule, error) {
	return defaultParser.Parse(raw)
}

// Parse turns raw into a Rule. An empty string yields DefaultRule.
func (p *Parser) Parse(raw string) (Rule, error) {
	s := strings.ToLower(strings.Join(strings.Fields(raw), ""))
	rule := DefaultRule()
	if s == "" {
		return rule, nil
	}

	scoresPart := s
	if idx := strings.Index(s, "sending="); idx >= 0 {
		scoresPart = s[:idx]
		sendingPart := s[idx+len("sending="):]
		if err := parseSending(sendingPart, &rule); err != nil {
			return Rule{}, err
		}
	}
	scoresPart = strings.TrimSuffix(scoresPart, "and")
	if scoresPart == "" {
		return rule, nil
	}

	for _, raw := range strings.Split(scoresPart, "and") {
		if raw == "" {
			return Rule{}, &ParseError{Clause: scoresPart, Reason: "empty clause"}
		}
		m := clauseRe.FindStringSubmatch(raw)
		if m == nil {
			return Rule{}, &ParseError{Clause: raw, Reason: "expected <provider><op><threshold>"}
		}
		threshold, err := strconv.ParseFloat(m[3], 64)
		if err != nil {
			return Rule{}, &ParseError{Clause: raw, Reason: "threshold is not a number"}
		}
		if !p.providers[m[1]] {
			rule.Warnings = append(rule.Warnings, fmt.Sprintf("unknown provider %q in clause %q ignored", m[1], raw))
			continue
		}
		rule.Clauses = append(rule.Clauses, Clause{Provider: m[1], Op: Op(m[2]), Threshold: threshold})
	}
	return rule, nil
}

func parseSending(part string, rule *Rule) error {
	clause := "sending=" + part
	if part == "" {
		return &ParseError{Clause: clause, Reason: "missing sending limit"}
	}
	if strings.Contains(part, "sending=") {
		return &ParseError{Clause: clause, Reason: "duplicate sending clause"}
	}
	fields := strings.Split(part, "/")
	if len(fields) > 2 {
		return &ParseError{Clause: clause, Reason: "expected sending=<limit>/<fail_limit>"}
	}
	limit, err := strconv.Atoi(fields[0])
	if err != nil || limit < 0 {
		return &ParseError{Clause: clause, Reason: "sending limit must be a non-negative integer"}
	}
	rule.SendingLimit = limit
	rule.FailLimit = DefaultFailLimit
	if len(fields) == 2 {
		fail, err := strconv.Atoi(fields[1])
		if err != nil || fail < 0 {
			return &ParseError{Clause: clause, Reason: "fail limit must be a non-negative integer"}
		}
		rule.FailLimit = fail
	}
	rule.HasSending = true
	return nil
}

// Evaluate checks scores against every clause of rule. A provider without a
// score is evaluated as 0. A rule without clauses is always good.
func Evaluate(rule Rule, scores map[string]float64, accountCount int) Verdict {
	good := true
	for _, c := range rule.Clauses {
		if !c.Op.Compare(scores[c.Provider], c.Threshold) {
			good = false
			break
		}
	}

	limit, fail := rule.SendingLimit, rule.FailLimit
	if !rule.HasSending && limit == 0 {
		limit, fail = DefaultSendingLimit, DefaultFailLimit
	}
	v := Verdict{IsGood: good, SendingLimit: limit, AccountCount: accountCount}
	if !good {
		v.SendingLimit = fail
	}
	if accountCount > 0 {
		v.TotalLimit = v.SendingLimit * accountCount
	}
	return v
}
