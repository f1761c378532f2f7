package warehouse

import (
	"fmt"
	"strings"
	"unicode"
)

// Policy validates SQL text before it reaches any backend. It accepts a
// single SELECT (optionally WITH-prefixed) whose table references are the
// permitted table, CTE names, UNNEST(...), or the permitted dataset's
// INFORMATION_SCHEMA views.
//
// Text is lexed the way dialect reads it, so string literals and comments
// end exactly where the engine ends them.
type Policy struct {
	table   TableRef
	dialect Dialect
}

// NewPolicy returns a Policy bound to table, reading SQL as dialect.
func NewPolicy(table TableRef, dialect Dialect) *Policy {
	return &Policy{table: table, dialect: dialect}
}

// Table returns the permitted table.
func (p *Policy) Table() TableRef {
	return p.table
}

var forbiddenKeywords = map[string]bool{
	"INSERT": true, "UPDATE": true, "DELETE": true, "MERGE": true,
	"CREATE": true, "DROP": true, "ALTER": true, "TRUNCATE": true,
	"GRANT": true, "REVOKE": true, "CALL": true, "EXECUTE": true,
	"EXPORT": true, "LOAD": true, "DECLARE": true, "SET": true,
	"BEGIN": true, "COMMIT": true, "ROLLBACK": true, "ATTACH": true,
	"DETACH": true, "COPY": true, "PRAGMA": true, "INSTALL": true,
	"VACUUM": true, "CHECKPOINT": true,
}

var blockedFunctions = map[string]bool{
	"glob": true, "getenv": true, "query": true, "query_table": true,
	"parquet_scan": true, "parquet_metadata": true, "parquet_schema": true,
	"parquet_file_metadata": true, "sniff_csv": true, "iceberg_scan": true,
	"delta_scan": true, "external_query": true, "sqlite_scan": true,
	"postgres_scan": true, "mysql_scan": true,
}

// Words after which "(" opens a subquery or a grouping, not a call.
var clauseWords = map[string]bool{
	"FROM": true, "JOIN": true, "IN": true, "AS": true, "ON": true,
	"SELECT": true, "WHERE": true, "AND": true, "OR": true, "NOT": true,
	"EXISTS": true, "UNION": true, "ALL": true, "DISTINCT": true,
	"ANY": true, "SOME": true, "USING": true, "WITH": true, "BY": true,
	"HAVING": true, "WHEN": true, "THEN": true, "ELSE": true,
	"LATERAL": true, "EXCEPT": true, "INTERSECT": true, "QUALIFY": true,
	"RECURSIVE": true, "CASE": true,
}

// Words that end a FROM list at the current nesting level.
var fromEnders = map[string]bool{
	"WHERE": true, "GROUP": true, "HAVING": true, "QUALIFY": true,
	"WINDOW": true, "ORDER": true, "LIMIT": true, "UNION": true,
	"EXCEPT": true, "INTERSECT": true, "ON": true, "USING": true,
	"SELECT": true,
}

func violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPolicyViolation, fmt.Sprintf(format, args...))
}

// Check returns nil when sqlText is allowed to run.
func (p *Policy) Check(sqlText string) error {
	text := StripTrailingSemicolons(sqlText)
	if text == "" {
		return violation("query is empty")
	}

	toks, err := tokenize(text, p.dialect)
	if err != nil {
		return violation("%v", err)
	}
	if len(toks) == 0 {
		return violation("query is empty")
	}

	for _, t := range toks {
		if t.isPunct(";") {
			return violation("only a single statement is allowed")
		}
	}

	first := ""
	for _, t := range toks {
		if t.isPunct("(") {
			continue
		}
		if t.kind == tokWord {
			first = t.upper()
		}
		break
	}
	if first != "SELECT" && first != "WITH" {
		return violation("only SELECT queries are allowed")
	}

	for i, t := range toks {
		if t.kind != tokWord {
			continue
		}
		if forbiddenKeywords[t.upper()] && !isQualifiedName(toks, i) {
			return violation("%s is not allowed in read-only queries", t.upper())
		}
		if i+1 < len(toks) && toks[i+1].isPunct("(") && isBlockedFunction(t.text) {
			return violation("function %s is not allowed", t.text)
		}
	}

	return p.checkReferences(toks, collectCTEs(toks))
}

// isQualifiedName reports whether toks[i] is part of a dotted name such as
// t.call, where it cannot start a statement.
func isQualifiedName(toks []token, i int) bool {
	return (i > 0 && toks[i-1].isPunct(".")) || (i+1 < len(toks) && toks[i+1].isPunct("."))
}

func isBlockedFunction(name string) bool {
	name = strings.ToLower(name)
	return strings.HasPrefix(name, "read_") || blockedFunctions[name]
}

// collectCTEs returns the lower-cased names defined by every WITH clause.
func collectCTEs(toks []token) map[string]bool {
	ctes := make(map[string]bool)
	for i := 0; i < len(toks); i++ {
		if toks[i].kind != tokWord || toks[i].upper() != "WITH" {
			continue
		}
		j := i + 1
		if j < len(toks) && toks[j].kind == tokWord && toks[j].upper() == "RECURSIVE" {
			j++
		}
		for j < len(toks) {
			name := toks[j]
			if name.kind != tokWord && name.kind != tokQuoted {
				break
			}
			j++
			if j < len(toks) && toks[j].isPunct("(") {
				j = skipBalanced(toks, j)
			}
			if j >= len(toks) || toks[j].kind != tokWord || toks[j].upper() != "AS" {
				break
			}
			j++
			if j >= len(toks) || !toks[j].isPunct("(") {
				break
			}
			ctes[strings.ToLower(name.text)] = true
			j = skipBalanced(toks, j)
			if j < len(toks) && toks[j].isPunct(",") {
				j++
				continue
			}
			break
		}
	}
	return ctes
}

// skipBalanced returns the index after the parenthesis that closes toks[open].
func skipBalanced(toks []token, open int) int {
	depth := 0
	for k := open; k < len(toks); k++ {
		switch {
		case toks[k].isPunct("("):
			depth++
		case toks[k].isPunct(")"):
			depth--
			if depth == 0 {
				return k + 1
			}
		}
	}
	return len(toks)
}

func (p *Policy) checkReferences(toks []token, ctes map[string]bool) error {
	// callParens[d] is true when nesting level d+1 was opened by a function call.
	var callParens []bool
	inFrom := []bool{false}

	for i := 0; i < len(toks); i++ {
		t := toks[i]
		depth := len(callParens)

		switch {
		case t.isPunct("("):
			callParens = append(callParens, opensCall(toks, i))
			inFrom = append(inFrom, false)
		case t.isPunct(")"):
			if depth == 0 {
				return violation("unbalanced parentheses")
			}
			callParens = callParens[:depth-1]
			inFrom = inFrom[:depth]
		case t.isPunct(","):
			if inFrom[depth] {
				next, err := p.consumeReference(toks, i+1, ctes)
				if err != nil {
					return err
				}
				i = next
			}
		case t.kind == tokWord:
			word := t.upper()
			if word == "FROM" || word == "JOIN" {
				if depth > 0 && callParens[depth-1] {
					continue
				}
				if word == "FROM" && isDistinctFrom(toks, i) {
					continue
				}
				inFrom[depth] = true
				next, err := p.consumeReference(toks, i+1, ctes)
				if err != nil {
					return err
				}
				i = next
				continue
			}
			if fromEnders[word] {
				inFrom[depth] = false
			}
		}
	}
	if len(callParens) != 0 {
		return violation("unbalanced parentheses")
	}
	return nil
}

func opensCall(toks []token, open int) bool {
	if open+1 < len(toks) && toks[open+1].kind == tokWord {
		if w := toks[open+1].upper(); w == "SELECT" || w == "WITH" {
			return false
		}
	}
	if open == 0 {
		return false
	}
	prev := toks[open-1]
	return prev.kind == tokWord && !clauseWords[prev.upper()]
}

// isDistinctFrom matches IS [NOT] DISTINCT FROM.
func isDistinctFrom(toks []token, from int) bool {
	if from < 2 || toks[from-1].kind != tokWord || toks[from-1].upper() != "DISTINCT" {
		return false
	}
	prev := toks[from-2]
	return prev.kind == tokWord && (prev.upper() == "IS" || prev.upper() == "NOT")
}

// consumeReference validates the table reference starting at toks[start]
// and returns the index of its last token. Subqueries and UNNEST are left
// for the caller's loop to descend into.
func (p *Policy) consumeReference(toks []token, start int, ctes map[string]bool) (int, error) {
	j := start
	if j < len(toks) && toks[j].kind == tokWord && toks[j].upper() == "LATERAL" {
		j++
	}
	if j >= len(toks) {
		return 0, violation("missing table after FROM")
	}

	t := toks[j]
	switch {
	case t.isPunct("("):
		return j - 1, nil
	case t.kind == tokString:
		return 0, violation("reading files or URLs is not allowed")
	case t.kind == tokWord && t.upper() == "UNNEST" && j+1 < len(toks) && toks[j+1].isPunct("("):
		return j, nil
	}

	var parts []string
	k := j
	for {
		if k >= len(toks) {
			return 0, violation("incomplete table name")
		}
		part := toks[k]
		switch part.kind {
		case tokWord, tokNumber:
			text := part.text
			// Unquoted BigQuery project ids may contain dashes.
			for k+2 < len(toks) && toks[k+1].isPunct("-") &&
				toks[k+1].pos == part.end && toks[k+2].pos == toks[k+1].end &&
				(toks[k+2].kind == tokWord || toks[k+2].kind == tokNumber) {
				text += "-" + toks[k+2].text
				part = toks[k+2]
				k += 2
			}
			parts = append(parts, text)
		case tokQuoted:
			parts = append(parts, strings.Split(part.text, ".")...)
		default:
			return 0, violation("wildcard or malformed table reference near %q", part.text)
		}
		if k+1 < len(toks) && toks[k+1].isPunct(".") {
			k += 2
			continue
		}
		break
	}

	name := strings.Join(parts, ".")
	if k+1 < len(toks) && toks[k+1].isPunct("(") {
		return 0, violation("table function %s is not allowed", name)
	}
	if err := p.allowReference(parts, ctes); err != nil {
		return 0, err
	}
	return k, nil
}

func (p *Policy) allowReference(parts []string, ctes map[string]bool) error {
	lower := make([]string, len(parts))
	for i, s := range parts {
		lower[i] = strings.ToLower(strings.TrimSpace(s))
	}
	name := strings.Join(parts, ".")

	project := strings.ToLower(p.table.Project)
	dataset := strings.ToLower(p.table.Dataset)
	table := strings.ToLower(p.table.Table)

	switch {
	case len(lower) == 1 && ctes[lower[0]]:
		return nil
	case len(lower) == 3 && lower[0] == project && lower[1] == dataset && lower[2] == table:
		return nil
	case len(lower) >= 4 && lower[0] == project && lower[1] == dataset && lower[2] == "information_schema":
		return nil
	case len(lower) < 3 && lower[len(lower)-1] == table:
		return violation("table must be fully qualified as %s", p.table)
	default:
		return violation("table %s is outside the permitted table %s", name, p.table)
	}
}

type tokenKind int

const (
	tokWord tokenKind = iota
	tokQuoted
	tokString
	tokNumber
	tokPunct
)

type token struct {
	kind tokenKind
	text string
	pos  int
	end  int
}

func (t token) isPunct(s string) bool {
	return t.kind == tokPunct && t.text == s
}

func (t token) upper() string {
	return strings.ToUpper(t.text)
}

// tokenize splits SQL into words, quoted identifiers, literals and
// punctuation. Comments are dropped.
//
// BigQuery: backslash escapes in every quoted form, triple-quoted strings,
// backtick identifiers and # comments. DuckDB: backslash is an ordinary
// character except in E'...' strings, $tag$...$tag$ strings, nested block
// comments, and no # comments.
func tokenize(sql string, dialect Dialect) ([]token, error) {
	duck := dialect == DialectDuckDB
	src := []rune(sql)
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '-' && i+1 < len(src) && src[i+1] == '-', c == '#' && !duck:
			for i < len(src) && src[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < len(src) && src[i+1] == '*':
			end, err := skipBlockComment(src, i, duck)
			if err != nil {
				return nil, err
			}
			i = end
		case c == '$' && duck:
			if end, ok := dollarQuoteEnd(src, i); ok {
				if end < 0 {
					return nil, fmt.Errorf("unterminated string")
				}
				toks = append(toks, token{kind: tokString, text: string(src[i:end]), pos: i, end: end})
				i = end
				continue
			}
			toks = append(toks, token{kind: tokPunct, text: "$", pos: i, end: i + 1})
			i++
		case c == '"' || (c == '`' && !duck):
			kind := tokQuoted
			if !duck && c == '"' && isTripleQuote(src, i) {
				kind = tokString
			}
			text, next, err := readQuoted(src, i, !duck, !duck)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: kind, text: text, pos: i, end: next})
			i = next
		case c == '\'':
			text, next, err := readQuoted(src, i, !duck, !duck)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokString, text: text, pos: i, end: next})
			i = next
		case unicode.IsLetter(c) || c == '_':
			start := i
			for i < len(src) && (unicode.IsLetter(src[i]) || unicode.IsDigit(src[i]) || src[i] == '_' || src[i] == '$') {
				i++
			}
			// DuckDB E'...' strings take backslash escapes.
			if duck && i == start+1 && (c == 'E' || c == 'e') && i < len(src) && src[i] == '\'' {
				text, next, err := readQuoted(src, i, true, false)
				if err != nil {
					return nil, err
				}
				toks = append(toks, token{kind: tokString, text: text, pos: start, end: next})
				i = next
				continue
			}
			toks = append(toks, token{kind: tokWord, text: string(src[start:i]), pos: start, end: i})
		case unicode.IsDigit(c):
			start := i
			for i < len(src) && (unicode.IsLetter(src[i]) || unicode.IsDigit(src[i]) || src[i] == '_' || src[i] == '.') {
				// A dot only continues a number when a digit follows.
				if src[i] == '.' && (i+1 >= len(src) || !unicode.IsDigit(src[i+1])) {
					break
				}
				i++
			}
			toks = append(toks, token{kind: tokNumber, text: string(src[start:i]), pos: start, end: i})
		default:
			toks = append(toks, token{kind: tokPunct, text: string(c), pos: i, end: i + 1})
			i++
		}
	}
	return toks, nil
}

// skipBlockComment returns the index after the comment opened at src[start].
// DuckDB block comments nest.
func skipBlockComment(src []rune, start int, nested bool) (int, error) {
	depth := 0
	for i := start; i+1 < len(src); {
		switch {
		case src[i] == '/' && src[i+1] == '*':
			if depth == 0 || nested {
				depth++
			}
			i += 2
		case src[i] == '*' && src[i+1] == '/':
			depth--
			i += 2
			if depth == 0 {
				return i, nil
			}
		default:
			i++
		}
	}
	return 0, fmt.Errorf("unterminated comment")
}

// dollarQuoteEnd reports whether src[start] opens a $tag$ string and, if so,
// the index after its closing delimiter (-1 when unterminated).
func dollarQuoteEnd(src []rune, start int) (int, bool) {
	j := start + 1
	if j < len(src) && unicode.IsDigit(src[j]) {
		return 0, false
	}
	for j < len(src) && (unicode.IsLetter(src[j]) || unicode.IsDigit(src[j]) || src[j] == '_') {
		j++
	}
	if j >= len(src) || src[j] != '$' {
		return 0, false
	}
	delim := string(src[start : j+1])
	end := indexFrom(src, j+1, delim)
	if end < 0 {
		return -1, true
	}
	return end + len([]rune(delim)), true
}

func isTripleQuote(src []rune, i int) bool {
	return i+2 < len(src) && src[i+1] == src[i] && src[i+2] == src[i]
}

// readQuoted reads a quoted run starting at src[start] and returns its
// contents and the index after the closing quote. Doubled quotes are always
// understood; backslash escapes and triple quotes only when enabled.
func readQuoted(src []rune, start int, backslash, triple bool) (string, int, error) {
	q := src[start]
	if triple && (q == '\'' || q == '"') && isTripleQuote(src, start) {
		closing := string([]rune{q, q, q})
		end := indexFrom(src, start+3, closing)
		if end < 0 {
			return "", 0, fmt.Errorf("unterminated string")
		}
		return string(src[start+3 : end]), end + 3, nil
	}

	var b strings.Builder
	i := start + 1
	for i < len(src) {
		c := src[i]
		switch {
		case backslash && c == '\\' && i+1 < len(src):
			b.WriteRune(src[i+1])
			i += 2
		case c == q && i+1 < len(src) && src[i+1] == q:
			b.WriteRune(q)
			i += 2
		case c == q:
			return b.String(), i + 1, nil
		default:
			b.WriteRune(c)
			i++
		}
	}
	if q == '`' || q == '"' {
		return "", 0, fmt.Errorf("unterminated quoted identifier")
	}
	return "", 0, fmt.Errorf("unterminated string")
}
func indexFrom(src []rune, from int, needle string) int {
	n := []rune(needle)
	for i := from; i+len(n) <= len(src); i++ {
		match := true
		for j := range n {
			if src[i+j] != n[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
