// Package classifier determines the operation class and referenced schemas
// of raw SQL text. It is a bounded scanner, not a general SQL parser: it
// finds the leading statement keyword after skipping comments and a WITH
// prefix, and collects schema-qualified identifier references.
package classifier

import "strings"

// Operation is the permission granularity unit for a SQL statement.
type Operation int

const (
	// OpNone marks statements outside the five governed classes
	// (BEGIN, EXPLAIN, COPY, SET, ...). They bypass the permission check.
	OpNone Operation = iota
	OpSelect
	OpInsert
	OpUpdate
	OpDelete
	OpDDL
)

func (op Operation) String() string {
	switch op {
	case OpSelect:
		return "SELECT"
	case OpInsert:
		return "INSERT"
	case OpUpdate:
		return "UPDATE"
	case OpDelete:
		return "DELETE"
	case OpDDL:
		return "DDL"
	default:
		return "NONE"
	}
}

// Classify maps a statement to its operation class. A leading WITH clause is
// skipped: the class comes from the first DML keyword at parenthesis depth
// zero after the CTE bodies. Unrecognized leading keywords classify as
// OpNone.
func Classify(statement string) Operation {
	sc := newScanner(statement)
	word, _ := sc.nextWord()
	switch word {
	case "SELECT":
		return OpSelect
	case "INSERT":
		return OpInsert
	case "UPDATE":
		return OpUpdate
	case "DELETE":
		return OpDelete
	case "CREATE", "ALTER", "DROP", "TRUNCATE":
		return OpDDL
	case "WITH":
		for {
			w, depth := sc.nextWord()
			if w == "" {
				return OpNone
			}
			if depth > 0 {
				continue
			}
			switch w {
			case "SELECT":
				return OpSelect
			case "INSERT":
				return OpInsert
			case "UPDATE":
				return OpUpdate
			case "DELETE":
				return OpDelete
			}
		}
	default:
		return OpNone
	}
}

// SplitStatements splits a batch on semicolons that sit outside string
// literals, quoted identifiers, and comments. Empty fragments are dropped.
func SplitStatements(sql string) []string {
	var statements []string
	start := 0
	i := 0
	n := len(sql)
	for i < n {
		switch {
		case sql[i] == '\'':
			i = skipSingleQuoted(sql, i)
		case sql[i] == '"':
			i = skipDoubleQuoted(sql, i)
		case strings.HasPrefix(sql[i:], "--"):
			i = skipLineComment(sql, i)
		case strings.HasPrefix(sql[i:], "/*"):
			i = skipBlockComment(sql, i)
		case sql[i] == ';':
			if stmt := strings.TrimSpace(sql[start:i]); stmt != "" {
				statements = append(statements, stmt)
			}
			i++
			start = i
		default:
			i++
		}
	}
	if stmt := strings.TrimSpace(sql[start:]); stmt != "" {
		statements = append(statements, stmt)
	}
	return statements
}

// scanner walks SQL text yielding upper-cased bare words with the
// parenthesis depth they occur at, skipping whitespace, comments, string
// literals, and quoted identifiers. Leading parens before the first word are
// transparent so "(SELECT 1)" classifies as SELECT.
type scanner struct {
	sql   string
	pos   int
	depth int
	first bool
}

func newScanner(sql string) *scanner {
	return &scanner{sql: sql, first: true}
}

func (sc *scanner) nextWord() (word string, depth int) {
	n := len(sc.sql)
	for sc.pos < n {
		c := sc.sql[sc.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			sc.pos++
		case strings.HasPrefix(sc.sql[sc.pos:], "--"):
			sc.pos = skipLineComment(sc.sql, sc.pos)
		case strings.HasPrefix(sc.sql[sc.pos:], "/*"):
			sc.pos = skipBlockComment(sc.sql, sc.pos)
		case c == '\'':
			sc.pos = skipSingleQuoted(sc.sql, sc.pos)
		case c == '"':
			sc.pos = skipDoubleQuoted(sc.sql, sc.pos)
		case c == '(':
			if !sc.first {
				sc.depth++
			}
			sc.pos++
		case c == ')':
			if sc.depth > 0 {
				sc.depth--
			}
			sc.pos++
		case isWordByte(c):
			start := sc.pos
			for sc.pos < n && isWordByte(sc.sql[sc.pos]) {
				sc.pos++
			}
			sc.first = false
			return strings.ToUpper(sc.sql[start:sc.pos]), sc.depth
		default:
			sc.pos++
		}
	}
	return "", sc.depth
}

func isWordByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func skipSingleQuoted(sql string, i int) int {
	i++ // opening quote
	n := len(sql)
	for i < n {
		if sql[i] == '\'' {
			if i+1 < n && sql[i+1] == '\'' {
				i += 2
				continue
			}
			return i + 1
		}
		i++
	}
	return n
}

func skipDoubleQuoted(sql string, i int) int {
	i++
	n := len(sql)
	for i < n {
		if sql[i] == '"' {
			return i + 1
		}
		i++
	}
	return n
}

func skipLineComment(sql string, i int) int {
	for i < len(sql) && sql[i] != '\n' {
		i++
	}
	return i
}

func skipBlockComment(sql string, i int) int {
	end := strings.Index(sql[i+2:], "*/")
	if end < 0 {
		return len(sql)
	}
	return i + 2 + end + 2
}
