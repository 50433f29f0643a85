// Package migrate applies SQL files statement by statement against one of
// several targets and reports what failed without stopping.
package migrate

import "strings"

// Dialect selects the string-literal rules Split applies.
type Dialect int

const (
	// MySQL treats a backslash inside quotes as an escape.
	MySQL Dialect = iota
	// Postgres follows standard_conforming_strings: a backslash is a plain
	// character except inside E'...' strings.
	Postgres
)

// Split is SplitDialect with MySQL rules.
func Split(src string) []string { return SplitDialect(src, MySQL) }

// SplitDialect breaks a SQL script into statements.  A semicolon ends a
// statement only outside single quotes, double quotes, block comments and
// dollar-quoted bodies ($$ ... $$ or $tag$ ... $tag$).  Line comments
// starting with -- and /* */ block comments are dropped outside those
// regions; MySQL /*! */ and /*+ */ comments are kept since the server reads
// them.  Postgres block comments nest.  Blank lines are removed, each
// statement is trimmed and empty statements are discarded.
func SplitDialect(src string, d Dialect) []string {
	var (
		out       []string
		cur       strings.Builder
		inSingle  bool
		escapes   bool
		inDouble  bool
		dollarTag string
	)
	flush := func() {
		if s := clean(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}

	for i := 0; i < len(src); i++ {
		ch := src[i]
		switch {
		case dollarTag != "":
			if strings.HasPrefix(src[i:], dollarTag) {
				cur.WriteString(dollarTag)
				i += len(dollarTag) - 1
				dollarTag = ""
				continue
			}
			cur.WriteByte(ch)

		case inSingle:
			cur.WriteByte(ch)
			switch {
			case ch == '\\' && escapes && i+1 < len(src):
				i++
				cur.WriteByte(src[i])
			case ch == '\'' && i+1 < len(src) && src[i+1] == '\'':
				i++
				cur.WriteByte(src[i])
			case ch == '\'':
				inSingle = false
			}

		case inDouble:
			cur.WriteByte(ch)
			if ch == '"' {
				if i+1 < len(src) && src[i+1] == '"' {
					i++
					cur.WriteByte(src[i])
				} else {
					inDouble = false
				}
			}

		case ch == '-' && i+1 < len(src) && src[i+1] == '-':
			// Skip to the newline and let the next iteration write it.
			if j := strings.IndexByte(src[i:], '\n'); j >= 0 {
				i += j - 1
			} else {
				i = len(src)
			}

		case ch == '/' && i+1 < len(src) && src[i+1] == '*':
			end := blockCommentEnd(src, i, d)
			if d == MySQL && i+2 < len(src) && (src[i+2] == '!' || src[i+2] == '+') {
				cur.WriteString(src[i:end])
			} else {
				cur.WriteByte(' ')
			}
			i = end - 1

		case ch == '\'':
			inSingle = true
			escapes = d == MySQL || escapeStringPrefix(src, i)
			cur.WriteByte(ch)

		case ch == '"':
			inDouble = true
			cur.WriteByte(ch)

		case ch == '$':
			if tag := dollarTagAt(src[i:]); tag != "" {
				dollarTag = tag
				cur.WriteString(tag)
				i += len(tag) - 1
				continue
			}
			cur.WriteByte(ch)

		case ch == ';':
			flush()

		default:
			cur.WriteByte(ch)
		}
	}
	flush()
	return out
}

// blockCommentEnd returns the index just past the comment opening at
// src[start].  An unterminated comment runs to the end of src.
func blockCommentEnd(src string, start int, d Dialect) int {
	depth := 0
	for i := start; i+1 < len(src); i++ {
		switch {
		case src[i] == '/' && src[i+1] == '*':
			if depth == 0 || d == Postgres {
				depth++
			}
			i++
		case src[i] == '*' && src[i+1] == '/':
			depth--
			i++
			if depth == 0 {
				return i + 1
			}
		}
	}
	return len(src)
}

// escapeStringPrefix reports whether the quote at src[i] opens a Postgres
// E'...' string.
func escapeStringPrefix(src string, i int) bool {
	if i == 0 || (src[i-1] != 'E' && src[i-1] != 'e') {
		return false
	}
	if i == 1 {
		return true
	}
	p := src[i-2]
	return !(p == '_' || (p >= 'a' && p <= 'z') || (p >= 'A' && p <= 'Z') || (p >= '0' && p <= '9'))
}

// dollarTagAt returns the opening dollar-quote tag at the start of s, or ""
// when s does not start one.  $1 style parameters are not tags.
func dollarTagAt(s string) string {
	end := strings.IndexByte(s[1:], '$')
	if end < 0 {
		return ""
	}
	body := s[1 : end+1]
	for i, r := range body {
		letter := r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		digit := r >= '0' && r <= '9'
		if !letter && !(digit && i > 0) {
			return ""
		}
	}
	return s[:end+2]
}

func clean(stmt string) string {
	lines := strings.Split(stmt, "\n")
	kept := lines[:0]
	for _, l := range lines {
		t := strings.TrimSpace(l)
		if t == "" || strings.HasPrefix(t, "--") {
			continue
		}
		kept = append(kept, strings.TrimRight(l, " \t\r"))
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// Preview shortens a statement to one line of at most n runes for logs.
func Preview(stmt string, n int) string {
	s := strings.Join(strings.Fields(stmt), " ")
	r := []rune(s)
	if n > 0 && len(r) > n {
		return string(r[:n]) + "..."
	}
	return s
}
