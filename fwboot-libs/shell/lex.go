package shell

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnterminatedQuote = errors.New("unterminated quote")

// splitCommands cuts a script at unquoted ';' and newlines. Quoting is kept
// intact so each command can be expanded right before it runs.
func splitCommands(script string) ([]string, error) {
	var out []string
	var cur strings.Builder
	var quote rune
	escaped := false
	comment := false

	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}

	for _, r := range script {
		if comment {
			if r == '\n' {
				comment = false
				flush()
			}
			continue
		}
		if escaped {
			cur.WriteRune(r)
			escaped = false
			continue
		}
		switch {
		case r == '\\' && quote != '\'':
			escaped = true
			cur.WriteRune(r)
		case quote != 0:
			if r == quote {
				quote = 0
			}
			cur.WriteRune(r)
		case r == '\'' || r == '"':
			quote = r
			cur.WriteRune(r)
		case r == '#' && strings.TrimSpace(cur.String()) == "":
			comment = true
		case r == ';' || r == '\n':
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("%w: %c", ErrUnterminatedQuote, quote)
	}
	flush()
	return out, nil
}

// splitWords tokenizes one command, expanding $name and ${name} outside
// single quotes through lookup.
func splitWords(command string, lookup func(string) string) ([]string, error) {
	var words []string
	var cur strings.Builder
	inWord := false
	var quote rune

	src := []rune(command)
	for i := 0; i < len(src); i++ {
		r := src[i]
		switch {
		case quote == '\'':
			if r == '\'' {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\\' && i+1 < len(src):
			i++
			cur.WriteRune(src[i])
			inWord = true
		case r == '$' && i+1 < len(src):
			name, n := variableName(src[i+1:])
			if n == 0 {
				cur.WriteRune(r)
			} else {
				cur.WriteString(lookup(name))
				i += n
			}
			inWord = true
		case quote == '"':
			if r == '"' {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inWord = true
		case r == ' ' || r == '\t':
			if inWord {
				words = append(words, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteRune(r)
			inWord = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("%w: %c", ErrUnterminatedQuote, quote)
	}
	if inWord {
		words = append(words, cur.String())
	}
	return words, nil
}

// variableName parses the name following a '$' and returns how many runes
// it used. Zero means the '$' is literal.
func variableName(src []rune) (string, int) {
	if len(src) > 0 && src[0] == '{' {
		for i := 1; i < len(src); i++ {
			if src[i] == '}' {
				return string(src[1:i]), i + 1
			}
		}
		return "", 0
	}
	n := 0
	for n < len(src) && isNameRune(src[n]) {
		n++
	}
	return string(src[:n]), n
}

func isNameRune(r rune) bool {
	return r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9'
}
