package translator

import (
	"bytes"
	"crypto/rand"
	"math/big"
	"strings"

	"github.com/tidwall/gjson"
)

// walkJSON recursively collects dot-notation paths of every occurrence of
// field within the given JSON value.
func walkJSON(value gjson.Result, path, field string, paths *[]string) {
	if value.Type != gjson.JSON {
		return
	}
	value.ForEach(func(key, val gjson.Result) bool {
		childPath := key.String()
		if path != "" {
			childPath = path + "." + key.String()
		}
		if key.String() == field {
			*paths = append(*paths, childPath)
		}
		walkJSON(val, childPath, field, paths)
		return true
	})
}

// FixJSON converts single-quoted pseudo-JSON, as some models emit for tool
// arguments, into RFC 8259 form. Double-quoted strings pass through
// untouched; single-quoted strings are re-quoted with inner double quotes
// escaped.
func FixJSON(input string) string {
	var out bytes.Buffer
	inDouble := false
	inSingle := false
	escaped := false

	for _, r := range input {
		switch {
		case escaped:
			if inSingle {
				if r == '\'' {
					out.WriteRune('\'')
				} else {
					out.WriteByte('\\')
					out.WriteRune(r)
				}
			} else {
				out.WriteByte('\\')
				out.WriteRune(r)
			}
			escaped = false
		case r == '\\' && (inDouble || inSingle):
			escaped = true
		case r == '"':
			if inSingle {
				out.WriteString(`\"`)
			} else {
				inDouble = !inDouble
				out.WriteRune(r)
			}
		case r == '\'' && !inDouble:
			inSingle = !inSingle
			out.WriteByte('"')
		default:
			out.WriteRune(r)
		}
	}
	return out.String()
}

const toolIDAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// generateToolCallID returns a fresh identifier in the toolu_<alphanum>
// shape used by Anthropic tool_use blocks.
func generateToolCallID() string {
	var b strings.Builder
	b.WriteString("toolu_")
	for i := 0; i < 24; i++ {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(toolIDAlphabet))))
		b.WriteByte(toolIDAlphabet[n.Int64()])
	}
	return b.String()
}
