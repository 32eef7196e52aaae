// Package jsonutil locates and decodes JSON payloads embedded in free text,
// such as exchange error strings that wrap a JSON body in prose.
package jsonutil

import (
	"encoding/json"
	"errors"
	"strings"
)

// ExtractJSON returns the first balanced JSON object or array found in raw.
func ExtractJSON(raw string) (string, bool) {
	out, _, ok := extract(raw)
	return out, ok
}

// ExtractJSONWithOffset additionally reports the byte offset of the match.
func ExtractJSONWithOffset(raw string) (string, int, bool) {
	return extract(raw)
}

// DecodeEmbedded extracts and unmarshals the first embedded JSON value into a
// generic map. When decoding fails because of trailing garbage, it retries with
// the substring up to the decoder's reported failure offset.
func DecodeEmbedded(raw string) (map[string]any, bool) {
	block, _, ok := extract(raw)
	if !ok {
		return nil, false
	}
	var out map[string]any
	err := json.Unmarshal([]byte(block), &out)
	if err == nil {
		return out, true
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) && syntaxErr.Offset > 0 && int(syntaxErr.Offset) <= len(block) {
		trimmed := block[:syntaxErr.Offset]
		if json.Unmarshal([]byte(trimmed), &out) == nil {
			return out, true
		}
	}
	return nil, false
}

func extract(raw string) (string, int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", -1, false
	}
	objStart := strings.Index(raw, "{")
	arrStart := strings.Index(raw, "[")
	if arrStart != -1 && (objStart == -1 || arrStart < objStart) {
		if arr, offset, ok := scanBalanced(raw, '[', ']'); ok {
			return arr, offset, true
		}
	}
	return scanBalanced(raw, '{', '}')
}

func scanBalanced(raw string, open, close byte) (string, int, bool) {
	start := strings.IndexByte(raw, open)
	if start == -1 {
		return "", -1, false
	}
	depth := 0
	inString := false
	escape := false
	for i := start; i < len(raw); i++ {
		ch := raw[i]
		if inString {
			if escape {
				escape = false
				continue
			}
			if ch == '\\' {
				escape = true
				continue
			}
			if ch == '"' {
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return strings.TrimSpace(raw[start : i+1]), start, true
			}
		}
	}
	// Unbalanced: return the tail from the opening brace so the caller can
	// still attempt an offset-bounded decode.
	return strings.TrimSpace(raw[start:]), start, true
}
