package exerr

import (
	"strings"

	"github.com/tidwall/gjson"

	"mirra/internal/pkg/convert"
	"mirra/internal/pkg/jsonutil"
)

// decodePayload scans raw text for an embedded JSON object and pulls out the
// numeric error code and message under the given key names. When no JSON can
// be decoded the raw text itself is returned as the message with code 0.
func decodePayload(raw string, codeKeys, msgKeys []string) (code int64, message string, hasCode bool) {
	message = strings.TrimSpace(raw)
	block, _, ok := jsonutil.ExtractJSONWithOffset(raw)
	if !ok {
		return 0, message, false
	}
	if gjson.Valid(block) {
		for _, key := range codeKeys {
			if v := gjson.Get(block, key); v.Exists() {
				code = v.Int()
				hasCode = true
				break
			}
		}
		for _, key := range msgKeys {
			if v := gjson.Get(block, key); v.Exists() && strings.TrimSpace(v.String()) != "" {
				message = strings.TrimSpace(v.String())
				break
			}
		}
		return code, message, hasCode
	}
	// Partial JSON with trailing garbage: retry bounded by the decoder's
	// failure offset.
	obj, ok := jsonutil.DecodeEmbedded(raw)
	if !ok {
		return 0, message, false
	}
	for _, key := range codeKeys {
		if v, exists := obj[key]; exists {
			code = convert.ToInt64(v)
			hasCode = true
			break
		}
	}
	for _, key := range msgKeys {
		if v, exists := obj[key]; exists {
			if s := strings.TrimSpace(convertToString(v)); s != "" {
				message = s
				break
			}
		}
	}
	return code, message, hasCode
}

func convertToString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// codeEntry is one row of a per-exchange code table.
type codeEntry struct {
	kind    Kind
	message string
	isError bool
}

func lookupCode(table map[int64]codeEntry, code int64) (codeEntry, bool) {
	e, ok := table[code]
	return e, ok
}
