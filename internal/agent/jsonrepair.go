package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// CleanJSONResponse is a best-effort repair pipeline for raw LLM text that should
// encode a JSON object but may carry comments, unquoted keys, single-quoted
// strings, unspaced booleans, trailing commas, or stray bracketed timestamps.
//
// The rewrites are heuristic and lossy by design; they live here, apart from the
// contract validation in validate.go, so their reach stays bounded. An input that
// still fails to parse after repair is an error.
var (
	reLineComment   = regexp.MustCompile(`(?m)//.*?$`)
	reBlockComment  = regexp.MustCompile(`(?s)/\*.*?\*/`)
	reLeadingKey    = regexp.MustCompile(`^\s*{\s*(\w+)(\s*:)`)
	reCommaKey      = regexp.MustCompile(`,\s*(\w+)(\s*:)`)
	reNewlineKey    = regexp.MustCompile(`\n\s*(\w+)(\s*:)`)
	reSingleKey     = regexp.MustCompile(`([{,]\s*)'(\w+)'(\s*:)`)
	reSingleValue   = regexp.MustCompile(`:\s*'([^']*)'`)
	reSpacedBool    = regexp.MustCompile(`:\s+(true|false|True|False)`)
	reTrailingComma = regexp.MustCompile(`,(\s*[}\]])`)
	reBracketStamp  = regexp.MustCompile(`\[\d+\]\s*`)
	reRawField      = regexp.MustCompile(`"raw":\s*({[^}]+})`)
)

func CleanJSONResponse(text string) (map[string]any, error) {
	cleaned := stripCodeFence(text)
	cleaned = reLineComment.ReplaceAllString(cleaned, "")
	cleaned = reBlockComment.ReplaceAllString(cleaned, "")

	if obj, err := parseJSONObject(cleaned); err == nil {
		return obj, nil
	}

	cleaned = reLeadingKey.ReplaceAllString(cleaned, `{"$1"$2`)
	cleaned = reCommaKey.ReplaceAllString(cleaned, `,"$1"$2`)
	cleaned = reNewlineKey.ReplaceAllString(cleaned, "\n\"$1\"$2")
	cleaned = reSingleKey.ReplaceAllString(cleaned, `$1"$2"$3`)
	cleaned = reSingleValue.ReplaceAllString(cleaned, `: "$1"`)
	cleaned = reSpacedBool.ReplaceAllStringFunc(cleaned, func(m string) string {
		return ":" + strings.ToLower(strings.TrimSpace(strings.TrimPrefix(m, ":")))
	})
	cleaned = reTrailingComma.ReplaceAllString(cleaned, "$1")
	cleaned = reBracketStamp.ReplaceAllString(cleaned, "")

	if obj, err := parseJSONObject(cleaned); err == nil {
		return obj, nil
	}

	// Last resort: a single-quoted "raw" sub-object is a known failure mode.
	if m := reRawField.FindStringSubmatchIndex(cleaned); m != nil {
		inner := strings.ReplaceAll(cleaned[m[2]:m[3]], "'", `"`)
		cleaned = cleaned[:m[2]] + inner + cleaned[m[3]:]
	}

	obj, err := parseJSONObject(cleaned)
	if err != nil {
		return nil, fmt.Errorf("response is not a JSON object after repair: %w", err)
	}
	return obj, nil
}

// stripCodeFence unwraps a markdown ```json ... ``` block when the whole text is
// one fenced snippet.
func stripCodeFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return text
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if i := strings.IndexByte(trimmed, '\n'); i >= 0 && strings.TrimSpace(trimmed[:i]) != "" {
		// Language tag on the opening fence line.
		trimmed = trimmed[i+1:]
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

func parseJSONObject(text string) (map[string]any, error) {
	text = strings.TrimSpace(text)
	if !gjson.Valid(text) {
		return nil, fmt.Errorf("invalid JSON")
	}
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	return obj, nil
}
