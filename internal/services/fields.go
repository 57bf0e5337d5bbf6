package services

import (
	"math"
	"strconv"
	"strings"
)

// Link field names tried after an endpoint's own names.
var defaultLinkFields = []string{"link", "url", "download_url", "downloadUrl", "dlink", "file"}

// Title field names tried after an endpoint's own names.
var defaultTitleFields = []string{"title", "name"}

// chain returns own followed by defaults, without duplicates.
func chain(own, defaults []string) []string {
	out := make([]string, 0, len(own)+len(defaults))
	seen := make(map[string]bool, len(own)+len(defaults))
	for _, f := range append(append([]string{}, own...), defaults...) {
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// lookup resolves a dotted path such as "result.link" against nested objects.
func lookup(data map[string]any, path string) (any, bool) {
	var cur any = data
	for part := range strings.SplitSeq(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = obj[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// firstString returns the first non-empty string among fields.
func firstString(data map[string]any, fields ...string) string {
	for _, f := range fields {
		v, ok := lookup(data, f)
		if !ok {
			continue
		}
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// firstNumber returns the first field holding a number or a numeric string.
func firstNumber(data map[string]any, fields ...string) (float64, bool) {
	for _, f := range fields {
		v, ok := lookup(data, f)
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			return n, true
		case string:
			if parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
				return parsed, true
			}
		}
	}
	return 0, false
}

func firstInt(data map[string]any, fields ...string) int {
	n, _ := firstNumber(data, fields...)
	return int(math.Round(n))
}

func firstInt64(data map[string]any, fields ...string) int64 {
	n, _ := firstNumber(data, fields...)
	return int64(n)
}
