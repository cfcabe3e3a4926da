package config

import (
	"strings"
	"unicode"
)

// Older settings files use PascalCase keys ("CancelOnAny", "Ip") and keep
// the output settings under "GoogleSheets". normalizeKeys rewrites them to the
// current names so both layouts load.
var (
	sectionAliases = map[string]string{
		"google_sheets": "output",
	}
	outputAliases = map[string]string{
		"enable_google_sheets": "enable_webhook",
	}
)

func normalizeKeys(raw map[string]any) map[string]any {
	out := snakeKeys(raw).(map[string]any)
	for from, to := range sectionAliases {
		v, ok := out[from]
		if !ok {
			continue
		}
		delete(out, from)
		if cur, exists := out[to].(map[string]any); exists {
			if legacy, ok := v.(map[string]any); ok {
				// The current name wins over the legacy one.
				out[to] = deepMergeMaps(legacy, cur)
				continue
			}
		}
		out[to] = v
	}
	if output, ok := out["output"].(map[string]any); ok {
		for from, to := range outputAliases {
			if v, ok := output[from]; ok {
				delete(output, from)
				if _, exists := output[to]; !exists {
					output[to] = v
				}
			}
		}
	}
	return out
}

func snakeKeys(v any) any {
	switch x := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, child := range x {
			m[snakeCase(k)] = snakeKeys(child)
		}
		return m
	case []any:
		for i := range x {
			x[i] = snakeKeys(x[i])
		}
		return x
	}
	return v
}

// snakeCase converts "WebhookUrl" to "webhook_url" and "NATSUrl" to
// "nats_url". Keys without capitals are returned unchanged.
func snakeCase(s string) string {
	if strings.IndexFunc(s, unicode.IsUpper) < 0 {
		return s
	}
	runes := []rune(s)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && runes[i-1] != '_' {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
