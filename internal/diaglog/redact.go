package diaglog

// sensitiveKeys never reach the audit file: candidate resumes and answers are
// personal data, the rest are credentials.
var sensitiveKeys = map[string]bool{
	"resume":   true,
	"answer":   true,
	"token":    true,
	"password": true,
	"secret":   true,
	"dsn":      true,
}

const redacted = "[REDACTED]"

// Redact returns a copy of v with sensitive map values replaced. Nested maps
// and slices are walked; other values pass through.
func Redact(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			if sensitiveKeys[k] {
				out[k] = redacted
				continue
			}
			out[k] = Redact(child)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(val))
		for k, child := range val {
			if sensitiveKeys[k] {
				out[k] = redacted
				continue
			}
			out[k] = child
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = Redact(elem)
		}
		return out
	default:
		return v
	}
}
