package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

type redactionRule struct {
	pattern *regexp.Regexp
	// replacement may reference capture groups, e.g. "${1}[REDACTED]"
	replacement string
}

// Redactor masks credentials in log output
type Redactor struct {
	rules []redactionRule
}

// NewRedactor creates a redactor for model provider keys and common secrets
func NewRedactor() *Redactor {
	return &Redactor{
		rules: []redactionRule{
			{regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{20,}`), redacted},
			{regexp.MustCompile(`sk-(?:proj-)?[a-zA-Z0-9_-]{20,}`), redacted},
			{regexp.MustCompile(`(?i)(bearer\s+)[a-zA-Z0-9._~+/-]+=*`), "${1}" + redacted},
			{regexp.MustCompile(`(?i)(x-api-key["']?\s*[:=]\s*["']?)[^\s"',]+`), "${1}" + redacted},
			{regexp.MustCompile(`AKIA[0-9A-Z]{16}`), redacted},
			{regexp.MustCompile(`(?i)((?:api_key|apikey|password|passwd|secret|token)["']?\s*[:=]\s*["']?)[^\s"',}]+`), "${1}" + redacted},
		},
	}
}

// AddPattern masks every match of pattern
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, redactionRule{pattern: re, replacement: redacted})
	return nil
}

// Redact masks credentials in s
func (r *Redactor) Redact(s string) string {
	for _, rule := range r.rules {
		s = rule.pattern.ReplaceAllString(s, rule.replacement)
	}
	return s
}

// Wrap returns a writer that redacts each write before passing it to w
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{writer: w, redactor: r}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success so zerolog does not treat a shorter
// redacted line as a short write.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.writer.Write([]byte(w.redactor.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
