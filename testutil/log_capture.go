package testutil

import (
	"regexp"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// LogCapture records everything logged through its Logger.
type LogCapture struct {
	logger   *zap.Logger
	observed *observer.ObservedLogs
}

// NewLogCapture creates a capture at debug level.
func NewLogCapture() *LogCapture {
	core, observed := observer.New(zapcore.DebugLevel)
	return &LogCapture{logger: zap.New(core), observed: observed}
}

// Logger returns the logger to hand to the component under test.
func (lc *LogCapture) Logger() *zap.Logger {
	return lc.logger
}

// Entries returns every captured entry.
func (lc *LogCapture) Entries() []observer.LoggedEntry {
	return lc.observed.All()
}

// Reset drops everything captured so far.
func (lc *LogCapture) Reset() {
	lc.observed.TakeAll()
}

// Messages returns the captured messages in order.
func (lc *LogCapture) Messages() []string {
	entries := lc.observed.All()
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Message
	}
	return out
}

// Contains reports whether any message contains substr.
func (lc *LogCapture) Contains(substr string) bool {
	return lc.Count(substr) > 0
}

// ContainsAll reports whether every substr appears in some message.
func (lc *LogCapture) ContainsAll(substrs ...string) bool {
	for _, s := range substrs {
		if !lc.Contains(s) {
			return false
		}
	}
	return true
}

// Count returns how many messages contain substr.
func (lc *LogCapture) Count(substr string) int {
	n := 0
	for _, m := range lc.Messages() {
		if strings.Contains(m, substr) {
			n++
		}
	}
	return n
}

// MatchesPattern reports whether any message matches the regular expression.
func (lc *LogCapture) MatchesPattern(pattern string) bool {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	for _, m := range lc.Messages() {
		if re.MatchString(m) {
			return true
		}
	}
	return false
}

// AtLevel returns the messages logged at level.
func (lc *LogCapture) AtLevel(level zapcore.Level) []string {
	var out []string
	for _, e := range lc.observed.FilterLevelExact(level).All() {
		out = append(out, e.Message)
	}
	return out
}

// LastMessage returns the most recent message, or "".
func (lc *LogCapture) LastMessage() string {
	msgs := lc.Messages()
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1]
}
