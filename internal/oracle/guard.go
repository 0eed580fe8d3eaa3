package oracle

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultMaxOutputBytes caps how much of one step result is quoted back to the oracle.
const DefaultMaxOutputBytes = 4 * 1024

var defaultForbiddenPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\[step_output\]`),
	regexp.MustCompile(`\[/step_output\]`),
	regexp.MustCompile(`\\?"next_service\\?"\s*:`),
	regexp.MustCompile(`\\?"should_continue\\?"\s*:`),
	regexp.MustCompile(`\\?"execution_plan\\?"\s*:`),
	regexp.MustCompile(`\\?"tool_calls\\?"\s*:\s*\[`),
}

// Guard prepares capability output for inclusion in an oracle prompt, so a
// capability cannot steer the next decision by echoing decision JSON.
type Guard struct {
	MaxOutputBytes    int
	ForbiddenPatterns []*regexp.Regexp
}

func NewGuard() *Guard {
	return &Guard{
		MaxOutputBytes:    DefaultMaxOutputBytes,
		ForbiddenPatterns: defaultForbiddenPatterns,
	}
}

// Sanitize truncates s and masks decision-shaped fragments with '*'.
func (g *Guard) Sanitize(s string) string {
	if s == "" {
		return s
	}
	if g.MaxOutputBytes > 0 && len(s) > g.MaxOutputBytes {
		s = strings.ToValidUTF8(s[:g.MaxOutputBytes], "") + "\n[truncated: output exceeded size limit]"
	}
	for _, pat := range g.ForbiddenPatterns {
		s = pat.ReplaceAllStringFunc(s, func(match string) string {
			return strings.Repeat("*", len(match))
		})
	}
	return s
}

// Wrap quotes one step result for the prompt.
func (g *Guard) Wrap(capability string, success bool, body string) string {
	status := "ok"
	if !success {
		status = "failed"
	}
	return fmt.Sprintf("[step_output capability=%s status=%s]\n%s\n[/step_output]", capability, status, g.Sanitize(body))
}
