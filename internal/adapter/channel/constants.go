package channel

import (
	"strings"

	"robo/internal/domain"
)

const (
	// customIDPrefix namespaces the identifiers of display controls so
	// presses on other bots' components are ignored.
	customIDPrefix = "robo:"

	fence = "```"
)

func customID(id domain.ControlID) string { return customIDPrefix + string(id) }

func parseCustomID(s string) (domain.ControlID, bool) {
	rest, ok := strings.CutPrefix(s, customIDPrefix)
	if !ok {
		return "", false
	}
	switch id := domain.ControlID(rest); id {
	case domain.ControlFirst, domain.ControlPrev, domain.ControlPage,
		domain.ControlNext, domain.ControlLast, domain.ControlClose:
		return id, true
	}
	return "", false
}

// truncateRunes cuts s to at most n runes, keeping a closing code fence
// when the cut lands inside one.
func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	const ellipsis = "\n…"
	out := string(r[:n-len([]rune(ellipsis))-len(fence)]) + ellipsis
	if strings.Count(out, fence)%2 == 1 {
		out += fence
	}
	return out
}
