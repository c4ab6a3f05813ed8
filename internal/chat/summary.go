package chat

import (
	"regexp"
	"strings"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/types"
)

// Rolling digest layout. Five labeled sections, hard-capped at
// types.SummaryMaxChars overall.
var summarySections = []string{"PROFILE", "DECISIONS", "OPEN LOOPS", "PREFERENCES", "RECENT"}

const (
	maxBulletsPerSection = 4
	maxBulletChars       = 140
	maxRecentEntries     = 3
	maxRecentChars       = 110
)

// Extraction heuristics. The digest is deliberately cheap: no LLM call,
// just pattern scans over the turn's messages.
var (
	profilePattern    = regexp.MustCompile(`(?i)\b(i am|i'm|my name is|i work|my job|my role|i live)\b`)
	decisionPattern   = regexp.MustCompile(`(?i)\b(decided to|let'?s go with|we'?ll (use|do|go)|going with|agreed (to|on)|settled on)\b`)
	openLoopPattern   = regexp.MustCompile(`(?i)\b(need to|still (need|have) to|waiting (on|for)|follow(ing)? up|next step|haven'?t (yet|heard)|due (by|on))\b`)
	preferencePattern = regexp.MustCompile(`(?i)\b(i prefer|i'?d rather|i (like|love|hate|dislike)|please (always|never)|keep (it|answers|responses))\b`)
)

// BuildSummary folds a turn's messages into the previous digest. Facts
// accumulate across turns (deduplicated, oldest dropped at the caps);
// the RECENT section is rebuilt from scratch every time.
func BuildSummary(previous string, turn []types.ChatMessage) string {
	sections := parseSummary(previous)

	for _, m := range turn {
		switch m.Role {
		case types.RoleUser:
			harvest(sections, "PROFILE", m.Content, profilePattern)
			harvest(sections, "PREFERENCES", m.Content, preferencePattern)
			harvest(sections, "DECISIONS", m.Content, decisionPattern)
			harvest(sections, "OPEN LOOPS", m.Content, openLoopPattern)
		case types.RoleAssistant:
			harvest(sections, "DECISIONS", m.Content, decisionPattern)
			harvest(sections, "OPEN LOOPS", m.Content, openLoopPattern)
		}
	}

	sections["RECENT"] = recentEntries(turn)

	return renderSummary(sections)
}

// harvest appends sentences matching the pattern as bullets, newest
// last, deduplicated case-insensitively.
func harvest(sections map[string][]string, name, content string, pattern *regexp.Regexp) {
	for _, sentence := range splitSentences(content) {
		if !pattern.MatchString(sentence) {
			continue
		}
		bullet := clip(sentence, maxBulletChars)
		if containsFold(sections[name], bullet) {
			continue
		}
		sections[name] = append(sections[name], bullet)
	}
	if over := len(sections[name]) - maxBulletsPerSection; over > 0 {
		sections[name] = sections[name][over:]
	}
}

func recentEntries(turn []types.ChatMessage) []string {
	var entries []string
	for i := len(turn) - 1; i >= 0 && len(entries) < maxRecentEntries; i-- {
		m := turn[i]
		if m.Role != types.RoleUser && m.Role != types.RoleAssistant {
			continue
		}
		text := strings.TrimSpace(m.Content)
		if text == "" {
			continue
		}
		entries = append(entries, string(m.Role)+": "+clip(text, maxRecentChars))
	}
	// Collected newest-first; present oldest-first.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries
}

// parseSummary reads a rendered digest back into its sections. Unknown
// lines are dropped; a malformed digest degrades to empty sections.
func parseSummary(content string) map[string][]string {
	sections := make(map[string][]string, len(summarySections))
	for _, s := range summarySections {
		sections[s] = nil
	}
	current := ""
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if name, ok := sectionHeader(line); ok {
			current = name
			continue
		}
		if current == "" || current == "RECENT" {
			continue
		}
		if strings.HasPrefix(line, "- ") {
			sections[current] = append(sections[current], strings.TrimPrefix(line, "- "))
		}
	}
	return sections
}

func sectionHeader(line string) (string, bool) {
	for _, s := range summarySections {
		if line == s+":" {
			return s, true
		}
	}
	return "", false
}

// renderSummary emits the five sections in order and enforces the
// overall char cap by dropping the oldest non-RECENT bullets first.
func renderSummary(sections map[string][]string) string {
	for {
		var b strings.Builder
		for i, name := range summarySections {
			if i > 0 {
				b.WriteString("\n")
			}
			b.WriteString(name + ":\n")
			for _, bullet := range sections[name] {
				b.WriteString("- " + bullet + "\n")
			}
		}
		out := strings.TrimRight(b.String(), "\n")
		if len(out) <= types.SummaryMaxChars {
			return out
		}
		if !dropOldestBullet(sections) {
			// Nothing left to drop; hard-cut as a last resort.
			return out[:types.SummaryMaxChars]
		}
	}
}

func dropOldestBullet(sections map[string][]string) bool {
	// RECENT last: it is this turn's context.
	order := []string{"PROFILE", "PREFERENCES", "DECISIONS", "OPEN LOOPS", "RECENT"}
	for _, name := range order {
		if len(sections[name]) > 0 {
			sections[name] = sections[name][1:]
			return true
		}
	}
	return false
}

func splitSentences(content string) []string {
	var out []string
	for _, line := range strings.Split(content, "\n") {
		for _, s := range strings.FieldsFunc(line, func(r rune) bool { return r == '.' || r == '!' || r == '?' }) {
			s = strings.TrimSpace(s)
			if len(s) >= 8 {
				out = append(out, s)
			}
		}
	}
	return out
}

func clip(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	r := []rune(s)
	if len(r) > max-1 {
		r = r[:max-1]
	}
	return strings.TrimSpace(string(r)) + "…"
}

func containsFold(list []string, s string) bool {
	for _, e := range list {
		if strings.EqualFold(e, s) {
			return true
		}
	}
	return false
}
