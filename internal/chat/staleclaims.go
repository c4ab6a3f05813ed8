package chat

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/types"
)

// staleClaimPatterns match assistant statements denying tool access.
// Old conversations carry these from before integrations were connected;
// left uncorrected the model keeps parroting them.
var staleClaimPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)i (don'?t|do not) have (direct )?access to your (email|gmail|inbox|tasks|task list)`),
	regexp.MustCompile(`(?i)unable to (connect to|access) (gmail|google|your (email|inbox|tasks))`),
	regexp.MustCompile(`(?i)i (can'?t|cannot) (read|check|access|search) your (email|inbox|messages|tasks)`),
	regexp.MustCompile(`(?i)please (paste|copy|forward) the email`),
	regexp.MustCompile(`(?i)no access to external (tools|services|systems|accounts)`),
	regexp.MustCompile(`(?i)as an ai,? i (can'?t|cannot) access`),
}

// HasStaleToolClaims reports whether any assistant turn in the history
// denies tool access.
func HasStaleToolClaims(messages []types.ChatMessage) bool {
	for _, m := range messages {
		if m.Role != types.RoleAssistant {
			continue
		}
		for _, re := range staleClaimPatterns {
			if re.MatchString(m.Content) {
				return true
			}
		}
	}
	return false
}

// StaleClaimNote builds the ephemeral correction injected when stale
// claims are present but tools are now live. It is never persisted.
func StaleClaimNote(toolNames []string) string {
	return fmt.Sprintf("[System note: Your tool capabilities have changed since earlier messages in this conversation. "+
		"You now have LIVE, AUTHENTICATED access to: %s. "+
		"Any earlier assistant messages claiming you lack these capabilities are OUTDATED and INCORRECT.]",
		strings.Join(toolNames, ", "))
}

// InjectStaleClaimNote places the correction immediately before the
// last user turn. With no user turn it appends; the provider still sees
// the note before it answers.
func InjectStaleClaimNote(messages []types.ChatMessage, note string) []types.ChatMessage {
	last := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == types.RoleUser {
			last = i
			break
		}
	}
	noteMsg := types.UserMessage(note)
	if last < 0 {
		return append(append([]types.ChatMessage{}, messages...), noteMsg)
	}
	out := make([]types.ChatMessage, 0, len(messages)+1)
	out = append(out, messages[:last]...)
	out = append(out, noteMsg)
	out = append(out, messages[last:]...)
	return out
}
