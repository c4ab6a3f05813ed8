package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/config"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/kb"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/logging"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/provider"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/retrieval"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/store"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/tools"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/types"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/usage"
)

// advisoriesRelPath is where the kb repository appends advisory records;
// the advisory pin replays the tail of this file into the prompt.
const advisoriesRelPath = "intelligence/advisories.md"

// maxPinnedAdvisoryChars bounds how much advisory text the pin injects.
const maxPinnedAdvisoryChars = 2000

// ClientResolver resolves the provider client serving a domain.
type ClientResolver func(d *types.Domain) (provider.Client, error)

// BlockProcessor runs the fenced intelligence blocks (kb-update,
// decision, gap-flag, stop, advisory) parsed from assistant output.
// Satisfied by the kb pipeline.
type BlockProcessor interface {
	ProcessText(ctx context.Context, domain *types.Domain, text string) []kb.BlockResult
}

// Manager orchestrates chat turns: session bookkeeping, system prompt
// assembly (summary, KB context, pinned advisories), the tool loop, and
// post-turn state (persistence, pin decay, digest refresh).
type Manager struct {
	mu         sync.Mutex
	st         *store.Store
	resolve    ClientResolver
	builder    *retrieval.Builder
	caps       *CapabilityCache
	pins       *Pins
	cfg        config.ChatConfig
	gmail      tools.GmailClient
	gtasks     tools.GTasksClient
	recorder   tools.AdvisoryRecorder
	blocks     BlockProcessor
	ledger     *usage.Tracker
	registries map[string]*tools.Registry

	// aborts tracks the in-flight turn per requester so a newer request
	// from the same sender cancels the older one.
	aborts map[string]*turnHandle
}

type turnHandle struct {
	cancel context.CancelFunc
}

// ManagerDeps carries the manager's collaborators. Gmail, GTasks,
// Recorder, Blocks and Usage may be nil.
type ManagerDeps struct {
	Store    *store.Store
	Resolve  ClientResolver
	Builder  *retrieval.Builder
	Caps     *CapabilityCache
	Pins     *Pins
	Config   config.ChatConfig
	Gmail    tools.GmailClient
	GTasks   tools.GTasksClient
	Recorder tools.AdvisoryRecorder
	Blocks   BlockProcessor
	Usage    *usage.Tracker
}

// NewManager builds the chat manager. Caps and Pins fall back to fresh
// instances when nil so tests can construct a minimal manager.
func NewManager(deps ManagerDeps) *Manager {
	caps := deps.Caps
	if caps == nil {
		caps = NewCapabilityCache()
	}
	pins := deps.Pins
	if pins == nil {
		pins = NewPins()
	}
	return &Manager{
		st:         deps.Store,
		resolve:    deps.Resolve,
		builder:    deps.Builder,
		caps:       caps,
		pins:       pins,
		cfg:        deps.Config,
		gmail:      deps.Gmail,
		gtasks:     deps.GTasks,
		recorder:   deps.Recorder,
		blocks:     deps.Blocks,
		ledger:     deps.Usage,
		registries: make(map[string]*tools.Registry),
		aborts:     make(map[string]*turnHandle),
	}
}

// Pins exposes the shared pin table (the kb block pipeline arms the
// advisory pin when it persists an advisory record).
func (m *Manager) Pins() *Pins { return m.pins }

// TurnRequest describes one chat turn to process.
type TurnRequest struct {
	DomainID  string
	SessionID string // empty starts a new session
	UserText  string
	SenderID  string // requester identity; a newer turn from the same sender aborts the older
	Stream    StreamFunc
}

// ProcessTurn runs one full chat turn and returns its result. The
// session (created on demand) is available via result bookkeeping on
// the store; the caller reads SessionID back from the persisted user
// message if it started fresh.
func (m *Manager) ProcessTurn(ctx context.Context, req TurnRequest) (*TurnResult, string, error) {
	if strings.TrimSpace(req.UserText) == "" {
		return nil, "", errors.New("empty user message")
	}

	domain, err := m.st.GetDomain(req.DomainID)
	if err != nil {
		return nil, "", fmt.Errorf("chat turn: %w", err)
	}
	client, err := m.resolve(domain)
	if err != nil {
		return nil, "", fmt.Errorf("chat turn: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	handle := m.trackSender(req.SenderID, cancel)
	defer m.untrackSender(req.SenderID, handle)

	sess, history, err := m.ensureSession(domain, req.SessionID)
	if err != nil {
		return nil, "", err
	}

	// Persist the user turn first; a crash mid-turn must not lose it.
	userMsg := types.UserMessage(req.UserText)
	userMsg.SessionID = sess.ID
	if err := m.st.AppendMessage(&userMsg); err != nil {
		return nil, "", fmt.Errorf("chat turn: %w", err)
	}
	history = append(history, userMsg)

	if DetectRecallLanguage(req.UserText) {
		m.pins.ArmForceKB(domain.ID, "recall language in the user message")
	}

	system := m.buildSystemPrompt(ctx, domain, sess.ID, req.UserText)

	registry, err := m.registryFor(domain)
	if err != nil {
		return nil, "", err
	}

	timer := logging.StartTimer(logging.CategoryChat, "chat_turn")
	loop := NewLoop(client, registry, m.caps, m.cfg)
	res, err := loop.Run(ctx, LoopRequest{
		System:        system,
		Messages:      history,
		AllowExternal: domain.AllowExternal,
		Stream:        req.Stream,
	})
	if err != nil {
		timer.Stop()
		return nil, sess.ID, err
	}
	timer.Stop()
	logging.Chat("Turn complete: session=%s rounds=%d tools=%d cancelled=%v",
		sess.ID, res.Rounds, len(res.ToolsExecuted), res.Cancelled)

	m.ledger.Record(usage.Sample{
		Provider: client.Name(),
		Model:    client.Model(),
		Surface:  usage.SurfaceChat,
		DomainID: domain.ID,
		Input:    res.Usage.InputTokens,
		Output:   res.Usage.OutputTokens,
	})

	for i := range res.Appended {
		msg := res.Appended[i]
		msg.SessionID = sess.ID
		if err := m.st.AppendMessage(&msg); err != nil {
			logging.ChatWarn("Failed to persist %s message: %v", msg.Role, err)
		}
	}

	title := ""
	if sess.Title == "" {
		title = clip(req.UserText, 60)
	}
	if err := m.st.TouchSession(sess.ID, title); err != nil {
		logging.ChatWarn("Failed to touch session %s: %v", sess.ID, err)
	}

	for _, name := range res.ToolsExecuted {
		if name == "advisory_record" {
			m.pins.ArmAdvisory(domain.ID)
			break
		}
	}

	if !res.Cancelled {
		res.StopReason = m.processBlocks(ctx, domain, res.Text)
		m.refreshSummary(sess.ID, userMsg, res.Appended)
		m.pins.EndTurn(domain.ID)
	}
	return res, sess.ID, nil
}

// processBlocks runs the assistant's fenced intelligence blocks through
// the kb pipeline and returns the stop reason when one was raised. Block
// failures are logged, never surfaced as a turn failure; the user
// already has their answer.
func (m *Manager) processBlocks(ctx context.Context, domain *types.Domain, text string) string {
	if m.blocks == nil || text == "" {
		return ""
	}
	results := m.blocks.ProcessText(ctx, domain, text)
	for _, br := range results {
		switch {
		case br.Err != nil:
			logging.ChatWarn("%s block rejected in domain %s: %v", br.Kind, domain.ID, br.Err)
		case br.Kind == kb.BlockStop:
			logging.Chat("Assistant raised a stop block: %s", br.Summary)
		default:
			logging.Chat("Applied %s block: %s", br.Kind, br.Summary)
		}
	}
	reason, _ := kb.Stopped(results)
	return reason
}

// trackSender aborts any in-flight turn from the same sender before
// registering the new one.
func (m *Manager) trackSender(senderID string, cancel context.CancelFunc) *turnHandle {
	if senderID == "" {
		return nil
	}
	handle := &turnHandle{cancel: cancel}
	m.mu.Lock()
	prev := m.aborts[senderID]
	m.aborts[senderID] = handle
	m.mu.Unlock()
	if prev != nil {
		logging.ChatDebug("Aborting prior in-flight turn for sender %s", senderID)
		prev.cancel()
	}
	return handle
}

func (m *Manager) untrackSender(senderID string, handle *turnHandle) {
	if senderID == "" || handle == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Only clear our own registration; a newer turn may have replaced it.
	if m.aborts[senderID] == handle {
		delete(m.aborts, senderID)
	}
}

// ensureSession loads the session and its history, creating a fresh
// session when none was given.
func (m *Manager) ensureSession(domain *types.Domain, sessionID string) (*types.Session, []types.ChatMessage, error) {
	if sessionID == "" {
		sess := &types.Session{DomainID: domain.ID}
		if err := m.st.CreateSession(sess); err != nil {
			return nil, nil, fmt.Errorf("chat session: %w", err)
		}
		return sess, nil, nil
	}
	sess, err := m.st.GetSession(sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("chat session: %w", err)
	}
	if sess.DomainID != domain.ID {
		return nil, nil, fmt.Errorf("session %s belongs to another domain", sessionID)
	}
	history, err := m.st.ListMessages(sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("chat history: %w", err)
	}
	return sess, history, nil
}

// registryFor lazily builds and caches the standard tool set bound to a
// domain.
func (m *Manager) registryFor(domain *types.Domain) (*tools.Registry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.registries[domain.ID]; ok {
		return r, nil
	}
	r, err := tools.NewStandardRegistry(tools.Binding{
		DomainID: domain.ID,
		Store:    m.st,
		Context:  m.builder,
		Gmail:    m.gmail,
		GTasks:   m.gtasks,
		Recorder: m.recorder,
	})
	if err != nil {
		return nil, fmt.Errorf("tool registry for domain %s: %w", domain.ID, err)
	}
	m.registries[domain.ID] = r
	return r, nil
}

// buildSystemPrompt assembles the turn's system prompt: identity and
// ground rules, the rolling summary, KB context under the token budget
// (escalated to the full KB while the forceKB pin is armed), and the
// advisory tail while the advisory pin is armed. Context failures
// degrade to a smaller prompt, never a failed turn.
func (m *Manager) buildSystemPrompt(ctx context.Context, domain *types.Domain, sessionID, query string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are the assistant for the %q domain in DomainOS, a local knowledge runtime.\n", domain.Name)
	fmt.Fprintf(&sb, "Current date: %s.\n", time.Now().Format("Monday, 2006-01-02"))
	sb.WriteString("\nGround rules:\n")
	sb.WriteString("- Ground answers in the domain knowledge base; mention the file paths you relied on.\n")
	sb.WriteString("- Use tools for live data instead of guessing, and report tool errors honestly.\n")
	sb.WriteString("- Email drafts are never sent automatically; the user reviews and sends them.\n")

	if sum, err := m.st.GetSummary(sessionID); err == nil && sum.Content != "" {
		sb.WriteString("\nCONVERSATION SUMMARY:\n" + sum.Content + "\n")
	}

	if m.builder != nil && m.cfg.ContextTokenBudget > 0 {
		builder := m.builder
		if pin, reason := m.pins.ForceKBPin(domain.ID); pin > 0 {
			builder = builder.WithFallback(retrieval.StrategyFull)
			fmt.Fprintf(&sb, "\n[KB context pinned (%d more turns): %s]\n", pin, reason)
		}
		if res, err := builder.BuildContext(ctx, domain.ID, query, m.cfg.ContextTokenBudget); err != nil {
			logging.ChatWarn("KB context build failed for domain %s: %v", domain.ID, err)
		} else if res.Text != "" {
			sb.WriteString("\n" + res.Text)
		}
	}

	if m.pins.AdvisoryPin(domain.ID) > 0 {
		if adv := m.advisoryTail(domain.ID); adv != "" {
			sb.WriteString("\nPINNED ADVISORIES:\n" + adv + "\n")
		}
	}
	return sb.String()
}

// advisoryTail returns the newest advisory text, bounded by
// maxPinnedAdvisoryChars. Records append chronologically, so the tail
// holds the most recent ones.
func (m *Manager) advisoryTail(domainID string) string {
	f, err := m.st.GetKBFileByPath(domainID, advisoriesRelPath)
	if err != nil {
		return ""
	}
	chunks, err := m.st.ListChunksByFile(f.ID)
	if err != nil || len(chunks) == 0 {
		return ""
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Ordinal < chunks[j].Ordinal })

	var parts []string
	total := 0
	for i := len(chunks) - 1; i >= 0; i-- {
		c := strings.TrimSpace(chunks[i].Content)
		if c == "" {
			continue
		}
		if total+len(c) > maxPinnedAdvisoryChars && total > 0 {
			break
		}
		parts = append(parts, c)
		total += len(c)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "\n\n")
}

// refreshSummary folds the turn into the session's rolling digest.
func (m *Manager) refreshSummary(sessionID string, userMsg types.ChatMessage, appended []types.ChatMessage) {
	prevContent := ""
	prevCount := 0
	if sum, err := m.st.GetSummary(sessionID); err == nil {
		prevContent = sum.Content
		prevCount = sum.MessageCount
	} else if !errors.Is(err, store.ErrNotFound) {
		logging.ChatWarn("Failed to load summary for session %s: %v", sessionID, err)
	}

	turn := append([]types.ChatMessage{userMsg}, appended...)
	content := BuildSummary(prevContent, turn)
	err := m.st.UpsertSummary(&types.ConversationSummary{
		SessionID:    sessionID,
		Content:      content,
		MessageCount: prevCount + len(turn),
	})
	if err != nil {
		logging.ChatWarn("Failed to persist summary for session %s: %v", sessionID, err)
	}
}
