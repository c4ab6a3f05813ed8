package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/chat"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/runtime"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/types"
)

var streamRaw bool

// chatCmd starts the interactive REPL
var chatCmd = &cobra.Command{
	Use:   "chat [domain]",
	Short: "Chat with a domain's assistant",
	Long: `Starts a line-based REPL against one domain. The assistant sees the
domain's knowledge base through retrieval and can call tools; replies
render as markdown.

Commands inside the REPL:
  /domain <name>   switch domains
  /new             start a fresh session
  /sessions        list recent sessions
  /resume <id>     continue an earlier session
  /quit            exit`,
	Args: cobra.MaximumNArgs(1),
	RunE: runChat,
}

func init() {
	chatCmd.Flags().BoolVar(&streamRaw, "stream", false, "Print reply text as it arrives instead of rendering markdown at the end")
}

// chatStyles are the REPL's terminal styles.
type chatStyles struct {
	prompt lipgloss.Style
	domain lipgloss.Style
	muted  lipgloss.Style
	errs   lipgloss.Style
}

func newChatStyles() chatStyles {
	return chatStyles{
		prompt: lipgloss.NewStyle().Foreground(lipgloss.Color("6")).Bold(true),
		domain: lipgloss.NewStyle().Foreground(lipgloss.Color("5")).Bold(true),
		muted:  lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		errs:   lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(runtime.Options{})
	if err != nil {
		return err
	}
	defer rt.Stop(context.Background())

	domain, err := pickDomain(rt, args)
	if err != nil {
		return err
	}

	renderer, _ := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)

	styles := newChatStyles()
	fmt.Println(styles.muted.Render("DomainOS chat. /quit to exit, /new for a fresh session, /domain <name> to switch."))
	fmt.Printf("%s\n", styles.domain.Render("domain: "+domain.Name))

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	sessionID := ""

	for {
		fmt.Print(styles.prompt.Render("you ❯ "))
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/new":
			sessionID = ""
			fmt.Println(styles.muted.Render("started a new session"))
			continue
		case line == "/sessions":
			printSessions(rt, domain, styles)
			continue
		case strings.HasPrefix(line, "/resume "):
			ref := strings.TrimSpace(strings.TrimPrefix(line, "/resume "))
			sid, rerr := findSession(rt, domain.ID, ref)
			if rerr != nil {
				fmt.Println(styles.errs.Render(rerr.Error()))
				continue
			}
			sessionID = sid
			fmt.Println(styles.muted.Render("resumed session " + sid[:8]))
			continue
		case strings.HasPrefix(line, "/domain "):
			name := strings.TrimSpace(strings.TrimPrefix(line, "/domain "))
			d, derr := resolveDomain(rt.Store(), name)
			if derr != nil {
				fmt.Println(styles.errs.Render(derr.Error()))
				continue
			}
			domain = d
			sessionID = ""
			fmt.Printf("%s\n", styles.domain.Render("domain: "+domain.Name))
			continue
		case strings.HasPrefix(line, "/"):
			fmt.Println(styles.errs.Render("unknown command " + line))
			continue
		}

		sessionID = runTurn(rt, domain, sessionID, line, renderer, styles)
	}
}

// runTurn processes one user message. Ctrl-C cancels the turn, not the
// REPL. Returns the session id to continue with.
func runTurn(rt *runtime.Runtime, domain *types.Domain, sessionID, text string, renderer *glamour.TermRenderer, styles chatStyles) string {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var stream chat.StreamFunc
	if streamRaw {
		stream = func(chunk string) { fmt.Print(chunk) }
	}

	res, sid, err := rt.Chat().ProcessTurn(ctx, chat.TurnRequest{
		DomainID:  domain.ID,
		SessionID: sessionID,
		UserText:  text,
		SenderID:  "cli",
		Stream:    stream,
	})
	if err != nil {
		fmt.Println(styles.errs.Render(err.Error()))
		if sid != "" {
			return sid
		}
		return sessionID
	}

	if res.Cancelled {
		fmt.Println(styles.muted.Render("(cancelled)"))
		return sid
	}

	if streamRaw {
		fmt.Println()
	} else {
		out := res.Text
		if renderer != nil {
			if rendered, rerr := renderer.Render(res.Text); rerr == nil {
				out = rendered
			}
		}
		fmt.Print(out)
		if !strings.HasSuffix(out, "\n") {
			fmt.Println()
		}
	}

	if len(res.ToolsExecuted) > 0 {
		fmt.Println(styles.muted.Render("tools: " + strings.Join(res.ToolsExecuted, ", ")))
	}
	if res.StopReason != "" {
		fmt.Println(styles.muted.Render("assistant paused further automation: " + res.StopReason))
	}
	return sid
}

// printSessions shows the domain's recent sessions, newest first.
func printSessions(rt *runtime.Runtime, domain *types.Domain, styles chatStyles) {
	sessions, err := rt.Store().ListSessions(domain.ID, 10)
	if err != nil {
		fmt.Println(styles.errs.Render(err.Error()))
		return
	}
	if len(sessions) == 0 {
		fmt.Println(styles.muted.Render("no sessions yet"))
		return
	}
	for _, s := range sessions {
		title := s.Title
		if title == "" {
			title = "(untitled)"
		}
		size := int64(0)
		if n, serr := rt.Store().TranscriptBytes(s.ID); serr == nil {
			size = n
		}
		fmt.Printf("  %s  %s  %7s  %s\n", s.ID[:8], s.UpdatedAt.Local().Format("Jan 02 15:04"), sizeLabel(size), title)
	}
}

// sizeLabel renders a transcript byte count compactly for the listing.
func sizeLabel(n int64) string {
	if n < 1024 {
		return fmt.Sprintf("%dB", n)
	}
	return fmt.Sprintf("%.1fKB", float64(n)/1024)
}

// findSession resolves an id prefix against the domain's recent sessions.
func findSession(rt *runtime.Runtime, domainID, ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("usage: /resume <session-id>")
	}
	sessions, err := rt.Store().ListSessions(domainID, 50)
	if err != nil {
		return "", err
	}
	var match string
	for _, s := range sessions {
		if strings.HasPrefix(s.ID, ref) {
			if match != "" {
				return "", fmt.Errorf("session prefix %q is ambiguous", ref)
			}
			match = s.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("no session starting with %q", ref)
	}
	return match, nil
}

// pickDomain resolves the positional domain argument, falling back to
// the only domain when just one exists.
func pickDomain(rt *runtime.Runtime, args []string) (*types.Domain, error) {
	if len(args) == 1 {
		return resolveDomain(rt.Store(), args[0])
	}
	domains, err := rt.Store().ListDomains()
	if err != nil {
		return nil, err
	}
	switch len(domains) {
	case 0:
		return nil, fmt.Errorf("no domains yet; create one with: domainos domain add --name <name> --kb <path>")
	case 1:
		return domains[0], nil
	default:
		names := make([]string, len(domains))
		for i, d := range domains {
			names[i] = d.Name
		}
		return nil, fmt.Errorf("multiple domains (%s); pass one: domainos chat <domain>", strings.Join(names, ", "))
	}
}
