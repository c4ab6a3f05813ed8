package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/runtime"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/store"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/types"
)

var (
	protoDomain string
	protoFile   string
)

var protocolCmd = &cobra.Command{
	Use:   "protocol",
	Short: "Manage instruction protocols",
	Long: `Protocols are standing instructions injected into every chat turn and
automation run. Global protocols apply everywhere; domain protocols only
inside their domain. Built-in protocols can be overridden with 'set' but
not removed.`,
}

var protocolListCmd = &cobra.Command{
	Use:   "list [domain]",
	Short: "List global protocols, plus one domain's when given",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runProtocolList,
}

var protocolShowCmd = &cobra.Command{
	Use:   "show [name]",
	Short: "Print a protocol's content",
	Args:  cobra.ExactArgs(1),
	RunE:  runProtocolShow,
}

var protocolSetCmd = &cobra.Command{
	Use:   "set [name]",
	Short: "Create or update a protocol",
	Long: `Writes a protocol's content from --file, or from stdin when no file
is given. Scoped to one domain with --domain, global otherwise.

Example:
  domainos protocol set meeting-notes --domain work --file notes-style.md`,
	Args: cobra.ExactArgs(1),
	RunE: runProtocolSet,
}

var protocolRemoveCmd = &cobra.Command{
	Use:   "remove [name]",
	Short: "Delete a user protocol",
	Args:  cobra.ExactArgs(1),
	RunE:  runProtocolRemove,
}

func init() {
	protocolShowCmd.Flags().StringVar(&protoDomain, "domain", "", "Domain scope (global when omitted)")
	protocolSetCmd.Flags().StringVar(&protoDomain, "domain", "", "Domain scope (global when omitted)")
	protocolSetCmd.Flags().StringVar(&protoFile, "file", "", "Read content from this file instead of stdin")
	protocolRemoveCmd.Flags().StringVar(&protoDomain, "domain", "", "Domain scope (global when omitted)")

	protocolCmd.AddCommand(protocolListCmd)
	protocolCmd.AddCommand(protocolShowCmd)
	protocolCmd.AddCommand(protocolSetCmd)
	protocolCmd.AddCommand(protocolRemoveCmd)
}

// protocolScope turns the --domain flag into a domain id, empty for global.
func protocolScope(st *store.Store) (string, error) {
	if protoDomain == "" {
		return "", nil
	}
	d, err := resolveDomain(st, protoDomain)
	if err != nil {
		return "", err
	}
	return d.ID, nil
}

func runProtocolList(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(runtime.Options{})
	if err != nil {
		return err
	}
	defer rt.Stop(context.Background())

	domainID := ""
	if len(args) == 1 {
		d, derr := resolveDomain(rt.Store(), args[0])
		if derr != nil {
			return derr
		}
		domainID = d.ID
	}

	protocols, err := rt.Store().ListProtocols(domainID)
	if err != nil {
		return err
	}
	if len(protocols) == 0 {
		fmt.Println("no protocols")
		return nil
	}

	fmt.Printf("%-24s %-8s %-9s %s\n", "NAME", "SCOPE", "ORIGIN", "UPDATED")
	for _, p := range protocols {
		scope := "global"
		if p.DomainID != "" {
			scope = "domain"
		}
		origin := "user"
		if p.BuiltIn {
			origin = "built-in"
		}
		fmt.Printf("%-24s %-8s %-9s %s\n", p.Name, scope, origin, p.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
	return nil
}

func runProtocolShow(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(runtime.Options{})
	if err != nil {
		return err
	}
	defer rt.Stop(context.Background())

	domainID, err := protocolScope(rt.Store())
	if err != nil {
		return err
	}
	p, err := rt.Store().GetProtocol(domainID, args[0])
	if err != nil {
		return err
	}
	fmt.Println(p.Content)
	return nil
}

func runProtocolSet(cmd *cobra.Command, args []string) error {
	name := strings.TrimSpace(args[0])
	if name == "" {
		return fmt.Errorf("protocol name is empty")
	}

	var raw []byte
	var err error
	if protoFile != "" {
		raw, err = os.ReadFile(protoFile)
	} else {
		raw, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return fmt.Errorf("failed to read protocol content: %w", err)
	}
	content := strings.TrimSpace(string(raw))
	if content == "" {
		return fmt.Errorf("protocol content is empty")
	}

	rt, err := openRuntime(runtime.Options{})
	if err != nil {
		return err
	}
	defer rt.Stop(context.Background())

	domainID, err := protocolScope(rt.Store())
	if err != nil {
		return err
	}

	p := &types.Protocol{DomainID: domainID, Name: name, Content: content}
	// Overriding a built-in keeps its marker so list output stays honest.
	if existing, gerr := rt.Store().GetProtocol(domainID, name); gerr == nil {
		p.BuiltIn = existing.BuiltIn
	}
	if err := rt.Store().UpsertProtocol(p); err != nil {
		return err
	}
	fmt.Printf("set protocol %s\n", name)
	return nil
}

func runProtocolRemove(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(runtime.Options{})
	if err != nil {
		return err
	}
	defer rt.Stop(context.Background())

	domainID, err := protocolScope(rt.Store())
	if err != nil {
		return err
	}
	p, err := rt.Store().GetProtocol(domainID, args[0])
	if err != nil {
		return err
	}
	if p.BuiltIn {
		return fmt.Errorf("%q is built-in and would be restored on the next start; override it with 'domainos protocol set' instead", p.Name)
	}
	if err := rt.Store().DeleteProtocol(domainID, p.Name); err != nil {
		return err
	}
	fmt.Printf("removed protocol %s\n", p.Name)
	return nil
}
