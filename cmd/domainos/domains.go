package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/runtime"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/types"
)

var (
	domainName     string
	domainKB       string
	domainProvider string
	domainModel    string
	domainExternal bool
)

var domainCmd = &cobra.Command{
	Use:   "domain",
	Short: "Manage domains",
}

var domainAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a domain and index its knowledge base",
	Long: `Registers a domain pointing at a knowledge base directory. The
directory is created when missing and indexed immediately.

Example:
  domainos domain add --name research --kb ~/kb/research`,
	RunE: runDomainAdd,
}

var domainListCmd = &cobra.Command{
	Use:   "list",
	Short: "List domains",
	RunE:  runDomainList,
}

var domainEditCmd = &cobra.Command{
	Use:   "edit [domain]",
	Short: "Change a domain's provider override or tool access",
	Long: `Updates only the fields whose flags are given. Pass --provider ""
or --model "" to clear an override and fall back to the global
provider settings.`,
	Args: cobra.ExactArgs(1),
	RunE: runDomainEdit,
}

var domainRemoveCmd = &cobra.Command{
	Use:   "remove [domain]",
	Short: "Delete a domain and its index, sessions, and automations",
	Long: `Removes the domain and everything stored for it: the search index,
chat sessions, automations, and run history. The knowledge base files
on disk are left untouched.`,
	Args: cobra.ExactArgs(1),
	RunE: runDomainRemove,
}

func init() {
	domainAddCmd.Flags().StringVar(&domainName, "name", "", "Domain name (required)")
	domainAddCmd.Flags().StringVar(&domainKB, "kb", "", "Knowledge base directory (required)")
	domainAddCmd.Flags().StringVar(&domainProvider, "provider", "", "Per-domain provider override")
	domainAddCmd.Flags().StringVar(&domainModel, "model", "", "Per-domain model override")
	domainAddCmd.Flags().BoolVar(&domainExternal, "allow-external", false, "Permit gmail/gtasks tools in this domain")
	domainAddCmd.MarkFlagRequired("name")
	domainAddCmd.MarkFlagRequired("kb")

	domainEditCmd.Flags().StringVar(&domainName, "name", "", "New domain name")
	domainEditCmd.Flags().StringVar(&domainProvider, "provider", "", "Per-domain provider override")
	domainEditCmd.Flags().StringVar(&domainModel, "model", "", "Per-domain model override")
	domainEditCmd.Flags().BoolVar(&domainExternal, "allow-external", false, "Permit gmail/gtasks tools in this domain")

	domainCmd.AddCommand(domainAddCmd)
	domainCmd.AddCommand(domainListCmd)
	domainCmd.AddCommand(domainEditCmd)
	domainCmd.AddCommand(domainRemoveCmd)
}

func runDomainAdd(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(runtime.Options{})
	if err != nil {
		return err
	}
	defer rt.Stop(context.Background())

	kbPath, err := filepath.Abs(domainKB)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(kbPath, 0o755); err != nil {
		return fmt.Errorf("failed to create KB directory: %w", err)
	}

	d := &types.Domain{
		Name:          domainName,
		KBPath:        kbPath,
		Provider:      domainProvider,
		Model:         domainModel,
		AllowExternal: domainExternal,
	}
	if err := rt.Store().CreateDomain(d); err != nil {
		return err
	}
	fmt.Printf("created domain %s (%s)\n", d.Name, d.ID)

	rt.Indexer().IndexDomain(d.ID, d.KBPath, nil)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	select {
	case <-rt.Indexer().Wait(d.ID):
	case <-ctx.Done():
		rt.Indexer().Cancel(d.ID)
		fmt.Println("initial indexing still running; finish later with: domainos index " + d.Name)
	}
	return nil
}

func runDomainEdit(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(runtime.Options{})
	if err != nil {
		return err
	}
	defer rt.Stop(context.Background())

	d, err := resolveDomain(rt.Store(), args[0])
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("name") {
		if domainName == "" {
			return fmt.Errorf("domain name cannot be empty")
		}
		d.Name = domainName
	}
	if flags.Changed("provider") {
		d.Provider = domainProvider
	}
	if flags.Changed("model") {
		d.Model = domainModel
	}
	if flags.Changed("allow-external") {
		d.AllowExternal = domainExternal
	}

	if err := rt.Store().UpdateDomain(d); err != nil {
		return err
	}
	fmt.Printf("updated %s\n", d.Name)
	return nil
}

func runDomainRemove(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(runtime.Options{})
	if err != nil {
		return err
	}
	defer rt.Stop(context.Background())

	d, err := resolveDomain(rt.Store(), args[0])
	if err != nil {
		return err
	}
	if err := rt.Store().DeleteDomain(d.ID); err != nil {
		return err
	}
	fmt.Printf("removed domain %s (KB files in %s were kept)\n", d.Name, d.KBPath)
	return nil
}

func runDomainList(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(runtime.Options{})
	if err != nil {
		return err
	}
	defer rt.Stop(context.Background())

	domains, err := rt.Store().ListDomains()
	if err != nil {
		return err
	}
	if len(domains) == 0 {
		fmt.Println("no domains")
		return nil
	}

	fmt.Printf("%-20s %-36s %-8s %s\n", "NAME", "ID", "EXTERNAL", "KB")
	for _, d := range domains {
		ext := "no"
		if d.AllowExternal {
			ext = "yes"
		}
		fmt.Printf("%-20s %-36s %-8s %s\n", d.Name, d.ID, ext, d.KBPath)
	}
	return nil
}
