package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nidhogg/nuka-skills/internal/skill"
)

type options struct {
	server string
	tenant string
	user   string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "skillctl",
		Short:         "Inspect and drive the skill hub",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.tenant == "" {
				return fmt.Errorf("--tenant is required")
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&opts.server, "server", "http://localhost:3210", "Skill hub server URL")
	cmd.PersistentFlags().StringVar(&opts.tenant, "tenant", "", "Tenant ID sent as X-Tenant-ID")
	cmd.PersistentFlags().StringVar(&opts.user, "user", "skillctl", "Actor sent as X-User-ID")

	cmd.AddCommand(
		newCatalogCmd(opts),
		newReconcileCmd(opts),
		newMountsCmd(opts),
		newParseCmd(opts),
	)
	return cmd
}

func (o *options) client() *client {
	return newClient(o.server, o.tenant, o.user)
}

func newCatalogCmd(opts *options) *cobra.Command {
	var agentScope, capability string
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Show the resolved skill catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if agentScope != "" {
				q.Set("agentScope", agentScope)
			}
			if capability != "" {
				q.Set("capability", capability)
			}
			path := "/api/skills/catalog"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			var cat skill.Catalog
			if err := opts.client().do(cmd.Context(), "GET", path, nil, &cat); err != nil {
				return err
			}
			return printCatalog(cmd.OutOrStdout(), &cat)
		},
	}
	cmd.Flags().StringVar(&agentScope, "agent-scope", "", "Agent scope to resolve for")
	cmd.Flags().StringVar(&capability, "capability", "", "Capability scope to resolve for")
	return cmd
}

func printCatalog(w io.Writer, cat *skill.Catalog) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tVERSION\tSOURCE\tACTIONS\tNAME")
	for _, it := range cat.Items {
		ops := make([]string, len(it.Actions))
		for i, a := range it.Actions {
			ops[i] = a.Operation
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", it.Key, it.Version, it.Source, strings.Join(ops, ","), it.DisplayName)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, warn := range cat.Warnings {
		fmt.Fprintln(w, "warning:", warn)
	}
	return nil
}

func newReconcileCmd(opts *options) *cobra.Command {
	var agentScope, engine, capability string
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile the runtime mount for a scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"agentScope": agentScope, "engine": engine, "capability": capability}
			var res map[string]any
			if err := opts.client().do(cmd.Context(), "POST", "/api/skills/runtime/reconcile", body, &res); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&agentScope, "agent-scope", "", "Agent scope (defaults to the tenant)")
	cmd.Flags().StringVar(&engine, "engine", "", "Runtime engine: local or openclaw")
	cmd.Flags().StringVar(&capability, "capability", "", "Capability scope")
	return cmd
}

func newMountsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "mounts",
		Short: "List runtime mounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			var res struct {
				Mounts []skill.Mount `json:"mounts"`
			}
			if err := opts.client().do(cmd.Context(), "GET", "/api/skills/runtime/mounts", nil, &res); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ENGINE\tSCOPE\tSTATUS\tAPPLIED\tDEGRADED\tUPDATED")
			for _, m := range res.Mounts {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\n",
					m.Engine, m.AgentScope, m.Status, shortHash(m.AppliedHash), m.Details.Degraded,
					m.UpdatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
}

func newParseCmd(opts *options) *cobra.Command {
	var agentScope string
	cmd := &cobra.Command{
		Use:   "parse <text>",
		Short: "Debug-parse an input against the tenant catalog",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"text": strings.Join(args, " "), "agentScope": agentScope}
			var res map[string]any
			if err := opts.client().do(cmd.Context(), "POST", "/api/skills/parse-debug", body, &res); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&agentScope, "agent-scope", "", "Agent scope to resolve the catalog for")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	if h == "" {
		return "-"
	}
	return h
}
