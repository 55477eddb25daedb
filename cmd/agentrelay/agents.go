package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"agentrelay/internal/config"
	"agentrelay/internal/domain"
	"agentrelay/internal/memory"

	"github.com/spf13/cobra"
)

func agentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Manage the agent catalogue",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "import [file.yaml]",
		Short: "Upsert agents from a YAML catalogue (default: store.agentsFile)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			path := cfg.Store.AgentsFile
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return fmt.Errorf("no catalogue given and store.agentsFile is not set")
			}

			store, err := memory.NewSQLiteStore(cfg.Store.DBPath, logger)
			if err != nil {
				return fmt.Errorf("memory store: %w", err)
			}
			defer store.Close()

			n, err := store.ImportAgents(cmd.Context(), path)
			if err != nil {
				return err
			}
			fmt.Printf("Imported %d agent(s) from %s\n", n, path)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			store, err := memory.NewSQLiteStore(cfg.Store.DBPath, logger)
			if err != nil {
				return fmt.Errorf("memory store: %w", err)
			}
			defer store.Close()

			agents, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(agents) == 0 {
				fmt.Println("No agents. Run 'agentrelay agents import <file.yaml>'.")
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tROLE\tMODEL\tSTATUS\tCHANNELS\tLAST ERROR")
			for _, a := range agents {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					a.ID, a.Name, a.Role, a.Model, a.Status, channelList(a), a.LastError)
			}
			return tw.Flush()
		},
	})

	return cmd
}

func channelList(a domain.Agent) string {
	if len(a.Channels) == 0 {
		return "all"
	}
	var out []string
	for ch, s := range a.Channels {
		if s.Enabled {
			out = append(out, string(ch))
		}
	}
	sort.Strings(out)
	if len(out) == 0 {
		return "none"
	}
	return strings.Join(out, ",")
}
