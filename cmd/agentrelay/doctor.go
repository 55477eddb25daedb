package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"agentrelay/internal/channel"
	"agentrelay/internal/completion"
	"agentrelay/internal/config"
	"agentrelay/internal/memory"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// checkHealth is satisfied by every component with a connection test.
type checkHealth interface {
	Healthy(ctx context.Context) error
}

type doctorReport struct {
	passed, warned, failed int
}

func (r *doctorReport) pass(check, detail string) {
	r.passed++
	fmt.Printf("  %s %-22s %s\n", color.GreenString("[PASS]"), check, detail)
}

func (r *doctorReport) warn(check, detail string) {
	r.warned++
	fmt.Printf("  %s %-22s %s\n", color.YellowString("[WARN]"), check, detail)
}

func (r *doctorReport) fail(check, detail string) {
	r.failed++
	fmt.Printf("  %s %-22s %s\n", color.New(color.FgRed, color.Bold).Sprint("[FAIL]"), check, detail)
}

func (r *doctorReport) probe(ctx context.Context, check string, h checkHealth, ok string) {
	if err := h.Healthy(ctx); err != nil {
		r.fail(check, err.Error())
		return
	}
	r.pass(check, ok)
}

func doctorCmd() *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on the agentrelay setup",
		Long: `Verifies the configuration, database, agent catalogue, completion backend
and enabled channels. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			color.New(color.FgCyan, color.Bold).Printf("agentrelay doctor v%s\n\n", version)
			r := &doctorReport{}

			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'agentrelay init' to create a default configuration.\n")
				return fmt.Errorf("config file missing")
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				return fmt.Errorf("config invalid")
			}
			r.pass("Config validation", "valid")

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			store, err := memory.NewSQLiteStore(cfg.Store.DBPath, logger)
			if err != nil {
				r.fail("Database", err.Error())
			} else {
				defer store.Close()
				r.probe(ctx, "Database", pinger{store}, cfg.Store.DBPath)
				if st, err := store.Stats(ctx); err == nil && st.Agents == 0 && cfg.Store.AgentsFile == "" {
					r.warn("Agents", "none stored and store.agentsFile is not set")
				}
			}

			if cfg.Store.AgentsFile != "" {
				if agents, err := memory.LoadAgentCatalog(cfg.Store.AgentsFile); err != nil {
					r.fail("Agent catalogue", err.Error())
				} else {
					r.pass("Agent catalogue", fmt.Sprintf("%d agent(s) in %s", len(agents), cfg.Store.AgentsFile))
				}
			}

			if cfg.Server.AdminToken == "" {
				r.warn("Admin token", "not set; admin endpoints refuse every request")
			} else {
				r.pass("Admin token", "configured")
			}
			if err := checkPort(cfg.Server.Host, cfg.Server.Port); err != nil {
				r.warn("Server port", fmt.Sprintf("port %d may be in use: %v", cfg.Server.Port, err))
			} else {
				r.pass("Server port", fmt.Sprintf("%s:%d available", cfg.Server.Host, cfg.Server.Port))
			}

			svc, err := completion.NewService(cfg.Completion, logger)
			switch {
			case err != nil:
				r.fail("Completion", err.Error())
			case offline:
				r.pass("Completion", svc.Name()+" configured")
			default:
				r.probe(ctx, "Completion", svc, svc.Name()+" reachable")
			}

			checkChannels(ctx, r, cfg.Channels, offline)

			fmt.Printf("\nResults: %s passed, %s warnings, %s failed\n",
				color.GreenString("%d", r.passed), color.YellowString("%d", r.warned), color.RedString("%d", r.failed))
			if r.failed > 0 {
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "skip checks that call remote APIs")
	return cmd
}

func checkChannels(ctx context.Context, r *doctorReport, c config.ChannelsConfig, offline bool) {
	if !c.Telegram.Enabled && !c.WhatsApp.Enabled && !c.Marketplace.Enabled {
		r.warn("Channels", "no channel enabled")
		return
	}
	if c.Telegram.Enabled {
		if offline {
			r.pass("Telegram", "configured ("+c.Telegram.Mode+")")
		} else {
			tg := channel.NewTelegram(channel.TelegramChannelConfig{Config: c.Telegram, Logger: logger})
			r.probe(ctx, "Telegram", tg, "bot token accepted")
		}
		if c.Telegram.Mode == "webhook" && c.Telegram.SecretToken == "" {
			r.fail("Telegram webhook", "secretToken is required in webhook mode")
		}
	}
	if c.WhatsApp.Enabled {
		if offline {
			r.pass("WhatsApp", "configured")
		} else {
			wa := channel.NewWhatsApp(channel.WhatsAppChannelConfig{Config: c.WhatsApp, Logger: logger})
			r.probe(ctx, "WhatsApp", wa, "phone number "+c.WhatsApp.PhoneNumberID+" reachable")
		}
		if c.WhatsApp.AppSecret == "" {
			r.warn("WhatsApp signature", "appSecret not set; payload signatures are not checked")
		}
	}
	if c.Marketplace.Enabled {
		if c.Marketplace.NotifyURL == "" {
			r.fail("Marketplace", "notifyUrl is required to deliver replies")
		} else {
			r.pass("Marketplace", c.Marketplace.NotifyURL)
		}
	}
}

type pinger struct{ store *memory.SQLiteStore }

func (p pinger) Healthy(ctx context.Context) error { return p.store.Ping(ctx) }

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return err
	}
	return ln.Close()
}
