package main

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"agentrelay/internal/config"
	"agentrelay/internal/memory"

	"github.com/spf13/cobra"
)

// Archive member names. Restore maps each back to the path the current
// config points at.
const (
	memberDB     = "agentrelay.db"
	memberConfig = "config"
	memberAgents = "agents.yaml"
)

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive the database, config and agent catalogue",
		Long: `Writes a .tar.gz archive with a consistent snapshot of the SQLite
database, the config file and the agent catalogue (if configured). Safe to
run while the server is up.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if outputPath == "" {
				dir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				outputPath = filepath.Join(dir, fmt.Sprintf("agentrelay-%s.tar.gz", time.Now().Format("20060102-150405")))
			}

			tmp, err := os.MkdirTemp("", "agentrelay-backup-")
			if err != nil {
				return err
			}
			defer os.RemoveAll(tmp)

			store, err := memory.NewSQLiteStore(cfg.Store.DBPath, logger)
			if err != nil {
				return fmt.Errorf("memory store: %w", err)
			}
			snapshot := filepath.Join(tmp, memberDB)
			err = store.Snapshot(cmd.Context(), snapshot)
			store.Close()
			if err != nil {
				return err
			}

			members := map[string]string{memberDB: snapshot, memberConfig: cfgPath}
			if cfg.Store.AgentsFile != "" {
				if _, err := os.Stat(cfg.Store.AgentsFile); err == nil {
					members[memberAgents] = cfg.Store.AgentsFile
				}
			}
			if err := writeArchive(outputPath, members); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			fmt.Printf("Backup created: %s\n", outputPath)
			for name, src := range members {
				fmt.Printf("  - %s (%s)\n", name, src)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "archive path (default: ~/.agentrelay/backups/agentrelay-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore <file.tar.gz>",
		Short: "Restore the database, config and agent catalogue from a backup",
		Long: `Restores an archive created by 'agentrelay backup'. Stop the server
first. Existing files are only overwritten with --force.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg := config.Defaults()
			if loaded, err := config.Load(cfgPath); err == nil {
				cfg = loaded
			}
			targets := map[string]string{
				memberDB:     config.ExpandPath(cfg.Store.DBPath),
				memberConfig: cfgPath,
				memberAgents: cfg.Store.AgentsFile,
			}

			if !force {
				for _, p := range targets {
					if p == "" {
						continue
					}
					if _, err := os.Stat(p); err == nil {
						return fmt.Errorf("%s exists; restore aborted (use --force to overwrite)", p)
					}
				}
			}

			restored, err := extractArchive(args[0], targets)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}
			// A restored database must not be mixed with a stale WAL.
			for _, suffix := range []string{"-wal", "-shm"} {
				_ = os.Remove(targets[memberDB] + suffix)
			}

			fmt.Printf("Restored from %s:\n", args[0])
			for _, f := range restored {
				fmt.Printf("  - %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	return cmd
}

func writeArchive(outputPath string, members map[string]string) error {
	out, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)
	for name, src := range members {
		if err := addFile(tw, name, src); err != nil {
			return fmt.Errorf("add %s: %w", src, err)
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	return out.Close()
}

func addFile(tw *tar.Writer, name, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

// extractArchive writes known members to their target paths. Unknown
// members and members without a target are skipped.
func extractArchive(archivePath string, targets map[string]string) ([]string, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var restored []string
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return restored, nil
		}
		if err != nil {
			return nil, err
		}
		target := targets[hdr.Name]
		if target == "" {
			logger.Warn("backup member skipped", "name", hdr.Name)
			continue
		}
		if err := writeFile(target, tr, hdr.FileInfo().Mode().Perm()); err != nil {
			return nil, fmt.Errorf("extract %s: %w", hdr.Name, err)
		}
		restored = append(restored, target)
	}
}

func writeFile(path string, r io.Reader, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
