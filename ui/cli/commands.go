// Copyright (c) 2026 Gatekeeper Team
// Gatekeeper - access allowlist cache
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/toeirei/gatekeeper/internal/config"
	"github.com/toeirei/gatekeeper/internal/gate"
	"github.com/toeirei/gatekeeper/internal/i18n"
	"github.com/toeirei/gatekeeper/internal/syncer"
	"golang.org/x/term"
)

// newInitCmd represents the 'init' command.
// It prepares the data directory and an empty allowlist, and writes a config
// file on first run.
func newInitCmd() *cobra.Command {
	var writeConfig, system bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Prepare the data directory and write a default config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if writeConfig || !configFound {
				path, err := config.WriteConfigFile(&appConfig, system)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, i18n.T("init.config_written", path))
			}

			svc, err := openServices(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()
			st := svc.store.Status()
			fmt.Fprintln(out, successStyle.Render(i18n.T("init.done", st.Path, st.Version, st.Count, st.Capacity)))
			return nil
		},
	}
	cmd.Flags().BoolVar(&writeConfig, "write-config", false, "Write the config file even if one exists")
	cmd.Flags().BoolVar(&system, "system", false, "Write the system-wide config file instead of the user one")
	return cmd
}

// newStatusCmd represents the 'status' command.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the live allowlist and the last sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openServices(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()

			out := cmd.OutOrStdout()
			st := svc.store.Status()
			fmt.Fprintln(out, titleStyle.Render(i18n.T("status.title")))
			fmt.Fprintln(out, field(i18n.T("status.path"), st.Path))
			fmt.Fprintln(out, field(i18n.T("status.version"), st.Version))
			fmt.Fprintln(out, field(i18n.T("status.records"), fmt.Sprintf("%d / %d", st.Count, st.Capacity)))

			last := i18n.T("status.never")
			if svc.journal != nil {
				if entries, err := svc.journal.List(cmd.Context(), 1); err == nil && len(entries) > 0 {
					e := entries[0]
					last = fmt.Sprintf("%s %s", e.StartedAt.Local().Format(time.DateTime), e.State)
				}
			}
			fmt.Fprintln(out, field(i18n.T("status.last_sync"), last))
			return nil
		},
	}
}

// newSyncCmd represents the 'sync' command.
func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Refresh the allowlist from the remote authority",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if appConfig.Sync.URL == "" {
				return errors.New(i18n.T("config.no_url"))
			}
			svc, err := openServices(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()

			o := svc.store.SyncOutcome(cmd.Context())
			fmt.Fprintln(cmd.OutOrStdout(), describeOutcome(o))
			if !o.OK() {
				return fmt.Errorf("sync %s", o.State)
			}
			return nil
		},
	}
}

func describeOutcome(o syncer.Outcome) string {
	switch {
	case o.State == syncer.UpToDate:
		return successStyle.Render(i18n.T("sync.up_to_date", o.Version))
	case o.OK():
		return successStyle.Render(i18n.T("sync.committed", o.Version, o.Records, o.BytesReceived))
	case o.State == syncer.Done:
		return warnStyle.Render(i18n.T("sync.rejected", o.RemoteVersion, o.Version, o.Err))
	default:
		return errorStyle.Render(i18n.T("sync.failed", o.Version, o.Err))
	}
}

// credentialKey turns user input into an allowlist key. With hashUID the
// input is a hex UID, optionally colon separated.
func credentialKey(input string, hashUID bool) (string, error) {
	if !hashUID {
		return input, nil
	}
	raw, err := hex.DecodeString(strings.ReplaceAll(input, ":", ""))
	if err != nil {
		return "", errors.New(i18n.T("run.bad_uid", err))
	}
	return gate.HashUID(raw), nil
}

type offline struct{}

func (offline) Online(context.Context) bool { return false }

// newGate connects a gate to the store, probing the host of the sync URL.
func newGate(svc *services) *gate.Gate {
	g := &gate.Gate{Store: svc.store, Link: offline{}}
	if appConfig.Sync.URL == "" {
		return g
	}
	probe, err := gate.ProbeFor(appConfig.Sync.URL, 3*time.Second)
	if err == nil {
		g.Link = probe
	}
	return g
}

// newCheckCmd represents the 'check' command.
// It exits non-zero if any credential is denied.
func newCheckCmd() *cobra.Command {
	var hashUID, syncOnMiss bool
	cmd := &cobra.Command{
		Use:   "check <key|uid>...",
		Short: "Look up credentials in the allowlist",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openServices(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()
			g := newGate(svc)

			out := cmd.OutOrStdout()
			denied := 0
			for _, arg := range args {
				key, err := credentialKey(arg, hashUID)
				if err != nil {
					return err
				}
				ok := svc.store.Contains(key)
				if !ok && syncOnMiss {
					ok = g.Admit(cmd.Context(), key) == gate.Granted
				}
				if ok {
					fmt.Fprintf(out, "%s  %s\n", arg, grantedStyle.Render(i18n.T("check.granted")))
				} else {
					denied++
					fmt.Fprintf(out, "%s  %s\n", arg, deniedStyle.Render(i18n.T("check.denied")))
				}
			}
			if denied > 0 {
				return errors.New(i18n.T("check.some_denied", denied, len(args)))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&hashUID, "hash-uid", false, "Treat arguments as hex credential UIDs and hash them")
	cmd.Flags().BoolVar(&syncOnMiss, "sync-on-miss", false, "Sync once and retry when a credential is unknown")
	return cmd
}

// newRunCmd represents the 'run' command.
// It emulates the access point loop: sync at boot, then admit every
// credential read from standard input, syncing once on a miss.
func newRunCmd() *cobra.Command {
	var hashUID bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Admit credentials read from standard input",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			svc, err := openServices(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()
			g := newGate(svc)

			out := cmd.OutOrStdout()
			if !g.Boot(ctx) {
				fmt.Fprintln(out, warnStyle.Render(i18n.T("run.offline")))
			}
			return admitLoop(ctx, g, cmd.InOrStdin(), out, hashUID)
		},
	}
	cmd.Flags().BoolVar(&hashUID, "hash-uid", false, "Treat input lines as hex credential UIDs and hash them")
	return cmd
}

func admitLoop(ctx context.Context, g *gate.Gate, in io.Reader, out io.Writer, hashUID bool) error {
	interactive := false
	if f, ok := in.(*os.File); ok {
		interactive = term.IsTerminal(int(f.Fd()))
	}
	prompt := func() {
		if interactive {
			fmt.Fprint(out, helpStyle.Render(i18n.T("run.prompt")))
		}
	}

	sc := bufio.NewScanner(in)
	prompt()
	for sc.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			prompt()
			continue
		}
		key, err := credentialKey(line, hashUID)
		if err != nil {
			fmt.Fprintln(out, errorStyle.Render(err.Error()))
			prompt()
			continue
		}
		if g.Admit(ctx, key) == gate.Granted {
			fmt.Fprintf(out, "%s  %s\n", line, grantedStyle.Render(strings.ToUpper(i18n.T("check.granted"))))
		} else {
			fmt.Fprintf(out, "%s  %s\n", line, deniedStyle.Render(strings.ToUpper(i18n.T("check.denied"))))
		}
		prompt()
	}
	return sc.Err()
}

// newExportCmd represents the 'export' command.
// It writes a zstd compressed snapshot of the live allowlist.
func newExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export [output-file]",
		Short: "Write a compressed (zstd) snapshot of the allowlist",
		Long: `Writes the live allowlist and its version into a single Zstandard-compressed file.

If an output file is specified, '.zst' will be appended to the name if it's not already present.
Use '-' to write to standard output.
If no output file is specified, a default filename 'gatekeeper-snapshot-YYYY-MM-DD.zst' is used.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outputFile := fmt.Sprintf("gatekeeper-snapshot-%s.zst", time.Now().Format("2006-01-02"))
			if len(args) > 0 {
				outputFile = args[0]
				if outputFile != "-" && !strings.HasSuffix(outputFile, ".zst") {
					outputFile += ".zst"
				}
			}

			svc, err := openServices(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()
			st := svc.store.Status()

			if outputFile == "-" {
				return svc.store.Export(cmd.OutOrStdout())
			}
			file, err := os.Create(outputFile)
			if err != nil {
				return fmt.Errorf("could not create file: %w", err)
			}
			if err := svc.store.Export(file); err != nil {
				_ = file.Close()
				_ = os.Remove(outputFile)
				return err
			}
			if err := file.Close(); err != nil {
				return fmt.Errorf("could not write %s: %w", outputFile, err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render(i18n.T("export.done", st.Count, st.Version, outputFile)))
			return nil
		},
	}
}

// newRestoreCmd represents the 'restore' command.
// The snapshot is validated like a remote update before it replaces the
// live allowlist.
func newRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <snapshot-file>",
		Short: "Replace the allowlist with a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("could not open file: %w", err)
			}
			defer func() { _ = file.Close() }()

			svc, err := openServices(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()

			o, err := svc.store.Restore(cmd.Context(), file)
			if err != nil {
				fmt.Fprintln(cmd.OutOrStdout(), errorStyle.Render(i18n.T("restore.failed", svc.store.Status().Version, err)))
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render(i18n.T("restore.done", o.Version, o.Records)))
			return nil
		},
	}
}

// newHistoryCmd represents the 'history' command.
func newHistoryCmd() *cobra.Command {
	var limit, prune int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded sync attempts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			j, err := openJournal(cmd.Context(), &appConfig)
			if err != nil {
				return err
			}
			if j == nil {
				fmt.Fprintln(out, helpStyle.Render(i18n.T("history.disabled")))
				return nil
			}
			defer func() { _ = j.Close() }()

			if prune >= 0 {
				n, err := j.Prune(cmd.Context(), prune)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, i18n.T("history.pruned", n))
			}

			entries, err := j.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(out, helpStyle.Render(i18n.T("history.empty")))
				return nil
			}
			for _, e := range entries {
				state := successStyle.Render(e.State)
				switch {
				case e.State == syncer.Failed.String():
					state = errorStyle.Render(e.State)
				case e.State == syncer.Done.String() && !e.Committed:
					state = warnStyle.Render("rejected")
				}
				line := fmt.Sprintf("%s  %-8s %-12s %-32s %5d rec %7d B",
					e.StartedAt.Local().Format(time.DateTime), e.Source, state, e.Version, e.Records, e.BytesReceived)
				if e.Error != "" {
					line += "  " + helpStyle.Render(e.Error)
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of entries to show (0 for all)")
	cmd.Flags().IntVar(&prune, "prune", -1, "Delete all but the newest N entries first")
	return cmd
}
