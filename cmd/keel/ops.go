package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"github.com/quorumgrid/keel"
	"github.com/quorumgrid/keel/consistency"
	"github.com/quorumgrid/keel/storage"
)

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

func newListCommand(baseLogger pslog.Logger) *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:     "ls [prefix]",
		Aliases: []string{"list"},
		Short:   "List objects in the store, optionally below a prefix",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			kit, err := openKit(baseLogger, "cli.ls", false)
			if err != nil {
				return err
			}
			defer kit.Close()

			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			out := cmd.OutOrStdout()
			opts := storage.ListOptions{Prefix: prefix}
			for {
				page, err := kit.Backend.List(cmd.Context(), opts)
				if err != nil {
					return err
				}
				for _, obj := range page.Objects {
					if long {
						fmt.Fprintf(out, "%8s  %s  %s  %s\n",
							humanizeBytes(obj.Size),
							obj.LastModified.Format("2006-01-02 15:04:05"),
							obj.ETag,
							obj.Key,
						)
						continue
					}
					fmt.Fprintln(out, obj.Key)
				}
				if !page.Truncated {
					return nil
				}
				opts.StartAfter = page.NextStartAfter
			}
		},
	}
	cmd.Flags().BoolVarP(&long, "long", "l", false, "include size, modification time, and etag")
	return cmd
}

func newGetCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Fetch an object and write it to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			kit, err := openKit(baseLogger, "cli.get", false)
			if err != nil {
				return err
			}
			defer kit.Close()

			result, err := kit.Backend.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer result.Reader.Close()
			_, err = io.Copy(cmd.OutOrStdout(), result.Reader)
			return err
		},
	}
	return cmd
}

func newPutCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put <key> [file]",
		Short: "Store a JSON document, reading from a file or stdin",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			payload, err := readPayload(cmd, args)
			if err != nil {
				return err
			}
			if !json.Valid(payload) {
				return fmt.Errorf("payload for %q is not valid JSON", args[0])
			}
			kit, err := openKit(baseLogger, "cli.put", false)
			if err != nil {
				return err
			}
			defer kit.Close()
			return kit.Store.Save(cmd.Context(), args[0], json.RawMessage(payload))
		},
	}
	return cmd
}

func readPayload(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 2 && args[1] != "-" {
		return os.ReadFile(args[1])
	}
	return io.ReadAll(cmd.InOrStdin())
}

func newRemoveCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "rm <key>",
		Aliases: []string{"delete"},
		Short:   "Delete a document (no error when absent)",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			kit, err := openKit(baseLogger, "cli.rm", false)
			if err != nil {
				return err
			}
			defer kit.Close()
			return kit.Store.Delete(cmd.Context(), args[0])
		},
	}
	return cmd
}

func newValidateCommand(baseLogger pslog.Logger) *cobra.Command {
	var strict bool
	var repair bool
	cmd := &cobra.Command{
		Use:   "validate [file]",
		Short: "Run consistency checks over a state snapshot (file or stdin)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			var payload []byte
			var err error
			if len(args) == 1 && args[0] != "-" {
				payload, err = os.ReadFile(args[0])
			} else {
				payload, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return err
			}
			var state consistency.State
			if err := json.Unmarshal(payload, &state); err != nil {
				return fmt.Errorf("decode state snapshot: %w", err)
			}

			checker := consistency.New(
				consistency.Config{StrictMode: strict, AutoRepair: repair},
				consistency.WithLogger(cliLogger(baseLogger, "cli.validate")),
			)
			report := checker.GenerateReport(&state)

			out := cmd.OutOrStdout()
			for name, issues := range report.Checks {
				for _, issue := range issues {
					fmt.Fprintf(out, "%s  %s: %s\n", issue.Severity, name, issue.Message)
				}
			}
			for _, r := range report.Repairs {
				fmt.Fprintf(out, "repaired  %s.%s: %v -> %v\n", r.Collection, r.Field, r.Before, r.After)
			}
			if !report.Valid {
				return fmt.Errorf("state snapshot failed %d consistency check(s)", len(report.Issues))
			}
			fmt.Fprintln(out, "ok")
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "treat every finding as fatal and disable repairs")
	cmd.Flags().BoolVar(&repair, "repair", false, "repair fixable findings, e.g. stale cached counts")
	return cmd
}

func newJournalCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "List incomplete operations recorded in the store journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			kit, err := openKit(baseLogger, "cli.journal", true)
			if err != nil {
				return err
			}
			defer kit.Close()

			if err := kit.Recovery.LoadJournal(cmd.Context()); err != nil {
				return err
			}
			records := kit.Recovery.IncompleteOperations()
			out := cmd.OutOrStdout()
			if len(records) == 0 {
				fmt.Fprintln(out, "no incomplete operations")
				return nil
			}
			for _, rec := range records {
				fmt.Fprintf(out, "%s  %-12s  started %s\n", rec.ID, rec.Type, humanize.Time(rec.StartedAt))
			}
			return nil
		},
	}
	return cmd
}

func newVersionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the keel version",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", keel.ModulePath(), keel.Version())
			return err
		},
	}
	return cmd
}
