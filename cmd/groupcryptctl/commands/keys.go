package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/opd-ai/groupcrypt/groupcrypto"
	"github.com/opd-ai/groupcrypt/protocol"
)

func exportCmd(opts *options) *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export every held session as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withSession(cmd, func(ctx context.Context, s *session) error {
				sessions, err := s.crypto.ExportRoomKeys(ctx)
				if err != nil {
					return err
				}
				if sessions == nil {
					sessions = []protocol.GroupEncryptionSession{}
				}

				var w io.Writer = cmd.OutOrStdout()
				if outPath != "" {
					f, err := os.OpenFile(outPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
					if err != nil {
						return fmt.Errorf("failed to create export file: %w", err)
					}
					defer f.Close()
					w = f
				}

				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				if err := enc.Encode(sessions); err != nil {
					return fmt.Errorf("failed to write export: %w", err)
				}
				if outPath != "" {
					fmt.Fprintf(cmd.ErrOrStderr(), "Exported %d sessions to %s\n", len(sessions), outPath)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "write to file instead of stdout")
	return cmd
}

func importCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Import sessions from an export; they are marked untrusted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read export: %w", err)
			}
			var sessions []protocol.GroupEncryptionSession
			if err := json.Unmarshal(data, &sessions); err != nil {
				return fmt.Errorf("failed to parse export: %w", err)
			}

			return opts.withSession(cmd, func(ctx context.Context, s *session) error {
				progress := func(p groupcrypto.ImportProgress) {
					fmt.Fprintf(cmd.ErrOrStderr(), "\r%d/%d imported, %d failed", p.Successes, p.Total, p.Failures)
				}
				summary := s.crypto.ImportRoomKeys(ctx, sessions, progress)
				if summary.Total > 0 {
					fmt.Fprintln(cmd.ErrOrStderr())
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Imported %d of %d sessions\n", summary.Successes, summary.Total)
				return summary.Err()
			})
		},
	}
}
