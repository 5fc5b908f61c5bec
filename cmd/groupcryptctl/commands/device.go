package commands

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/opd-ai/groupcrypt/protocol"
)

func initCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the device account, or load an existing one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withSession(cmd, func(ctx context.Context, s *session) error {
				keys := s.device.Keys()
				fmt.Fprintf(cmd.OutOrStdout(), "Device key:   %s\nFallback key: %s\n", keys.DeviceKey, keys.FallbackKey)
				return nil
			})
		},
	}
}

func rotateFallbackCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-fallback",
		Short: "Replace the device's fallback key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withSession(cmd, func(ctx context.Context, s *session) error {
				key, err := s.device.RotateFallbackKey(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Fallback key: %s\n", key)
				return nil
			})
		},
	}
}

func sessionsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions <conversation>",
		Short: "List the sessions held for a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conversationID := args[0]
			return opts.withSession(cmd, func(ctx context.Context, s *session) error {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ALGORITHM\tSESSION\tFIRST INDEX\tTRUST")
				for _, algorithm := range protocol.Algorithms() {
					ids, err := s.crypto.GetGroupSessionIDs(ctx, conversationID, algorithm)
					if err != nil {
						return err
					}
					for _, id := range ids {
						index, trust := "-", "trusted"
						if algorithm == protocol.AlgorithmGroupRatchet {
							rec, err := s.store.InboundSession(ctx, conversationID, id)
							if err != nil {
								return err
							}
							index = strconv.FormatUint(uint64(rec.FirstKnownIndex), 10)
							if rec.Untrusted {
								trust = "untrusted"
							}
						}
						fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", algorithm, id, index, trust)
					}
				}
				return w.Flush()
			})
		},
	}
}
