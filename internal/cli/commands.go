package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/matheus3301/sbcache/internal/channel"
	"github.com/matheus3301/sbcache/internal/kv"
	"github.com/matheus3301/sbcache/internal/registry"
	"github.com/spf13/cobra"
)

func newChannelsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "channels",
		Short: "List known channels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withProfile(cmd, opts, func(ctx context.Context, e *env) error {
				chans, err := e.reg.Channels(ctx)
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(chans))
				for _, s := range chans {
					rows = append(rows, []string{strconv.Itoa(s.Order), s.ID, s.Name, s.UserName, s.UpdatedAt.Format(time.RFC3339)})
				}
				return e.out.table(chans, []string{"#", "ID", "NAME", "USER", "UPDATED"}, rows)
			})
		},
	}
}

func newContactsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contacts",
		Short: "List the global contact table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withProfile(cmd, opts, func(ctx context.Context, e *env) error {
				contacts, err := e.reg.Contacts(ctx)
				if err != nil {
					return err
				}
				ids := make([]string, 0, len(contacts))
				for id := range contacts {
					ids = append(ids, id)
				}
				sort.Strings(ids)
				rows := make([][]string, 0, len(ids))
				for _, id := range ids {
					rows = append(rows, []string{contacts[id], id})
				}
				return e.out.table(contacts, []string{"NAME", "KEY"}, rows)
			})
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "rename <contact-id> <name>",
		Short: "Rename a contact everywhere",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProfile(cmd, opts, func(ctx context.Context, e *env) error {
				if err := e.reg.RenameContact(ctx, args[0], args[1]); err != nil {
					return err
				}
				return e.out.line(map[string]string{"id": args[0], "name": args[1]}, "renamed %s", args[1])
			})
		},
	})
	return cmd
}

func newMessagesCommand(opts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "messages <channel-id>",
		Short: "Print the cached history of a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProfile(cmd, opts, func(ctx context.Context, e *env) error {
				rec, err := channel.LoadRecord(ctx, e.db, args[0])
				if err != nil {
					return err
				}
				if rec == nil {
					return fmt.Errorf("%w: %s", registry.ErrNotFound, args[0])
				}
				msgs := rec.Messages
				if limit > 0 && len(msgs) > limit {
					msgs = msgs[len(msgs)-limit:]
				}
				rows := make([][]string, 0, len(msgs))
				for _, m := range msgs {
					when := ""
					if m.CreatedAt > 0 {
						when = time.UnixMilli(m.CreatedAt).Format(time.DateTime)
					}
					sender := m.SenderName
					if sender == "" && m.User != nil {
						sender = m.User.Name
					}
					rows = append(rows, []string{m.ID, when, sender, firstLine(m.Text)})
				}
				return e.out.table(msgs, []string{"ID", "TIME", "FROM", "TEXT"}, rows)
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "only show the last n messages")
	return cmd
}

func newRenameCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <channel-id> <name>",
		Short: "Rename a channel locally",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProfile(cmd, opts, func(ctx context.Context, e *env) error {
				if err := e.reg.RenameChannel(ctx, args[0], args[1]); err != nil {
					return err
				}
				return e.out.line(map[string]string{"id": args[0], "name": args[1]}, "renamed %s to %s", args[0], args[1])
			})
		},
	}
}

func newRemoveCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <channel-id>",
		Short: "Forget a channel and delete its cached history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProfile(cmd, opts, func(ctx context.Context, e *env) error {
				if err := e.reg.Remove(ctx, args[0]); err != nil {
					return err
				}
				return e.out.line(map[string]string{"removed": args[0]}, "removed %s", args[0])
			})
		},
	}
}

func newExportCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Write every channel key as JSON to stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withProfile(cmd, opts, func(ctx context.Context, e *env) error {
				exp, err := e.reg.ExportKeys(ctx)
				if err != nil {
					return err
				}
				return e.out.emitJSON(exp)
			})
		},
	}
}

func newImportCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Import channel keys written by export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var exp registry.KeyExport
			if err := json.Unmarshal(data, &exp); err != nil {
				return fmt.Errorf("decode %s: %w", args[0], err)
			}
			return withProfile(cmd, opts, func(ctx context.Context, e *env) error {
				n, err := e.reg.ImportKeys(ctx, exp)
				if err != nil {
					return err
				}
				return e.out.line(map[string]int{"imported": n}, "imported %d channels", n)
			})
		},
	}
}

func newKeysCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "keys <regex>",
		Short: "List stored keys matching a regular expression",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			re, err := regexp.Compile(args[0])
			if err != nil {
				return err
			}
			return withProfile(cmd, opts, func(ctx context.Context, e *env) error {
				recs, err := e.db.OpenCursor(ctx, re, nil)
				if err != nil {
					return err
				}
				if e.out.json() {
					if recs == nil {
						recs = []kv.Record{}
					}
					return e.out.emitJSON(recs)
				}
				rows := make([][]string, 0, len(recs))
				for _, r := range recs {
					rows = append(rows, []string{r.Key, strconv.Itoa(len(r.Value))})
				}
				return e.out.table(recs, []string{"KEY", "BYTES"}, rows)
			})
		},
	}
}

func newMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Bring the cache layout up to date and show its version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withProfile(cmd, opts, func(ctx context.Context, e *env) error {
				m, err := e.reg.Marker(ctx)
				if err != nil {
					return err
				}
				at := time.UnixMilli(m.Timestamp).UTC().Format(time.RFC3339)
				return e.out.line(m, "layout version %d (since %s)", m.Version, at)
			})
		},
	}
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i] + " …"
		}
	}
	return s
}
