package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scrypster/mnemo/internal/engine"
	"github.com/scrypster/mnemo/internal/notify"
	"github.com/scrypster/mnemo/internal/storage"
	"github.com/scrypster/mnemo/pkg/types"
)

// withApp opens the engine for a one-shot command and closes it afterwards.
// Committed changes are written for a running server to pick up.
func (c *cli) withApp(fn func(a *app) error) error {
	a, err := newApp(c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer a.Close()

	changes := notify.NewWriter(c.cfg.Storage.DataPath)
	a.engine.OnChange(func(ch engine.Change) {
		if err := changes.Write(ch); err != nil {
			c.logger.Warn("failed to write change notification", zap.Error(err))
		}
	})
	return fn(a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newIngestCmd(c *cli) *cobra.Command {
	var (
		userID   string
		threadID string
		role     string
		texts    []string
		file     string
	)
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest turns synchronously",
		Long: `Ingest one batch of turns. Either pass --text once per turn, or --file
with a JSON turn batch ("-" reads stdin). Turns already processed for the
thread are discarded.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			batch, err := readBatch(cmd.InOrStdin(), file, threadID, userID, types.Role(role), texts)
			if err != nil {
				return err
			}
			return c.withApp(func(a *app) error {
				result, err := a.engine.Ingest(cmd.Context(), batch)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&threadID, "thread", "", "thread id")
	cmd.Flags().StringVar(&role, "role", string(types.RoleUser), "role of --text turns")
	cmd.Flags().StringArrayVar(&texts, "text", nil, "turn text (repeatable)")
	cmd.Flags().StringVar(&file, "file", "", "JSON turn batch file, or - for stdin")
	return cmd
}

// readBatch builds a batch from a JSON file or from --text flags. Flags
// fill in thread and user ids the file leaves empty.
func readBatch(stdin io.Reader, file, threadID, userID string, role types.Role, texts []string) (types.TurnBatch, error) {
	var batch types.TurnBatch
	switch {
	case file != "":
		var r io.Reader = stdin
		if file != "-" {
			f, err := os.Open(file)
			if err != nil {
				return batch, fmt.Errorf("failed to open batch file: %w", err)
			}
			defer f.Close()
			r = f
		}
		if err := json.NewDecoder(r).Decode(&batch); err != nil {
			return batch, fmt.Errorf("failed to decode batch: %w", err)
		}
	case len(texts) > 0:
		now := time.Now().UTC()
		for i, text := range texts {
			batch.Turns = append(batch.Turns, types.Turn{
				TurnID:    fmt.Sprintf("cli-%d-%d", now.UnixNano(), i),
				Role:      role,
				Text:      text,
				Timestamp: now,
				Sequence:  int64(i),
			})
		}
	default:
		return batch, fmt.Errorf("%w: either --text or --file is required", storage.ErrInvalidInput)
	}
	if batch.ThreadID == "" {
		batch.ThreadID = threadID
	}
	if batch.UserID == "" {
		batch.UserID = userID
	}
	return batch, nil
}

func newRetrieveCmd(c *cli) *cobra.Command {
	var (
		k        int
		degraded bool
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "retrieve <user-id> [query]",
		Short: "Print the merged memory context for a query",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := ""
			if len(args) == 2 {
				query = args[1]
			}
			return c.withApp(func(a *app) error {
				result, err := a.engine.Retrieve(cmd.Context(), args[0], query, k, engine.RetrieveOptions{AllowDegraded: degraded})
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), result)
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), result.Render())
				return err
			})
		},
	}
	cmd.Flags().IntVarP(&k, "top-k", "k", 0, "number of event memories (0 uses the configured default)")
	cmd.Flags().BoolVar(&degraded, "degraded", false, "return schema memory alone when the event store is down")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of the rendered context")
	return cmd
}

func newProfileCmd(c *cli) *cobra.Command {
	var (
		history bool
		page    int
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "profile <user-id>",
		Short: "Print a user's schema memory or its revision history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(func(a *app) error {
				if history {
					revs, err := a.engine.ProfileHistory(cmd.Context(), args[0], storage.ListOptions{Page: page, Limit: limit})
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), revs.Items)
				}
				mem, err := a.engine.Profile(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), mem)
			})
		},
	}
	cmd.Flags().BoolVar(&history, "history", false, "list revisions, newest first")
	cmd.Flags().IntVar(&page, "page", 1, "history page")
	cmd.Flags().IntVar(&limit, "limit", 20, "history page size")
	return cmd
}

func newConsolidateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "consolidate <user-id>",
		Short: "Fold near-duplicate event memories of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(func(a *app) error {
				result, err := a.engine.Consolidate(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
}
