package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/runchat/internal/config"
	"github.com/opencode-ai/runchat/internal/session"
	"github.com/opencode-ai/runchat/internal/storage"
	"github.com/opencode-ai/runchat/pkg/types"
)

var (
	sessionsJSON  bool
	sessionsClear bool
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List saved chat sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := storage.NewOS(config.GetPaths().StoragePath())
		if sessionsClear {
			if err := clearRecords(cmd.Context(), store); err != nil {
				return err
			}
			fmt.Println(dimColor.Sprint("Saved sessions cleared."))
			return nil
		}
		records, err := loadRecords(cmd.Context(), store)
		if err != nil {
			return err
		}
		if sessionsJSON {
			return printJSON(records)
		}
		if len(records) == 0 {
			fmt.Println(dimColor.Sprint("No saved sessions."))
			return nil
		}
		for _, rec := range records {
			created := time.UnixMilli(rec.CreatedAt).Format("2006-01-02 15:04")
			thread := rec.ThreadID
			if thread == "" {
				thread = "-"
			}
			fmt.Printf("%s  %s  %-34q %s\n", activeColor.Sprint(rec.ID), created, rec.Title, dimColor.Sprint(thread))
		}
		return nil
	},
}

func init() {
	sessionsCmd.Flags().BoolVar(&sessionsJSON, "json", false, "Print records as JSON")
	sessionsCmd.Flags().BoolVar(&sessionsClear, "clear", false, "Forget all saved sessions (remote threads are kept)")
}

func loadRecords(ctx context.Context, store *storage.Storage) ([]types.SessionRecord, error) {
	if !store.Exists(ctx, session.StoreKey) {
		return nil, nil
	}
	var records []types.SessionRecord
	if err := store.Get(ctx, session.StoreKey, &records); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	return records, nil
}

func clearRecords(ctx context.Context, store *storage.Storage) error {
	if err := store.Delete(ctx, session.StoreKey); err != nil {
		return fmt.Errorf("clear sessions: %w", err)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
