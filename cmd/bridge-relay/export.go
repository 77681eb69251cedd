package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/devblac/bridge-relay/internal/config"
	"github.com/devblac/bridge-relay/internal/journal"
	"github.com/spf13/cobra"
)

var (
	flagFormat string
	flagLimit  int
)

func init() {
	exportCmd.Flags().StringVar(&flagFormat, "format", "json", "Output format: json or csv")
	exportCmd.Flags().IntVar(&flagLimit, "limit", 100, "Maximum number of entries")
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the relay journal as json or csv",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		jrnl, err := journal.Open(cfg.JournalPath)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer jrnl.Close()

		entries, err := jrnl.Recent(cmd.Context(), flagLimit)
		if err != nil {
			return fmt.Errorf("read journal: %w", err)
		}

		switch flagFormat {
		case "json":
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		case "csv":
			w := csv.NewWriter(out)
			if err := w.Write([]string{"key", "source_tx", "log_index", "block", "status", "attempts", "dest_tx", "detail", "updated_at"}); err != nil {
				return err
			}
			for _, e := range entries {
				record := []string{
					e.Key,
					e.SourceTx,
					strconv.FormatUint(uint64(e.LogIndex), 10),
					strconv.FormatUint(e.Block, 10),
					e.Status,
					strconv.Itoa(e.Attempts),
					e.DestTx,
					e.Detail,
					e.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
				}
				if err := w.Write(record); err != nil {
					return err
				}
			}
			w.Flush()
			return w.Error()
		default:
			return fmt.Errorf("unsupported format %q (want json or csv)", flagFormat)
		}
	},
}
