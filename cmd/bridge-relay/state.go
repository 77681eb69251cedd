package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/devblac/bridge-relay/internal/config"
	"github.com/devblac/bridge-relay/internal/journal"
	"github.com/devblac/bridge-relay/internal/logging"
	"github.com/devblac/bridge-relay/internal/state"
	"github.com/spf13/cobra"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show the cursor, processing lag, and relay totals",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		store := state.Load(cfg.StatePath, cfg.Scan.DedupCapacity, logging.New())
		cursor := store.LastProcessedBlock()
		fmt.Fprintf(out, "last processed block: %d\n", cursor)
		fmt.Fprintf(out, "dedup records: %d / %d\n", store.Len(), cfg.Scan.DedupCapacity)

		if head, err := latestBlock(cmd.Context(), cfg.Source.RPCURL); err != nil {
			fmt.Fprintf(out, "source head: unavailable (%v)\n", err)
		} else {
			lag := int64(head) - int64(cfg.Scan.ConfirmationDepth) - int64(cursor)
			if lag < 0 {
				lag = 0
			}
			fmt.Fprintf(out, "source head: %d (confirmed lag %d blocks)\n", head, lag)
		}

		jrnl, err := journal.Open(cfg.JournalPath)
		if err != nil {
			fmt.Fprintf(out, "journal: unavailable (%v)\n", err)
			return nil
		}
		defer jrnl.Close()

		counts, err := jrnl.Counts(cmd.Context())
		if err != nil {
			return fmt.Errorf("journal counts: %w", err)
		}
		fmt.Fprintf(out, "relayed: %d, decode failures: %d, exhausted: %d\n",
			counts[journal.StatusRelayed], counts[journal.StatusDecodeFailed], counts[journal.StatusExhausted])
		return nil
	},
}

func latestBlock(ctx context.Context, url string) (uint64, error) {
	payload := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "eth_blockNumber",
		"params":  []any{},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: defaultHTTPTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("call eth_blockNumber: %w", err)
	}
	defer resp.Body.Close()

	var rpcResp struct {
		Result string `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return 0, fmt.Errorf("decode rpc response: %w", err)
	}
	if rpcResp.Result == "" {
		return 0, fmt.Errorf("empty blockNumber result")
	}
	return strconv.ParseUint(strings.TrimPrefix(rpcResp.Result, "0x"), 16, 64)
}
