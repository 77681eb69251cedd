package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const sampleConfig = `version: 1

source:
  rpc_url: ${SOURCE_RPC_URL}

destination:
  rpc_url: ${DEST_RPC_URL}
  bridge: "0x0000000000000000000000000000000000000000"
  private_key: ${RELAYER_PRIVATE_KEY}

# Lock contract watched on the source chain.
contract: "0x0000000000000000000000000000000000000000"

event:
  name: TokensLocked
  indexed:
    - {name: user, type: address}
    - {name: token, type: address}
  data:
    - {name: amount, type: uint256}
    - {name: destinationChainId, type: uint256}

relay:
  recipient_field: user
  token_field: token
  amount_field: amount
  max_attempts: 5

scan:
  polling_interval_seconds: 10
  batch_size: 100
  confirmation_depth: 6
  dedup_capacity: 10000
  max_backoff_seconds: 300

state_path: state.json
journal_path: relay.db

# notify:
#   url: https://hooks.example.com/relay-alerts
`

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Scaffold a sample config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(cfgPath); err == nil {
			return fmt.Errorf("refusing to overwrite existing %s", cfgPath)
		}
		if err := os.WriteFile(cfgPath, []byte(sampleConfig), 0o644); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", cfgPath)
		return nil
	},
}
