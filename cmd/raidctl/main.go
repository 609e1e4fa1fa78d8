// Command raidctl is a thin operator CLI over the server's privileged
// RPCs, invoked through Nakama's RPC-over-HTTP gateway
// (POST /v2/rpc/{id}?http_key=...) rather than talking to storage
// directly — raidctl never runs in-process with the game server.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	baseURL string
	httpKey string
	timeout time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "raidctl",
		Short: "Operator CLI for the math raid server's privileged RPCs",
	}
	root.PersistentFlags().StringVar(&baseURL, "base-url", "http://127.0.0.1:7350", "Nakama HTTP gateway base URL")
	root.PersistentFlags().StringVar(&httpKey, "http-key", os.Getenv("NAKAMA_HTTP_KEY"), "Nakama server runtime HTTP key")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")

	root.AddCommand(sweepCmd(), resetPlayerCmd(), setTimebackCmd(), restoreCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run the abandoned-raid / outbox-TTL maintenance sweep immediately",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := callRPC("run_maintenance_sweep", "{}")
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}
}

func resetPlayerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-player <player-id>",
		Short: "Wipe a player's stats/quests/mastery, preserving identity fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := json.Marshal(map[string]string{"player_id": args[0]})
			if err != nil {
				return err
			}
			out, err := callRPC("admin_reset_player", string(body))
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}
}

func setTimebackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-timeback <player-id> <timeback-id>",
		Short: "Set the external ID used to key outbox XP events for a player",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := json.Marshal(map[string]string{"player_id": args[0], "timeback_id": args[1]})
			if err != nil {
				return err
			}
			out, err := callRPC("set_timeback_id", string(body))
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}
}

func restoreCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "restore <rows.json>",
		Short: "Replay an admin-panel export of player/fact-mastery/performance-snapshot rows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("raidctl: read %s: %w", args[0], err)
			}
			var id string
			switch kind {
			case "player":
				id = "bulk_restore_player"
			case "fact-mastery":
				id = "bulk_restore_fact_mastery"
			case "performance-snapshot":
				id = "bulk_restore_performance_snapshot"
			default:
				return fmt.Errorf("raidctl: --kind must be one of player, fact-mastery, performance-snapshot, got %q", kind)
			}
			body, err := json.Marshal(map[string]string{"rows": string(raw)})
			if err != nil {
				return err
			}
			out, err := callRPC(id, string(body))
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "row kind: player, fact-mastery, performance-snapshot")
	return cmd
}

// callRPC invokes one server-to-server RPC through Nakama's RPC-over-HTTP
// gateway, authenticated with the runtime HTTP key rather than a user
// session — the same identity class the privileged handlers check for
// with config.WorkerConfig.IsAuthorizedWorker.
func callRPC(id, payload string) (string, error) {
	url := fmt.Sprintf("%s/v2/rpc/%s?http_key=%s&unwrap=true", baseURL, id, httpKey)
	client := &http.Client{Timeout: timeout}
	resp, err := client.Post(url, "application/json", bytes.NewBufferString(payload))
	if err != nil {
		return "", fmt.Errorf("raidctl: call %s: %w", id, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("raidctl: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("raidctl: %s returned %s: %s", id, resp.Status, string(body))
	}
	return string(body), nil
}
