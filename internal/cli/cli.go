package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/nxtreasuryorg/treasuryflow/internal/log"
	internal_storage "github.com/nxtreasuryorg/treasuryflow/internal/storage"
	"github.com/spf13/cobra"
)

// SetupCLI registers the operator subcommands. Read commands go straight to
// the database; mutations go through the server API since the server owns the
// event loop.
func SetupCLI(rootCmd *cobra.Command) {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all workflows",
		Run: func(cmd *cobra.Command, args []string) {
			store := initStore(cmd)
			defer store.Close()
			workflows, err := store.ListWorkflows()
			if err != nil {
				log.GetLogger().Errorf("Failed to list workflows: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to list workflows: %v\n", err)
				os.Exit(1)
			}
			if len(workflows) == 0 {
				fmt.Fprintf(os.Stdout, "No workflows found.\n")
				return
			}
			fmt.Fprintf(os.Stdout, "Workflows:\n")
			for _, wf := range workflows {
				fmt.Fprintf(os.Stdout, "- ID: %d, Stage: %s, Terminal: %v, Created: %s\n",
					wf.ID, wf.Stage, wf.Terminal, wf.CreatedAt.Format(time.RFC3339))
			}
		},
	}

	invocationsCmd := &cobra.Command{
		Use:   "invocations [workflow-id]",
		Short: "Show the attempt log of a workflow",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			var id int64
			if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
				fmt.Fprintf(os.Stderr, "Error: invalid workflow id %q\n", args[0])
				os.Exit(1)
			}
			store := initStore(cmd)
			defer store.Close()
			invocations, err := store.ListInvocations(id)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to list invocations: %v\n", err)
				os.Exit(1)
			}
			for _, inv := range invocations {
				fmt.Fprintf(os.Stdout, "- stage %s attempt %d: %s %s\n", inv.Stage, inv.Attempt, inv.Outcome, inv.ErrorMsg)
			}
		},
	}

	submitCmd := &cobra.Command{
		Use:   "submit [input.json]",
		Short: "Submit a normalized treasury input file",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			payload, err := os.ReadFile(args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to read %s: %v\n", args[0], err)
				os.Exit(1)
			}
			body := postJSON(cmd, "/workflows", payload)
			fmt.Fprintf(os.Stdout, "%s\n", body)
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status [workflow-id]",
		Short: "Show the status of a workflow",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			body := get(cmd, "/workflows/"+args[0])
			fmt.Fprintf(os.Stdout, "%s\n", body)
		},
	}

	decide := func(decision string) func(cmd *cobra.Command, args []string) {
		return func(cmd *cobra.Command, args []string) {
			actor, _ := cmd.Flags().GetString("actor")
			payload, _ := json.Marshal(map[string]string{"decision": decision, "actor": actor})
			body := postJSON(cmd, "/gates/"+args[0]+"/decision", payload)
			fmt.Fprintf(os.Stdout, "%s\n", body)
		}
	}
	approveCmd := &cobra.Command{
		Use:   "approve [gate-id]",
		Short: "Approve a pending gate",
		Args:  cobra.ExactArgs(1),
		Run:   decide("approve"),
	}
	rejectCmd := &cobra.Command{
		Use:   "reject [gate-id]",
		Short: "Reject a pending gate",
		Args:  cobra.ExactArgs(1),
		Run:   decide("reject"),
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel [workflow-id]",
		Short: "Cancel a non-terminal workflow",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			body := postJSON(cmd, "/workflows/"+args[0]+"/cancel", nil)
			fmt.Fprintf(os.Stdout, "%s\n", body)
		},
	}

	for _, c := range []*cobra.Command{approveCmd, rejectCmd} {
		c.Flags().String("actor", "", "Identity recorded with the decision")
	}
	rootCmd.AddCommand(listCmd, invocationsCmd, submitCmd, statusCmd, approveCmd, rejectCmd, cancelCmd)
}

func initStore(cmd *cobra.Command) *internal_storage.PostgresStore {
	dbConnStr, err := cmd.Flags().GetString("db")
	if err != nil {
		log.GetLogger().Errorf("Error retrieving db flag: %v", err)
		os.Exit(1)
	}
	store, err := internal_storage.InitStore(dbConnStr)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		os.Exit(1)
	}
	return store
}

func serverAddr(cmd *cobra.Command) string {
	addr, err := cmd.Flags().GetString("addr")
	if err != nil || addr == "" {
		addr = "http://localhost:8080"
	}
	return addr
}

func get(cmd *cobra.Command, path string) string {
	resp, err := http.Get(serverAddr(cmd) + path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: request failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return string(bytes.TrimSpace(body))
}

func postJSON(cmd *cobra.Command, path string, payload []byte) string {
	resp, err := http.Post(serverAddr(cmd)+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: request failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return string(bytes.TrimSpace(body))
}
