package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"OpenMCP-Nexus/pkg/client"
)

var (
	submitPriority int
	submitPayload  string
	submitUser     string
	outputJSON     bool
)

func init() {
	submitCmd.Flags().IntVar(&submitPriority, "priority", 0, "intent priority, higher runs first")
	submitCmd.Flags().StringVar(&submitPayload, "payload", "", "JSON object attached to the intent")
	submitCmd.Flags().StringVar(&submitUser, "user", "", "submitting user id")
	for _, c := range []*cobra.Command{submitCmd, queueCmd, interventionsCmd} {
		c.Flags().BoolVar(&outputJSON, "json", false, "print the raw JSON response")
	}
	rootCmd.AddCommand(submitCmd, queueCmd, interventionsCmd, resolveCmd)
}

var submitCmd = &cobra.Command{
	Use:   "submit <description>",
	Short: "Submit an intent",
	Long: `Submit an intent to a running daemon. The intent is queued and dispatched
asynchronously; the command prints the receipt.

Examples:
  nexusd submit "refresh the sales dashboard"
  nexusd submit "workflow: nightly report" --payload '{"blueprintId":"report"}'`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		sub := client.Submission{
			Description: strings.Join(args, " "),
			Priority:    submitPriority,
			UserID:      submitUser,
		}
		if submitPayload != "" {
			if err := json.Unmarshal([]byte(submitPayload), &sub.Payload); err != nil {
				return fmt.Errorf("--payload must be a JSON object: %w", err)
			}
		}
		receipt, err := c.Submit(cmd.Context(), sub)
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd, receipt)
		}
		cmd.Printf("queued %s at position %d\n", receipt.ID, receipt.Position)
		return nil
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show pending intents",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		q, err := c.Queue(cmd.Context())
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd, q)
		}
		cmd.Printf("depth=%d dispatched=%d failed=%d in-flight=%s\n",
			q.Stats.QueueDepth, q.Stats.Dispatched, q.Stats.Failed, orDash(q.Stats.InFlight))
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPRIORITY\tORIGIN\tAGE\tDESCRIPTION")
		for _, item := range q.Items {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", item.ID, item.Priority, item.Origin,
				time.Since(item.EnqueuedAt).Round(time.Second), item.Description)
		}
		return w.Flush()
	},
}

var interventionsCmd = &cobra.Command{
	Use:   "interventions",
	Short: "List interventions waiting for an operator",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		pending, err := c.Interventions(cmd.Context())
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd, pending)
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tEXPIRES\tDESCRIPTION")
		for _, p := range pending {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.ID, p.Type, time.Until(p.ExpiresAt).Round(time.Second), p.Description)
		}
		return w.Flush()
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <id> <value>",
	Short: "Answer an intervention",
	Long: `Answer a pending intervention. RETRY restarts the failed agent, SKIP
marks it skipped, and any JSON document is used as the agent output.

Examples:
  nexusd resolve 6f1c... RETRY
  nexusd resolve 6f1c... '{"summary":"done by hand"}'`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		err = c.Resolve(cmd.Context(), args[0], strings.Join(args[1:], " "))
		if errors.Is(err, client.ErrNotFound) {
			return fmt.Errorf("intervention %s is no longer pending", args[0])
		}
		if err != nil {
			return err
		}
		cmd.Printf("resolved %s\n", args[0])
		return nil
	},
}

func newClient() (*client.Client, error) {
	return client.New(serverURL, client.WithToken(apiToken))
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
