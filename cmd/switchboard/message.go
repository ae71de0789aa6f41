package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hivemesh/switchboard/pkg/broker"
	"github.com/hivemesh/switchboard/pkg/types"
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Submit a message",
	Long: `Submit a message from one agent. Without --to the message is a
broadcast fanned out to every current subscriber of the channel.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		from, _ := cmd.Flags().GetString("from")
		msgType, _ := cmd.Flags().GetString("type")
		to, _ := cmd.Flags().GetString("to")
		channel, _ := cmd.Flags().GetString("channel")
		priority, _ := cmd.Flags().GetInt("priority")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		payload, _ := cmd.Flags().GetString("payload")

		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.Close()

		id, err := c.Broker.Submit(cmd.Context(), broker.SubmitRequest{
			From:     from,
			Type:     msgType,
			Payload:  types.Payload(payload),
			To:       to,
			Channel:  channel,
			Priority: priority,
			TTL:      ttl,
		})
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

var peekCmd = &cobra.Command{
	Use:   "peek",
	Short: "List pending messages visible to an agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		agent, _ := cmd.Flags().GetString("agent")
		channels, _ := cmd.Flags().GetStringSlice("channel")
		limit, _ := cmd.Flags().GetInt("limit")

		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.Close()

		msgs, err := c.Broker.Peek(cmd.Context(), agent, channels, limit)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tFROM\tCHANNEL\tPRI\tCREATED")
		for _, m := range msgs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
				m.ID, m.Type, m.From, m.Channel, m.Priority,
				m.CreatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect the dead letter archive",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.Close()

		letters, err := c.Broker.DeadLetters(cmd.Context(), limit)
		if err != nil {
			return err
		}
		for _, dl := range letters {
			out, _ := json.MarshalIndent(dl, "", "  ")
			fmt.Println(string(out))
		}
		if len(letters) == 0 {
			fmt.Println("Dead letter archive is empty.")
		}
		return nil
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Tail the audit log, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		kind, _ := cmd.Flags().GetString("kind")

		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.Close()

		events, err := c.Audit.Recent(cmd.Context(), limit, kind)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tTIMESTAMP\tACTOR\tKIND\tSUMMARY")
		for _, ev := range events {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
				ev.Seq, ev.Timestamp.Format(time.RFC3339), ev.Actor, ev.Kind,
				string(ev.Summary))
		}
		return w.Flush()
	},
}

func init() {
	sendCmd.Flags().String("from", "", "Sending agent ID")
	sendCmd.Flags().String("type", "", "Semantic message type, e.g. context.query")
	sendCmd.Flags().String("to", "", "Recipient agent ID (empty for broadcast)")
	sendCmd.Flags().String("channel", "general", "Channel name")
	sendCmd.Flags().Int("priority", 5, "Priority 1-10")
	sendCmd.Flags().Duration("ttl", 0, "Time to live (0 for none)")
	sendCmd.Flags().String("payload", "{}", "JSON object payload")
	sendCmd.MarkFlagRequired("from")
	sendCmd.MarkFlagRequired("type")

	peekCmd.Flags().String("agent", "", "Agent ID")
	peekCmd.Flags().StringSlice("channel", []string{"general"}, "Channels to read")
	peekCmd.Flags().Int("limit", 10, "Maximum messages to list")
	peekCmd.MarkFlagRequired("agent")

	dlqCmd.Flags().Int("limit", 20, "Maximum envelopes to list")

	auditCmd.Flags().Int("limit", 50, "Maximum records to list")
	auditCmd.Flags().String("kind", "", "Filter by event kind")
}
