package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hivemesh/switchboard/pkg/types"
	"github.com/hivemesh/switchboard/pkg/voting"
)

var voteCmd = &cobra.Command{
	Use:   "vote",
	Short: "Work with the voting subsystem",
}

var voteOpenCmd = &cobra.Command{
	Use:   "open",
	Short: "Open a vote and notify the eligible voters",
	RunE: func(cmd *cobra.Command, args []string) error {
		proposer, _ := cmd.Flags().GetString("proposer")
		topic, _ := cmd.Flags().GetString("topic")
		options, _ := cmd.Flags().GetStringSlice("option")
		mechanism, _ := cmd.Flags().GetString("mechanism")
		voters, _ := cmd.Flags().GetStringSlice("voter")
		in, _ := cmd.Flags().GetDuration("deadline-in")
		weightsRaw, _ := cmd.Flags().GetString("weights")

		var weights map[string]int
		if weightsRaw != "" {
			if err := json.Unmarshal([]byte(weightsRaw), &weights); err != nil {
				return fmt.Errorf("invalid --weights: %w", err)
			}
		}

		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.Close()

		id, err := c.Votes.Initiate(cmd.Context(), voting.InitiateRequest{
			Proposer:  proposer,
			Topic:     topic,
			Options:   options,
			Mechanism: types.VoteMechanism(mechanism),
			Voters:    voters,
			Deadline:  time.Now().UTC().Add(in),
			Weights:   weights,
		})
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

var voteCastCmd = &cobra.Command{
	Use:   "cast VOTE_ID",
	Short: "Cast a ballot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		voter, _ := cmd.Flags().GetString("voter")
		choice, _ := cmd.Flags().GetString("choice")
		stance, _ := cmd.Flags().GetString("stance")
		reasoning, _ := cmd.Flags().GetString("reasoning")

		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.Close()

		return c.Votes.Cast(cmd.Context(), voter, args[0], choice,
			types.Stance(stance), reasoning)
	},
}

var voteTallyCmd = &cobra.Command{
	Use:   "tally VOTE_ID",
	Short: "Close a vote and compute its result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.Close()

		result, err := c.Votes.Tally(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

var voteStatusCmd = &cobra.Command{
	Use:   "status VOTE_ID",
	Short: "Show the full vote record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.Close()

		vote, err := c.Votes.Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out, _ := json.MarshalIndent(vote, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "Manage an agent's channel subscriptions",
	RunE: func(cmd *cobra.Command, args []string) error {
		agent, _ := cmd.Flags().GetString("agent")
		subscribe, _ := cmd.Flags().GetString("subscribe")
		unsubscribe, _ := cmd.Flags().GetString("unsubscribe")
		create, _ := cmd.Flags().GetString("create")

		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx := cmd.Context()
		if create != "" {
			if err := c.Registry.CreateChannel(ctx, create); err != nil {
				return err
			}
		}
		if subscribe != "" {
			if err := c.Registry.Subscribe(ctx, agent, subscribe); err != nil {
				return err
			}
		}
		if unsubscribe != "" {
			if err := c.Registry.Unsubscribe(ctx, agent, unsubscribe); err != nil {
				return err
			}
		}

		if agent != "" {
			channels, err := c.Registry.Channels(ctx, agent)
			if err != nil {
				return err
			}
			for _, ch := range channels {
				fmt.Println(ch)
			}
		}
		return nil
	},
}

func init() {
	voteCmd.AddCommand(voteOpenCmd)
	voteCmd.AddCommand(voteCastCmd)
	voteCmd.AddCommand(voteTallyCmd)
	voteCmd.AddCommand(voteStatusCmd)

	voteOpenCmd.Flags().String("proposer", "", "Proposing agent ID")
	voteOpenCmd.Flags().String("topic", "", "What is being decided")
	voteOpenCmd.Flags().StringSlice("option", nil, "Ballot option (repeatable, at least 2)")
	voteOpenCmd.Flags().String("mechanism", "simple_majority", "simple_majority, weighted, or consensus")
	voteOpenCmd.Flags().StringSlice("voter", nil, "Eligible voter (repeatable, at least 3)")
	voteOpenCmd.Flags().Duration("deadline-in", time.Hour, "Time until the deadline")
	voteOpenCmd.Flags().String("weights", "", `JSON voter weights, e.g. '{"alice":2}'`)
	voteOpenCmd.MarkFlagRequired("proposer")
	voteOpenCmd.MarkFlagRequired("topic")

	voteCastCmd.Flags().String("voter", "", "Voting agent ID")
	voteCastCmd.Flags().String("choice", "", "Chosen option")
	voteCastCmd.Flags().String("stance", "", "support, acceptable, or block (consensus)")
	voteCastCmd.Flags().String("reasoning", "", "Why")
	voteCastCmd.MarkFlagRequired("voter")
	voteCastCmd.MarkFlagRequired("choice")

	channelsCmd.Flags().String("agent", "", "Agent ID")
	channelsCmd.Flags().String("subscribe", "", "Channel to subscribe to")
	channelsCmd.Flags().String("unsubscribe", "", "Channel to unsubscribe from")
	channelsCmd.Flags().String("create", "", "Channel to create")
}
