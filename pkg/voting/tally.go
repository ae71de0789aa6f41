package voting

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/hivemesh/switchboard/pkg/audit"
	"github.com/hivemesh/switchboard/pkg/broker"
	"github.com/hivemesh/switchboard/pkg/clock"
	"github.com/hivemesh/switchboard/pkg/errdefs"
	"github.com/hivemesh/switchboard/pkg/metrics"
	"github.com/hivemesh/switchboard/pkg/types"
)

// OutcomeDecided marks a majority or weighted vote with a single winner.
const OutcomeDecided = "decided"

// Tally closes the vote and computes its result. Idempotent: a vote that
// is already closed returns the stored result untouched, so racing
// talliers and the maintenance loop's automatic close cannot produce two
// results. An open vote whose deadline passed tallies with whatever
// ballots were cast.
func (e *Engine) Tally(ctx context.Context, voteID string) (*types.VoteResult, error) {
	now := e.clock.Now()
	var (
		result      *types.VoteResult
		alreadyDone bool
		vote        types.Vote
	)
	err := e.store.Update(ctx, func(tx *sql.Tx) error {
		var err error
		vote, err = getVote(tx, voteID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: vote %s", errdefs.ErrNotFound, voteID)
		}
		if err != nil {
			return err
		}

		if vote.Status == types.VoteClosed {
			alreadyDone = true
			result = vote.Result
			return nil
		}
		if vote.Status == types.VoteCancelled {
			return fmt.Errorf("%w: vote %s was cancelled", errdefs.ErrVoteClosed, voteID)
		}

		result = compute(&vote)
		encoded, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
		_, err = tx.Exec(`
			UPDATE votes SET status = 'closed', result = ?, closed_at = ?
			WHERE vote_id = ?`, string(encoded), clock.Format(now), voteID)
		if err != nil {
			return err
		}
		return audit.Append(tx, now, vote.Proposer, audit.KindVoteTally, map[string]any{
			"vote_id": voteID,
			"outcome": result.Outcome,
			"winner":  result.Winner,
		})
	})
	if err != nil {
		return nil, err
	}
	if alreadyDone {
		return result, nil
	}
	metrics.VotesOpen.Dec()

	payload, _ := json.Marshal(map[string]any{
		"vote_id": voteID,
		"topic":   vote.Topic,
		"result":  result,
	})
	if _, err := e.broker.Submit(ctx, broker.SubmitRequest{
		From:     vote.Proposer,
		Type:     types.TypeVoteResult,
		Payload:  payload,
		Channel:  "general",
		Priority: 8,
	}); err != nil {
		e.logger.Warn().Str("vote_id", voteID).Err(err).Msg("failed to announce result")
	}

	e.logger.Info().
		Str("vote_id", voteID).
		Str("outcome", result.Outcome).
		Str("winner", result.Winner).
		Msg("vote tallied")
	return result, nil
}

// compute applies the vote's mechanism to its ballots. Quorum comes
// first: fewer than half the eligible voters casting yields no_quorum no
// matter what the ballots say.
func compute(vote *types.Vote) *types.VoteResult {
	result := &types.VoteResult{
		Mechanism:  vote.Mechanism,
		TotalVotes: len(vote.Ballots),
		Eligible:   len(vote.EligibleVoters),
		Tally:      make(map[string]int),
	}

	if len(vote.Ballots)*2 < len(vote.EligibleVoters) {
		result.Outcome = types.OutcomeNoQuorum
		for _, ballot := range vote.Ballots {
			result.Tally[ballot.Choice]++
		}
		return result
	}

	switch vote.Mechanism {
	case types.MechanismWeighted:
		tallyCounts(vote, result, func(voter string) int {
			if w, ok := vote.Weights[voter]; ok {
				return w
			}
			return 1
		})
	case types.MechanismConsensus:
		tallyConsensus(vote, result)
	default: // simple majority
		tallyCounts(vote, result, func(string) int { return 1 })
	}
	return result
}

// tallyCounts sums per-option weight and picks the strictly greatest;
// equal top sums are a tie.
func tallyCounts(vote *types.Vote, result *types.VoteResult, weight func(voter string) int) {
	for voter, ballot := range vote.Ballots {
		result.Tally[ballot.Choice] += weight(voter)
	}

	options := make([]string, 0, len(result.Tally))
	for opt := range result.Tally {
		options = append(options, opt)
	}
	sort.Strings(options)

	best, bestCount, tied := "", -1, false
	for _, opt := range options {
		switch n := result.Tally[opt]; {
		case n > bestCount:
			best, bestCount, tied = opt, n, false
		case n == bestCount:
			tied = true
		}
	}

	if tied {
		result.Outcome = types.OutcomeTie
		return
	}
	result.Outcome = OutcomeDecided
	result.Winner = best
}

// tallyConsensus passes only when nobody blocks and at least half the
// cast ballots are outright support. Blockers are enumerated with their
// reasoning so the proposer knows what to address.
func tallyConsensus(vote *types.Vote, result *types.VoteResult) {
	support := 0
	var blockers []types.Blocker
	voters := make([]string, 0, len(vote.Ballots))
	for voter := range vote.Ballots {
		voters = append(voters, voter)
	}
	sort.Strings(voters)

	for _, voter := range voters {
		ballot := vote.Ballots[voter]
		result.Tally[ballot.Choice]++
		switch ballot.Stance {
		case types.StanceBlock:
			blockers = append(blockers, types.Blocker{Voter: voter, Reasoning: ballot.Reasoning})
		case types.StanceSupport:
			support++
		}
	}

	cast := len(vote.Ballots)
	if len(blockers) == 0 && support*2 >= cast {
		result.Outcome = types.OutcomePassed
		return
	}
	result.Outcome = types.OutcomeBlocked
	result.Blockers = blockers
}
