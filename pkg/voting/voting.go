package voting

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hivemesh/switchboard/pkg/audit"
	"github.com/hivemesh/switchboard/pkg/broker"
	"github.com/hivemesh/switchboard/pkg/clock"
	"github.com/hivemesh/switchboard/pkg/errdefs"
	"github.com/hivemesh/switchboard/pkg/log"
	"github.com/hivemesh/switchboard/pkg/metrics"
	"github.com/hivemesh/switchboard/pkg/store"
	"github.com/hivemesh/switchboard/pkg/types"
)

// Voting floor and weight cap.
const (
	MinVoters = 3
	MaxWeight = 3
)

// Engine runs the vote lifecycle: initiate, cast, tally. Votes live in
// the store; initiations and results go out as messages through the
// broker so voters learn about them the same way they learn everything
// else.
type Engine struct {
	store  *store.Store
	clock  *clock.Clock
	broker *broker.Broker
	logger zerolog.Logger
}

// New creates a voting engine.
func New(st *store.Store, clk *clock.Clock, br *broker.Broker) *Engine {
	return &Engine{
		store:  st,
		clock:  clk,
		broker: br,
		logger: log.WithComponent("voting"),
	}
}

// InitiateRequest carries everything Initiate needs. Weights apply only
// to the weighted mechanism; voters absent from the map weigh 1.
type InitiateRequest struct {
	Proposer  string
	Topic     string
	Options   []string
	Mechanism types.VoteMechanism
	Voters    []string
	Deadline  time.Time
	Weights   map[string]int
}

func (r *InitiateRequest) validate(now time.Time) error {
	if r.Proposer == "" || r.Topic == "" {
		return fmt.Errorf("%w: missing proposer or topic", errdefs.ErrInvalidVote)
	}
	if len(r.Options) < 2 {
		return fmt.Errorf("%w: need at least 2 options", errdefs.ErrInvalidVote)
	}
	seen := make(map[string]bool, len(r.Options))
	for _, opt := range r.Options {
		if opt == "" || seen[opt] {
			return fmt.Errorf("%w: options must be non-empty and unique", errdefs.ErrInvalidVote)
		}
		seen[opt] = true
	}
	if !types.ValidMechanism(r.Mechanism) {
		return fmt.Errorf("%w: unknown mechanism %q", errdefs.ErrInvalidVote, r.Mechanism)
	}
	if len(r.Voters) < MinVoters {
		return fmt.Errorf("%w: %d of %d required", errdefs.ErrInsufficientVoters,
			len(r.Voters), MinVoters)
	}
	voters := make(map[string]bool, len(r.Voters))
	for _, v := range r.Voters {
		if v == "" || voters[v] {
			return fmt.Errorf("%w: voters must be non-empty and unique", errdefs.ErrInvalidVote)
		}
		voters[v] = true
	}
	if !r.Deadline.After(now) {
		return fmt.Errorf("%w: deadline must be in the future", errdefs.ErrInvalidVote)
	}
	for voter, w := range r.Weights {
		if !voters[voter] {
			return fmt.Errorf("%w: weight for non-voter %s", errdefs.ErrInvalidVote, voter)
		}
		if w < 1 || w > MaxWeight {
			return fmt.Errorf("%w: weight %d out of range [1,%d]", errdefs.ErrInvalidVote, w, MaxWeight)
		}
	}
	return nil
}

// Initiate opens a vote and notifies every eligible voter with a direct
// vote.initiate message on the urgent channel. Returns the vote ID.
func (e *Engine) Initiate(ctx context.Context, req InitiateRequest) (string, error) {
	now := e.clock.Now()
	if err := req.validate(now); err != nil {
		return "", err
	}

	id := clock.NewID()
	options, _ := json.Marshal(req.Options)
	voters, _ := json.Marshal(req.Voters)
	var weights []byte
	if len(req.Weights) > 0 {
		weights, _ = json.Marshal(req.Weights)
	}

	err := e.store.Update(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO votes (vote_id, topic, options, mechanism, proposer,
			                   eligible_voters, weights, deadline, status, ballots, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'open', '{}', ?)`,
			id, req.Topic, string(options), string(req.Mechanism), req.Proposer,
			string(voters), store.NullString(string(weights)),
			clock.Format(req.Deadline), clock.Format(now))
		if err != nil {
			return err
		}
		return audit.Append(tx, now, req.Proposer, audit.KindVoteInitiate, map[string]any{
			"vote_id":   id,
			"topic":     req.Topic,
			"mechanism": req.Mechanism,
			"voters":    len(req.Voters),
			"deadline":  clock.Format(req.Deadline),
		})
	})
	if err != nil {
		return "", err
	}
	metrics.VotesOpen.Inc()

	// Notification is best effort; a voter who misses the message still
	// finds the vote through Status.
	payload, _ := json.Marshal(map[string]any{
		"vote_id":   id,
		"topic":     req.Topic,
		"options":   req.Options,
		"mechanism": req.Mechanism,
		"deadline":  clock.Format(req.Deadline),
	})
	for _, voter := range req.Voters {
		_, err := e.broker.Submit(ctx, broker.SubmitRequest{
			From:     req.Proposer,
			Type:     types.TypeVoteInitiate,
			Payload:  payload,
			To:       voter,
			Channel:  "urgent",
			Priority: 9,
			TTL:      time.Until(req.Deadline),
		})
		if err != nil {
			e.logger.Warn().Str("vote_id", id).Str("voter", voter).Err(err).
				Msg("failed to notify voter")
		}
	}

	e.logger.Info().Str("vote_id", id).Str("topic", req.Topic).
		Int("voters", len(req.Voters)).Msg("vote opened")
	return id, nil
}

// Cast records one voter's ballot. Accepted only while the vote is open
// and before its deadline, from an eligible voter who has not yet voted,
// for a choice on the ballot. The stance matters only to the consensus
// mechanism and defaults to support.
func (e *Engine) Cast(ctx context.Context, voter, voteID, choice string, stance types.Stance, reasoning string) error {
	if stance == "" {
		stance = types.StanceSupport
	}
	if !types.ValidStance(stance) {
		return fmt.Errorf("%w: unknown stance %q", errdefs.ErrInvalidVote, stance)
	}

	now := e.clock.Now()
	var votesReceived, votesNeeded int
	err := e.store.Update(ctx, func(tx *sql.Tx) error {
		vote, err := getVote(tx, voteID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: vote %s", errdefs.ErrNotFound, voteID)
		}
		if err != nil {
			return err
		}
		if vote.Status != types.VoteOpen {
			return fmt.Errorf("%w: vote %s is %s", errdefs.ErrVoteClosed, voteID, vote.Status)
		}
		if !now.Before(vote.Deadline) {
			return fmt.Errorf("%w: deadline passed", errdefs.ErrVoteClosed)
		}
		if !vote.Eligible(voter) {
			return fmt.Errorf("%w: %s may not vote on %s", errdefs.ErrNotEligible, voter, voteID)
		}
		if !vote.HasOption(choice) {
			return fmt.Errorf("%w: %q is not an option", errdefs.ErrInvalidVote, choice)
		}
		if _, voted := vote.Ballots[voter]; voted {
			return fmt.Errorf("%w: %s already voted on %s", errdefs.ErrAlreadyVoted, voter, voteID)
		}

		vote.Ballots[voter] = types.Ballot{
			Choice:    choice,
			Stance:    stance,
			Reasoning: reasoning,
			Timestamp: now,
		}
		ballots, err := json.Marshal(vote.Ballots)
		if err != nil {
			return fmt.Errorf("failed to encode ballots: %w", err)
		}
		if _, err := tx.Exec(`UPDATE votes SET ballots = ? WHERE vote_id = ?`,
			string(ballots), voteID); err != nil {
			return err
		}

		votesReceived = len(vote.Ballots)
		votesNeeded = len(vote.EligibleVoters)
		return audit.Append(tx, now, voter, audit.KindVoteCast, map[string]string{
			"vote_id": voteID,
			"choice":  choice,
			"stance":  string(stance),
		})
	})
	if err != nil {
		return err
	}
	metrics.BallotsCast.Inc()

	progress, _ := json.Marshal(map[string]any{
		"vote_id":        voteID,
		"votes_received": votesReceived,
		"votes_needed":   votesNeeded,
	})
	if _, err := e.broker.Submit(ctx, broker.SubmitRequest{
		From:     voter,
		Type:     types.TypeVoteRecorded,
		Payload:  progress,
		Channel:  "general",
		Priority: 5,
	}); err != nil {
		e.logger.Debug().Str("vote_id", voteID).Err(err).Msg("failed to announce ballot")
	}
	return nil
}

// Status returns the full vote record, ballots and result included.
func (e *Engine) Status(ctx context.Context, voteID string) (*types.Vote, error) {
	var vote types.Vote
	err := e.store.View(ctx, func(tx *sql.Tx) error {
		got, err := getVote(tx, voteID)
		if err != nil {
			return err
		}
		vote = got
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: vote %s", errdefs.ErrNotFound, voteID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read vote %s: %w", voteID, err)
	}
	return &vote, nil
}

// Cancel withdraws an open vote. Proposer only; later casts fail with
// ErrVoteClosed.
func (e *Engine) Cancel(ctx context.Context, proposer, voteID string) error {
	now := e.clock.Now()
	err := e.store.Update(ctx, func(tx *sql.Tx) error {
		vote, err := getVote(tx, voteID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: vote %s", errdefs.ErrNotFound, voteID)
		}
		if err != nil {
			return err
		}
		if vote.Proposer != proposer {
			return fmt.Errorf("%w: only %s may cancel %s", errdefs.ErrNotEligible, vote.Proposer, voteID)
		}
		if vote.Status != types.VoteOpen {
			return fmt.Errorf("%w: vote %s is %s", errdefs.ErrVoteClosed, voteID, vote.Status)
		}

		_, err = tx.Exec(`UPDATE votes SET status = 'cancelled', closed_at = ? WHERE vote_id = ?`,
			clock.Format(now), voteID)
		if err != nil {
			return err
		}
		return audit.Append(tx, now, proposer, audit.KindVoteCancel, map[string]string{
			"vote_id": voteID,
		})
	})
	if err != nil {
		return err
	}
	metrics.VotesOpen.Dec()
	e.logger.Info().Str("vote_id", voteID).Msg("vote cancelled")
	return nil
}

// OpenPastDeadline returns IDs of open votes whose deadline passed,
// for the maintenance loop's automatic tally.
func (e *Engine) OpenPastDeadline(ctx context.Context) ([]string, error) {
	now := clock.Format(e.clock.Now())
	var ids []string
	err := e.store.View(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT vote_id FROM votes WHERE status = 'open' AND deadline <= ?`, now)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list expired votes: %w", err)
	}
	return ids, nil
}

func getVote(tx *sql.Tx, id string) (types.Vote, error) {
	var (
		vote                      types.Vote
		options, voters, ballots  string
		weights, result, closedAt sql.NullString
		deadline, created         string
	)
	err := tx.QueryRow(`
		SELECT vote_id, topic, options, mechanism, proposer, eligible_voters,
		       weights, deadline, status, ballots, result, created_at, closed_at
		FROM votes WHERE vote_id = ?`, id).Scan(
		&vote.ID, &vote.Topic, &options, &vote.Mechanism, &vote.Proposer,
		&voters, &weights, &deadline, &vote.Status, &ballots, &result,
		&created, &closedAt)
	if err != nil {
		return vote, err
	}

	if err := json.Unmarshal([]byte(options), &vote.Options); err != nil {
		return vote, fmt.Errorf("bad options: %w", err)
	}
	if err := json.Unmarshal([]byte(voters), &vote.EligibleVoters); err != nil {
		return vote, fmt.Errorf("bad eligible_voters: %w", err)
	}
	if err := json.Unmarshal([]byte(ballots), &vote.Ballots); err != nil {
		return vote, fmt.Errorf("bad ballots: %w", err)
	}
	if vote.Ballots == nil {
		vote.Ballots = make(map[string]types.Ballot)
	}
	if weights.Valid {
		if err := json.Unmarshal([]byte(weights.String), &vote.Weights); err != nil {
			return vote, fmt.Errorf("bad weights: %w", err)
		}
	}
	if result.Valid {
		vote.Result = &types.VoteResult{}
		if err := json.Unmarshal([]byte(result.String), vote.Result); err != nil {
			return vote, fmt.Errorf("bad result: %w", err)
		}
	}
	if vote.Deadline, err = clock.Parse(deadline); err != nil {
		return vote, fmt.Errorf("bad deadline: %w", err)
	}
	if vote.CreatedAt, err = clock.Parse(created); err != nil {
		return vote, fmt.Errorf("bad created_at: %w", err)
	}
	if vote.ClosedAt, err = store.ParseTime(closedAt); err != nil {
		return vote, fmt.Errorf("bad closed_at: %w", err)
	}
	return vote, nil
}
