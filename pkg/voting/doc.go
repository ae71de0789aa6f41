/*
Package voting implements structured group decision making.

A vote names a topic, a closed option list, an eligible voter set, a
deadline, and one of three tally mechanisms. Voters cast at most one
ballot each; ballots are immutable once cast. Tallying is idempotent:
the first tally stores the result, later tallies return it unchanged.

# Mechanisms

	simple_majority   most ballots wins; equal top counts are a tie
	weighted          ballots scaled by per-voter weights (1..3)
	consensus         passes only if nobody blocks and support holds
	                  a majority of ballots cast; stances are
	                  support, acceptable, block

# Quorum

Every mechanism requires more than half of the eligible voters to have
cast a ballot; otherwise the outcome is no_quorum regardless of how the
ballots lean. Votes need at least three eligible voters to open.

# Announcements

Initiate sends each eligible voter a direct vote.initiate message on the
urgent channel. Tally announces the stored result as a vote.result
broadcast. Both go through the broker like any other message.

The maintenance sweep tallies open votes whose deadline has passed, so
results appear even when nobody asks. A proposer may cancel an open vote
instead; cancelled votes accept no further ballots and never tally.
*/
package voting
