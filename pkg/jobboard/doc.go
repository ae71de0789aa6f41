/*
Package jobboard implements the shared task queue with dependency gating.

Tasks are units of work any agent may claim. A task lists the IDs of
tasks that must be done before it can start; until every dependency is
done the task exists but is not claimable, and a direct claim attempt
returns a DependenciesUnmetError naming the missing IDs.

# Lifecycle

	open → assigned → in-progress ⇄ blocked
	                      ↓
	                 done | failed

Claim is a conditional UPDATE from open, so concurrent claimers resolve
to a single winner; losers get ErrAlreadyClaimed. Status updates append
to the task's history, and only the assignee may move an assigned task
(completion records the acting agent the same way).

Dependency release is passive. Completing a task does not touch its
dependents; they simply start appearing in Available once their last
dependency is done.

# Stale Claims

ReleaseStale returns assigned or in-progress tasks whose claim is older
than a threshold back to open, with a history entry, so work abandoned
by a dead agent becomes claimable again. The maintenance loop calls it
on every sweep.
*/
package jobboard
