/*
Package agent provides the Messenger, the in-process client agents hold.

A Messenger wraps a Core with one agent's identity. New registers the
agent, subscribes its channels, and starts a heartbeat loop; Close sends
a final idle beat and stops the loop. Everything an agent does day to
day goes through it:

	m, err := agent.New(ctx, c, "frontend", agent.Options{
	    Channels: []string{"technical", "review"},
	})

	m.Send(ctx, "backend", "context.query", payload, agent.WithPriority(8))
	msgs, _ := m.Receive(ctx, nil, 10)
	answer, _ := m.Ask(ctx, "architect", "context.query", payload, 30*time.Second)

	m.CreateTask(ctx, spec)
	task, _ := m.ClaimTask(ctx, id)
	m.InitiateVote(ctx, req)

The methods are thin: identity injection plus delegation to the broker,
job board, voting engine, and registry. SetStatus changes what the
heartbeat loop reports.
*/
package agent
