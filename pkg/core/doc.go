/*
Package core assembles a running Switchboard from its parts.

Open takes a validated config, opens the store, and wires the broker,
job board, voting engine, registry, audit log, and maintenance loop
around the one shared store and clock. The returned Core is the single
handle embedders and the CLI hold; Close stops the maintenance loop and
releases the store.

	cfg := config.Default()
	cfg.DataDir = dir
	c, err := core.Open(cfg)
	if err != nil { ... }
	defer c.Close()

	c.Broker.Submit(ctx, ...)
	c.Board.Claim(ctx, ...)
*/
package core
