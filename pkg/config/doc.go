/*
Package config loads and validates Switchboard configuration.

Configuration is a single YAML file layered over defaults: Load parses
the file into a Default() config so untouched sections keep their
values, and an empty path means defaults alone. Durations are written as
Go duration strings ("30s", "24h") and unmarshal through the Duration
type.

	data_dir: /var/lib/switchboard
	log:
	  level: info
	store:
	  busy_timeout: 5s
	maintenance:
	  interval: 60s

Validate enforces the operational floor (writable data dir, sane retry
and breaker bounds, nonzero intervals) and is called by Load, so a
config that loads is a config that runs.
*/
package config
