/*
Package notify is an in-process wakeup hub.

Waiters register a key and block on the returned channel; Notify nudges
whoever is registered under that key without ever blocking the caller.
The broker uses it to cut ask/reply polling latency when requester and
responder share a process. It is a hint, not a delivery mechanism:
cross-process responders are picked up by the poll alone.
*/
package notify
