// Package worker implements the spell-check worker node and a client for its
// control protocol.
//
// A Node accepts control connections, runs one Session per connection and
// annotates submitted text against its lexicon. Each session moves through
// AwaitingHandshake, Active and Closed:
//
//	client                         worker
//	  | -- "alice" -------------------> |  register username
//	  | <-------------------- "accept" -|  (or "exists", then close)
//	  | -- "submit:notes.txt" --------> |
//	  | -- "The qwikk fox" -----------> |
//	  | <--- "checked:The [qwikk] fox" -|
//	  | <------------- "LEXICON_POLL" --|  every PollInterval
//	  | -- "lexicon-response:qwikk" --> |  add, clear cache, broadcast
//	  | <----------- "PollingSuccess" --|
//	  | -- "Disconnect_Client" -------> |
//
// A connection whose first frame is HEARTBEAT is a health probe: it is
// answered with ALIVE and closed without touching any registry.
//
// Checked results are cached by exact text. The cache is cleared whenever
// the lexicon changes, whether through a client, a peer or an edit of the
// lexicon file.
package worker
