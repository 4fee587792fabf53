// Package cluster defines the wire protocol shared by every spellnet process:
// the length-prefixed control frames spoken between clients, the load
// balancer, and workers, the JSON messages exchanged on the peer sync channel,
// and small helpers for the HTTP status endpoints.
//
// # Topology
//
//	            ┌──────────────┐
//	 clients ──▶│ Load Balancer│── HEARTBEAT probes ──┐
//	            └──────┬───────┘                      │
//	                   │ raw byte proxy               │
//	         ┌─────────┴─────────┐                    │
//	         ▼                   ▼                    │
//	   ┌──────────┐  sync  ┌──────────┐◀──────────────┘
//	   │ Worker A │◀──────▶│ Worker B │
//	   └──────────┘  JSON  └──────────┘
//
// # Control Frames
//
// Every control frame is a 4-byte big-endian payload length followed by the
// UTF-8 payload. Frames larger than MaxFrameSize are rejected with
// ErrFrameTooLarge. The balancer never decodes frames it relays; it only
// encodes its own routing error frames.
//
//	C→S  <username>                    handshake
//	S→C  accept | exists               handshake result
//	P→S  HEARTBEAT                     liveness probe
//	S→P  ALIVE                         liveness reply, then close
//	C→S  Disconnect_Client             graceful close
//	C→S  submit:<filename>, <text>     spell-check request (two frames)
//	S→C  checked:<annotated text>      unknown words wrapped in brackets
//	S→C  LEXICON_POLL                  server asks for custom words
//	C→S  lexicon-response:<a,b,c>      custom words, or lexicon-response:none
//	S→C  PollingSuccess | NoNewWords   poll acknowledgement
//
// # Sync Channel
//
// Peers exchange exactly one SyncMessage per TCP connection. The sender writes
// the JSON object and closes; no reply is sent.
package cluster
