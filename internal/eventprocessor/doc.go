// Package eventprocessor coordinates event processing and routes decoded events to specialized handlers.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│   eventstream (ring buffer / channel)   │
//	└─────────────────┬───────────────────────┘
//	                  │
//	                  ▼
//	┌─────────────────────────────────────────┐
//	│   eventprocessor                        │  ← Event routing
//	│   - Routes by event kind                │
//	│   - Delegates to handlers               │
//	└─────────┬───────────────────────────────┘
//	          │
//	          ├──→ Create/Start/End/Join ──→ procmeta.Manager
//	          │                              - Parent links
//	          │                              - Lifecycle timestamps
//	          │
//	          ├──→ Process kinds ──────────→ ProcessEventHandler
//	          │                              - Creates/finalizes spans
//	          │
//	          └──→ Socket kinds ───────────→ SocketEventHandler
//	                                         - Receives the message Flow
//
// The processor delegates to ProcessEventHandler and SocketEventHandler interfaces,
// typically implemented by an output formatter.
package eventprocessor
