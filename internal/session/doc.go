// Package session is the agent runtime: per-session agents with a
// spawn/run-one-iteration/terminate lifecycle, the streaming loop that
// turns provider deltas into fragments and tool executions, and the
// multi-session manager UIs and protocol adapters talk to.
//
// # Architecture
//
// Three layers, bottom up:
//
//   - Processor: the agentic loop. One iteration builds the request
//     (system prompt, resource-deduplicated history, tool manifest or
//     in-prompt catalog depending on the session's tool syntax), streams
//     the completion through the session's stream parser, feeds every
//     fragment to the smart filter, executes the surviving tool calls,
//     and decides continuation. Rate limits and connection errors retry
//     with jittered backoff; cancellation discards the in-flight
//     assistant message.
//
//   - Service: session CRUD and persistence. Sessions are created with
//     an immutable tool syntax and project binding (CreateOptions);
//     messages and parts live in per-key storage files, the pending user
//     message and working memory on the session itself.
//
//   - MultiSessionManager: owns every SessionInstance (fragment ring
//     buffer, activity state machine, pending-message queue). Agents are
//     spawned on demand per input and terminate at Idle; at most one
//     session is UI-connected at a time, any number may be running.
//
// # Tool syntax
//
// A session's tool syntax (native, xml, caret) is fixed at creation and
// selects the stream parser for both live streaming and replay:
//
//	sess, _ := svc.CreateSession(ctx, session.CreateOptions{
//		Directory:  "/path/to/project",
//		ToolSyntax: protocol.ToolSyntaxCaret,
//	})
//
// Native sessions send a structured tool manifest to the provider;
// xml/caret sessions carry the catalog in the system prompt and parse
// tool invocations out of the streamed text. Either way the loop sees
// only fragments, so the smart filter and the UI contract are identical
// across syntaxes.
//
// # Driving a turn
//
// The manager is the entry point for interactive use:
//
//	mgr := session.NewMultiSessionManager(svc)
//	mgr.ConnectUI(sess.ID, termUI)
//	mgr.StartAgentForMessage(ctx, sess.ID, "fix the failing test", nil, nil)
//	mgr.WaitForCompletion(ctx, sess.ID)
//
// Submitting while an agent runs queues a pending message, drained
// before the agent returns to Idle. Switching the connected UI replays
// the instance's fragment buffer, so a freshly attached front end
// catches up on the current turn without any agent-side state moving.
//
// # Agents
//
// Agent values are behavior presets: system prompt, sampling knobs,
// per-tool enablement, permission policy, and the registry tool mode
// the agent sees (DefaultAgent, CodeAgent, PlanAgent, MemoryAgent).
//
// # Compaction
//
// When estimated history tokens cross the threshold, the oldest
// messages after the last summary are replaced by a single summary
// message, keeping the most recent window verbatim; compacting
// already-compacted history is a no-op.
package session
