// Package engine runs workflow executions asynchronously. Each execution is
// persisted before it starts, driven through the orchestrator in its own
// goroutine under a deadline, and can be cancelled while it waits on the
// execution engine's queue. Progress lines are stored and fanned out to
// live subscribers.
package engine
