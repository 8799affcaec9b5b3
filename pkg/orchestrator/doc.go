// Package orchestrator drives conversational turns.
//
// A turn invokes the agent, streams its output as chunks, dispatches requested
// tool calls in parallel, feeds the results back in call order and repeats
// until the agent answers, fails or hits the iteration cap. Every stream ends
// with exactly one final chunk.
//
// Turns whose tools run on the client are suspended: the stream ends with a
// final response that lists the pending calls, and OrchestrateToolResult
// resumes the turn under the same stream id. Suspended streams expire after
// Config.SuspendedStreamTTL.
package orchestrator
