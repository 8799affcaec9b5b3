// Package agent defines the inference agent contract and its provider-backed implementation.
//
// Invariants:
// - Invoke yields its chunks on a channel that is closed after a terminal chunk.
// - ContinueWithResult answers with exactly one chunk per fed result.
// - A resolved Session is exclusive to one turn until Release is called.
// - Provider calls fail over across auth profiles; a failing profile cools down.
//
// Usage:
//
//	pool := agent.NewProfilePool(profiles)
//	resolver, _ := agent.NewResolver(agent.ResolverConfig{
//		Store:   store,
//		Factory: agent.NewLLMFactory(agent.LLMConfig{Model: "claude-sonnet-4"}, tools, nil, pool, logger),
//	})
//	sess, _ := resolver.Resolve(ctx, agent.ResolveRequest{UserID: "u1", SessionID: "s1"})
//	defer sess.Release()
package agent
