// Package conversation holds conversation contexts and the stores that persist them.
//
// Invariants:
// - Conversation and user ids are validated and path-safe.
// - Load returns (nil, nil) for an absent conversation or one owned by another user.
// - Save never changes the owner of an existing conversation.
// - Writes for the same conversation are serialized.
//
// Usage:
//
//	store, _ := conversation.NewFileStore("/tmp/turnstile/conversations")
//	c := conversation.New("user-1")
//	c.Append(conversation.Message{Role: conversation.RoleUser, Content: "hello"})
//	_ = store.Save(ctx, c)
//	loaded, _ := store.Load(ctx, c.ID, "user-1")
//	_ = loaded
package conversation
