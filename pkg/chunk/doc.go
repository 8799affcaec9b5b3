// Package chunk defines the outward chunk union streamed to callers and the
// pure translation from agent output to it.
//
// Invariants:
// - The kind set is closed; each chunk carries exactly the payload its kind names.
// - Only error and final_response chunks may be final.
// - Translator never performs I/O; the same input always yields the same chunks.
//
// Usage:
//
//	tr := chunk.Translator{StreamID: id, AgentInstanceID: inst, PersonaID: persona}
//	for _, c := range tr.Translate(internal) {
//		_ = enc.Encode(c)
//	}
package chunk
