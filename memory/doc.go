// Package memory provides the conversation memory for the chat assistant.
//
// Every message is written to two stores:
//   - Ledger: durable relational record of conversations and messages
//     (SQLite for local use, Postgres optional)
//   - EmbeddingIndex: a nearest-neighbor index over message embeddings plus a
//     parallel list of message metadata, persisted as two files
//
// The Coordinator is the only entry point the chat flow uses. It commits
// messages to the Ledger first and the Index second, answers "what past
// messages are relevant to this query", and formats a conversation for the
// completion API.
//
// Integration:
//   - RECORD: Coordinator.AddMessage for both the user message and the reply
//   - RETRIEVE: Coordinator.RelevantContext before calling the model
//   - REPAIR: Coordinator.Reconcile / Rebuild re-derive the Index from the Ledger
//
// Memory is global: retrieval searches messages from every conversation, not
// only the current one.
package memory
