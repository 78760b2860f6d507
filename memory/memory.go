package memory

import (
	"context"
	"math"
	"time"

	"github.com/jmsegret/vampire-chat/core"
)

// Ledger is the durable, append-only store of conversations and messages.
// Implementations: sqlite.Ledger (local), postgres.Ledger.
//
// There are no update or delete operations; the ledger is a historical record.
type Ledger interface {
	// CreateConversation inserts a conversation with both timestamps set to now.
	// Returns core.ErrDuplicateKey if the id exists.
	CreateConversation(ctx context.Context, id string) (core.Conversation, error)

	// Conversation looks up a single conversation.
	// Returns core.ErrNotFound if it does not exist.
	Conversation(ctx context.Context, id string) (core.Conversation, error)

	// AddMessage inserts a message and advances the conversation's last_updated
	// timestamp in one transaction. The returned message carries the
	// ledger-assigned timestamp. Returns core.ErrForeignKey if the
	// conversation does not exist.
	AddMessage(ctx context.Context, conversationID string, role core.Role, content string, messageID string) (core.Message, error)

	// ConversationHistory returns messages in ascending timestamp order.
	// A positive limit keeps the most recent limit messages (still ascending).
	ConversationHistory(ctx context.Context, conversationID string, limit int) ([]core.Message, error)

	// RecentConversations returns conversations by last_updated descending.
	RecentConversations(ctx context.Context, limit int) ([]core.Conversation, error)

	// IterateMessages visits every message of every conversation in insertion
	// order until fn returns false.
	IterateMessages(ctx context.Context, fn func(core.Message) bool) error

	// CountMessages returns the total number of stored messages.
	CountMessages(ctx context.Context) (int, error)

	// Close releases resources.
	Close() error
}

// Embedder converts text to vector embeddings.
// Implementations: mock (testing), onnx (local all-MiniLM-L6-v2), ollama, openai.
//
// The dimension is fixed when the model is loaded and must stay stable across
// restarts; a persisted index with a different dimension is rejected.
type Embedder interface {
	// Embed converts a single text to embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns embedding vector size.
	Dimensions() int
}

// Neighbor is one search hit from a VectorIndex.
type Neighbor struct {
	// Position is the zero-based insertion position of the vector.
	Position int
	// Distance is the Euclidean (L2) distance to the query.
	Distance float32
}

// VectorIndex is the nearest-neighbor structure behind an EmbeddingIndex.
// Implementations: flat.Index (exact L2), chromem.Index (chromem-go).
//
// Vectors are addressed only by insertion position; the EmbeddingIndex keeps
// the metadata record at the same position.
type VectorIndex interface {
	Add(ctx context.Context, vector []float32) error
	// Search returns up to k neighbors, nearest first.
	Search(ctx context.Context, query []float32, k int) ([]Neighbor, error)
	Count() int
	Dimensions() int
	WriteFile(path string) error
	ReadFile(path string) error
	Reset() error
}

// Record is the metadata stored alongside each vector. One Record exists per
// message added through the Coordinator.
type Record struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           core.Role `json:"role"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
}

// RecordFromMessage builds the index record for a ledger-confirmed message.
func RecordFromMessage(msg core.Message) Record {
	return Record{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Role:           msg.Role,
		Content:        msg.Content,
		Timestamp:      msg.Timestamp,
	}
}

// Normalize scales vec to unit length. A zero vector is returned unchanged.
func Normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}

	if norm == 0 {
		return vec
	}

	norm = float32(math.Sqrt(float64(norm)))
	normalized := make([]float32, len(vec))
	for i, v := range vec {
		normalized[i] = v / norm
	}

	return normalized
}
