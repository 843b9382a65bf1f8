// Package action provides the shared queue record types used across
// medsync packages to avoid import cycles between the engine, store,
// and binding layers.
package action

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type identifies a queueable user operation
type Type string

const (
	TypeCreatePost    Type = "create_post"
	TypeEditPost      Type = "edit_post"
	TypeDeletePost    Type = "delete_post"
	TypeCreateComment Type = "create_comment"
	TypeEditComment   Type = "edit_comment"
	TypeDeleteComment Type = "delete_comment"
	TypeLike          Type = "like"
	TypeUnlike        Type = "unlike"
	TypeBookmark      Type = "bookmark"
	TypeUnbookmark    Type = "unbookmark"
	TypeFollow        Type = "follow"
	TypeUnfollow      Type = "unfollow"
	TypeSendMessage   Type = "send_message"
	TypeMarkRead      Type = "mark_read"
	TypeVotePoll      Type = "vote_poll"
)

// All lists every action type in a stable order.
func All() []Type {
	return []Type{
		TypeCreatePost, TypeEditPost, TypeDeletePost,
		TypeCreateComment, TypeEditComment, TypeDeleteComment,
		TypeLike, TypeUnlike, TypeBookmark, TypeUnbookmark,
		TypeFollow, TypeUnfollow,
		TypeSendMessage, TypeMarkRead, TypeVotePoll,
	}
}

// Valid reports whether t is a known action type.
func (t Type) Valid() bool {
	for _, known := range All() {
		if t == known {
			return true
		}
	}
	return false
}

// QueuedAction is a pending side-effecting operation awaiting delivery.
// The JSON shape is the durable schema: a store holds an array of these.
type QueuedAction struct {
	ID          string          `json:"id"`
	Type        Type            `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Timestamp   time.Time       `json:"timestamp"`
	RetryCount  int             `json:"retryCount"`
	MaxRetries  int             `json:"maxRetries"`
	Priority    int             `json:"priority"`
	Fingerprint string          `json:"fingerprint,omitempty"`
}

// MutationRecord is the replay queue's looser-typed twin of QueuedAction:
// an opaque named mutation with bounded retries and no priority.
type MutationRecord struct {
	ID          string          `json:"id"`
	MutationKey string          `json:"mutationKey"`
	Variables   json.RawMessage `json:"variables"`
	Timestamp   time.Time       `json:"timestamp"`
	Retries     int             `json:"retries"`
}

// NewID generates a queue record id: millisecond timestamp plus a random
// suffix. IDs sort roughly by creation time, which makes queue dumps and
// dead-letter journals easier to read.
func NewID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// Payload shapes, one per action type. Enqueue accepts any JSON-marshalable
// value; these are the shapes the registry's endpoint templates expect.

// CreatePostPayload creates a feed or room post.
type CreatePostPayload struct {
	Content string `json:"content"`
	RoomID  int64  `json:"roomId,omitempty"`
}

// EditPostPayload rewrites an existing post's content.
type EditPostPayload struct {
	ID      int64  `json:"id"`
	Content string `json:"content"`
}

// DeletePostPayload removes a post.
type DeletePostPayload struct {
	ID int64 `json:"id"`
}

// CreateCommentPayload adds a comment under a post.
type CreateCommentPayload struct {
	PostID  int64  `json:"postId"`
	Content string `json:"content"`
}

// EditCommentPayload rewrites a comment.
type EditCommentPayload struct {
	ID      int64  `json:"id"`
	Content string `json:"content"`
}

// DeleteCommentPayload removes a comment.
type DeleteCommentPayload struct {
	ID int64 `json:"id"`
}

// TargetPayload addresses a single entity by id. Used by the toggle
// actions (like/unlike, bookmark/unbookmark, follow/unfollow) and by
// mark_read, where the id names the conversation.
type TargetPayload struct {
	ID int64 `json:"id"`
}

// SendMessagePayload posts a message into a conversation.
type SendMessagePayload struct {
	ID   int64  `json:"id"`
	Text string `json:"text"`
}

// VotePollPayload records a poll vote.
type VotePollPayload struct {
	ID       int64  `json:"id"`
	OptionID string `json:"optionId"`
}
