// Package localstore is the durable key/value store the sync core uses as its
// offline fallback, keyed the same way the dashboard keys browser storage.
package localstore

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrNotFound       = errors.New("key not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
	ErrClosed         = errors.New("store closed")
)

const (
	KeyChatHistory     = "fugue-chat-history"
	KeyTheme           = "fugue-theme"
	KeyProjects        = "fugue-projects"
	KeyActiveProjectID = "fugue-active-project-id"
	KeySyncSnapshot    = "fugue-sync-snapshot"

	conversationKeyPrefix = "fugue-conversations-"
)

// ConversationKey is the per-project chat history key.
func ConversationKey(projectID string) string {
	return conversationKeyPrefix + strings.TrimSpace(projectID)
}

type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	Close() error
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	return nil
}
