package storage

import (
	"context"

	"github.com/kalambet/lmdesk/internal/chat"
)

// SessionHistory exposes one session as a chat.History.
type SessionHistory struct {
	store     *Store
	sessionID string
}

var _ chat.History = (*SessionHistory)(nil)

// History returns a chat.History bound to sessionID.
func (s *Store) History(sessionID string) *SessionHistory {
	return &SessionHistory{store: s, sessionID: sessionID}
}

// SessionID returns the bound session.
func (h *SessionHistory) SessionID() string { return h.sessionID }

func (h *SessionHistory) Load(ctx context.Context) ([]chat.Message, error) {
	return h.store.Messages(ctx, h.sessionID)
}

func (h *SessionHistory) Append(ctx context.Context, m chat.Message) error {
	return h.store.AppendMessage(ctx, h.sessionID, m)
}
