package sqlstore

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/taskdeck/upload-service/internal/model"
)

// visibleUploads filters a candidate window down to the uploads the
// user may see. Public uploads pass through; a private upload is
// visible only to its conversation's owner or watchers. A private
// upload whose conversation link no longer resolves is hidden from
// everyone.
func (s *Store) visibleUploads(ctx context.Context, userID string, uploads []model.Upload) ([]model.Upload, error) {
	convIDs := make([]uuid.UUID, 0)
	seen := map[uuid.UUID]struct{}{}
	for _, u := range uploads {
		if !u.IsPrivate || u.ConversationID == nil {
			continue
		}
		if _, ok := seen[*u.ConversationID]; ok {
			continue
		}
		seen[*u.ConversationID] = struct{}{}
		convIDs = append(convIDs, *u.ConversationID)
	}

	owned := map[uuid.UUID]bool{}
	watched := map[uuid.UUID]bool{}
	if len(convIDs) > 0 {
		var convs []model.Conversation
		if err := s.db.WithContext(ctx).Where("id IN ?", convIDs).Find(&convs).Error; err != nil {
			return nil, fmt.Errorf("failed to load conversations: %w", err)
		}
		for _, conv := range convs {
			owned[conv.ID] = conv.OwnerUserID == userID
		}

		var watchers []model.Watcher
		if err := s.db.WithContext(ctx).
			Where("conversation_id IN ? AND user_id = ?", convIDs, userID).
			Find(&watchers).Error; err != nil {
			return nil, fmt.Errorf("failed to load watchers: %w", err)
		}
		for _, w := range watchers {
			watched[w.ConversationID] = true
		}
	}

	visible := make([]model.Upload, 0, len(uploads))
	for _, u := range uploads {
		if !u.IsPrivate {
			visible = append(visible, u)
			continue
		}
		if u.ConversationID == nil {
			log.Warn("private upload without conversation link; hiding", "uploadId", u.ID)
			continue
		}
		if _, resolved := owned[*u.ConversationID]; !resolved {
			log.Warn("private upload with dangling conversation link; hiding", "uploadId", u.ID, "conversationId", *u.ConversationID)
			continue
		}
		if owned[*u.ConversationID] || watched[*u.ConversationID] {
			visible = append(visible, u)
		}
	}
	return visible, nil
}
