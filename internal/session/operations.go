package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/fuguesync/internal/broadcast"
	"github.com/agentworkforce/fuguesync/internal/entity"
	"github.com/agentworkforce/fuguesync/internal/protocol"
	"github.com/agentworkforce/fuguesync/internal/syncengine"
	"github.com/agentworkforce/fuguesync/internal/wsclient"
)

// UpdateEntity records a local mutation. The returned copy carries the bumped
// version and timestamp.
func (s *Session) UpdateEntity(ctx context.Context, next entity.SyncEntity) (entity.SyncEntity, error) {
	if err := next.Validate(); err != nil {
		return entity.SyncEntity{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if s.isStopped() {
		return entity.SyncEntity{}, ErrStopped
	}
	if next.UpdatedBy == "" {
		next.UpdatedBy = s.clientID
	}
	var (
		stored entity.SyncEntity
		opErr  error
	)
	err := s.do(ctx, func() {
		stored, opErr = s.engine.Update(next)
		if opErr == nil {
			s.dirty = true
		}
	})
	if err != nil {
		return entity.SyncEntity{}, err
	}
	return stored, opErr
}

// ResolveConflict applies a user decision and tells the other sessions about
// it. Resolving an unknown or already resolved conflict returns
// ErrConflictUnknown and changes nothing.
func (s *Session) ResolveConflict(ctx context.Context, id string, resolution syncengine.Resolution) (syncengine.Conflict, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return syncengine.Conflict{}, fmt.Errorf("%w: conflict id is required", ErrInvalidInput)
	}
	if _, err := syncengine.ParseResolution(string(resolution)); err != nil {
		return syncengine.Conflict{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if s.isStopped() {
		return syncengine.Conflict{}, ErrStopped
	}
	var (
		conflict syncengine.Conflict
		ok       bool
	)
	if err := s.do(ctx, func() {
		conflict, ok = s.engine.ResolveConflict(id, resolution)
		if ok {
			s.dirty = true
		}
	}); err != nil {
		return syncengine.Conflict{}, err
	}
	if !ok {
		return syncengine.Conflict{}, fmt.Errorf("%w: %s", ErrConflictUnknown, id)
	}
	s.logger.Info("conflict resolved", zap.String("conflictId", id), zap.String("resolution", string(resolution)))
	if s.broadcaster != nil {
		env, err := broadcast.NewEnvelope(broadcast.ChannelSync, broadcast.ActionConflictResolve, broadcast.ConflictResolution{
			ConflictID: id,
			Resolution: string(resolution),
		})
		if err == nil {
			err = s.broadcaster.Publish(ctx, env)
		}
		if err != nil {
			s.logger.Warn("conflict resolution not broadcast", zap.Error(err))
		}
	}
	return conflict, nil
}

// PushResult summarizes one ForcePush.
type PushResult struct {
	Tables       int `json:"tables"`
	Pushed       int `json:"pushed"`
	Acknowledged int `json:"acknowledged"`
}

// ForcePush upserts every pending write, one batch per table. On any failure
// the whole pending set is kept and the session reports offline. Writes made
// while the push is in flight stay pending for the next push.
func (s *Session) ForcePush(ctx context.Context) (PushResult, error) {
	if s.isStopped() {
		return PushResult{}, ErrStopped
	}
	var batches []syncengine.Batch
	if err := s.do(ctx, func() { batches = s.engine.PendingBatches() }); err != nil {
		return PushResult{}, err
	}
	result := PushResult{Tables: len(batches)}
	if len(batches) == 0 {
		err := s.do(ctx, func() { s.engine.MarkSynced() })
		return result, err
	}
	pushed := make([]entity.SyncEntity, 0)
	for _, batch := range batches {
		pushed = append(pushed, batch.Entities...)
	}
	result.Pushed = len(pushed)

	pushCtx, cancel := context.WithTimeout(ctx, s.pushTimeout)
	defer cancel()
	g, gctx := errgroup.WithContext(pushCtx)
	for _, batch := range batches {
		g.Go(func() error {
			if err := s.backend.Upsert(gctx, batch.Table, batch.Entities); err != nil {
				return fmt.Errorf("upsert %s: %w", batch.Table, err)
			}
			return nil
		})
	}
	pushErr := g.Wait()

	if s.isStopped() {
		return result, ErrStopped
	}
	if err := s.do(context.Background(), func() {
		if pushErr != nil {
			s.engine.MarkPushFailed()
			return
		}
		result.Acknowledged = s.engine.Acknowledge(pushed)
		s.dirty = true
	}); err != nil {
		return result, err
	}
	if pushErr != nil {
		s.logger.Warn("force push failed", zap.Int("pending", len(pushed)), zap.Error(pushErr))
		return result, pushErr
	}
	s.logger.Info("force push complete",
		zap.Int("tables", result.Tables),
		zap.Int("pushed", result.Pushed),
		zap.Int("acknowledged", result.Acknowledged),
	)
	return result, nil
}

// SendChat records a chat message in the history and sends it. A message
// that could not be sent stays in the history marked failed.
func (s *Session) SendChat(ctx context.Context, text string, chatContext map[string]any) (entity.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return entity.Message{}, fmt.Errorf("%w: message is required", ErrInvalidInput)
	}
	if s.isStopped() {
		return entity.Message{}, ErrStopped
	}
	if s.ws == nil {
		return entity.Message{}, wsclient.ErrNotConnected
	}
	msg := entity.Message{
		ID:        uuid.NewString(),
		Role:      entity.RoleUser,
		Content:   text,
		Timestamp: entity.TimestampOf(s.now()),
		Status:    entity.MessageCompleted,
	}
	if err := s.recordMessage(ctx, msg); err != nil {
		return entity.Message{}, err
	}
	if err := s.send(ctx, protocol.Chat(text, chatContext)); err != nil {
		msg.Status = entity.MessageFailed
		if recordErr := s.recordMessage(ctx, msg); recordErr != nil {
			s.logger.Debug("failed chat message not recorded", zap.Error(recordErr))
		}
		return msg, err
	}
	return msg, nil
}

func (s *Session) recordMessage(ctx context.Context, msg entity.Message) error {
	return s.do(ctx, func() {
		ioCtx, cancel := s.ioContext()
		defer cancel()
		if err := s.history.AddUserMessage(ioCtx, msg); err != nil {
			s.logger.Warn("chat history not saved", zap.Error(err))
		}
	})
}

func (s *Session) SendCommand(ctx context.Context, command string, args ...string) error {
	command = strings.TrimSpace(command)
	if command == "" {
		return fmt.Errorf("%w: command is required", ErrInvalidInput)
	}
	return s.send(ctx, protocol.Command(command, args...))
}

func (s *Session) send(ctx context.Context, msg protocol.ClientMessage) error {
	if s.isStopped() {
		return ErrStopped
	}
	if s.ws == nil {
		return wsclient.ErrNotConnected
	}
	return s.ws.Send(ctx, msg)
}
