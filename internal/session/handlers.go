package session

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/fuguesync/internal/broadcast"
	"github.com/agentworkforce/fuguesync/internal/entity"
	"github.com/agentworkforce/fuguesync/internal/protocol"
	"github.com/agentworkforce/fuguesync/internal/realtime"
	"github.com/agentworkforce/fuguesync/internal/syncengine"
	"github.com/agentworkforce/fuguesync/internal/wsclient"
)

type wsHandler struct {
	s *Session
}

func (h wsHandler) HandleMessage(env protocol.Envelope) {
	h.s.post(func() { h.s.handleEnvelope(env) })
}

func (h wsHandler) HandleState(state wsclient.State, err error) {
	h.s.post(func() {
		h.s.wsState = state
		if err != nil {
			h.s.lastErr = err
		}
	})
}

type realtimeHandler struct {
	s *Session
}

func (h realtimeHandler) OnChange(change realtime.Change) {
	h.s.post(func() { h.s.handleChange(change) })
}

func (h realtimeHandler) OnStatus(status realtime.Status, err error) {
	h.s.post(func() { h.s.handleRealtimeStatus(status, err) })
}

func (s *Session) handleEnvelope(env protocol.Envelope) {
	if protocol.IsSyncType(env.Type) {
		msg, err := s.validator.DecodeSync(env)
		if err == nil {
			s.handleSync(msg)
			return
		}
		s.logger.Debug("sync message rejected", zap.String("type", env.Type), zap.Error(err))
	}
	if env.Type == protocol.TypeTasks {
		s.handleTasks(env)
		return
	}
	actions := s.dispatcher.Dispatch(env)
	if len(actions) == 0 {
		return
	}
	ctx, cancel := s.ioContext()
	defer cancel()
	if _, err := s.history.Apply(ctx, actions); err != nil {
		s.logger.Warn("chat history not saved", zap.Error(err))
	}
}

func (s *Session) handleSync(msg protocol.SyncMessage) {
	switch m := msg.(type) {
	case protocol.SyncStatePayload:
		for _, incoming := range m.Entities {
			s.applyMerge(s.engine.Merge(incoming))
		}
		s.engine.MarkSynced()
		s.dirty = true
	case protocol.SyncPushPayload:
		for _, incoming := range m.All() {
			s.applyMerge(s.engine.Merge(incoming))
		}
	case protocol.SyncConflictPayload:
		s.applyMerge(s.engine.MergeConflict(m.Report()))
	}
}

func (s *Session) handleTasks(env protocol.Envelope) {
	var payload protocol.TasksPayload
	if err := env.DecodeBody(&payload); err != nil {
		s.logger.Debug("tasks message rejected", zap.Error(err))
		return
	}
	for _, row := range payload.Tasks {
		incoming, err := entity.FromRow(entity.TableTasks, row)
		if err != nil {
			s.logger.Debug("dropping task row", zap.Error(err))
			continue
		}
		s.applyMerge(s.engine.Merge(incoming))
	}
}

func (s *Session) handleChange(change realtime.Change) {
	incoming, err := change.Entity()
	if err != nil {
		s.logger.Debug("dropping realtime change", zap.String("table", change.Table), zap.Error(err))
		return
	}
	if change.Type == realtime.ChangeDelete {
		s.applyMerge(s.engine.Delete(incoming.Key()))
		return
	}
	s.applyMerge(s.engine.Merge(incoming))
}

// applyMerge logs the interesting outcomes and marks the snapshot dirty.
func (s *Session) applyMerge(result syncengine.MergeResult) {
	key := zap.Stringer("key", result.Key)
	switch result.Outcome {
	case syncengine.OutcomeKeptLocal:
		s.logger.Info("LWW kept local", key)
	case syncengine.OutcomeConflict:
		s.logger.Warn("sync conflict", key, zap.String("conflictId", result.Conflict.ID))
	case syncengine.OutcomeRejected:
		s.logger.Debug("sync entity rejected", key)
		return
	}
	if result.Superseded != nil {
		s.logger.Info("conflict superseded by newer write", key, zap.String("conflictId", result.Superseded.ID))
	}
	s.dirty = true
}

func (s *Session) handleRealtimeStatus(status realtime.Status, err error) {
	previous := s.rtStatus
	s.rtStatus = status
	if err != nil {
		s.lastErr = err
	}
	switch {
	case status == realtime.StatusUnavailable:
		s.logger.Info("realtime unavailable, using offline snapshot", zap.Error(err))
		s.restoreSnapshot()
	case status.NeedsResync():
		s.logger.Warn("realtime channel degraded", zap.String("status", string(status)), zap.Error(err))
		s.refetch()
	case status == realtime.StatusSubscribed && (previous == "" || previous.NeedsResync()):
		s.refetch()
	}
}

// refetch reloads every table off the actor and reconciles the result.
func (s *Session) refetch() {
	if s.refetching > 0 {
		return
	}
	s.refetching++
	backend := s.backend
	s.spawn(func(ctx context.Context) {
		tables := entity.Tables()
		rows := make([][]map[string]any, len(tables))
		g, gctx := errgroup.WithContext(ctx)
		for i, table := range tables {
			g.Go(func() error {
				fetched, err := backend.FetchSnapshot(gctx, table)
				rows[i] = fetched
				return err
			})
		}
		err := g.Wait()
		s.post(func() {
			s.refetching--
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					s.logger.Warn("snapshot refetch failed", zap.Error(err))
				}
				s.fetchErr = err
				return
			}
			s.fetchErr = nil
			for i, table := range tables {
				typ, _ := entity.TypeForTable(table)
				snapshot := make([]entity.SyncEntity, 0, len(rows[i]))
				for _, row := range rows[i] {
					incoming, err := entity.FromRow(table, row)
					if err != nil {
						s.logger.Debug("dropping snapshot row", zap.String("table", table), zap.Error(err))
						continue
					}
					snapshot = append(snapshot, incoming)
				}
				for _, result := range s.engine.ReplaceType(typ, snapshot) {
					s.applyMerge(result)
				}
			}
			s.engine.MarkSynced()
			s.dirty = true
		})
	})
}

func (s *Session) handleBroadcast(env broadcast.Envelope) {
	switch {
	case env.Channel == broadcast.ChannelSync && env.Action == broadcast.ActionConflictResolve:
		var payload broadcast.ConflictResolution
		if err := env.DecodePayload(&payload); err != nil {
			s.logger.Debug("conflict broadcast rejected", zap.Error(err))
			return
		}
		resolution, err := syncengine.ParseResolution(payload.Resolution)
		if err != nil {
			s.logger.Debug("conflict broadcast rejected", zap.Error(err))
			return
		}
		if _, ok := s.engine.ResolveConflict(payload.ConflictID, resolution); ok {
			s.logger.Info("conflict resolved by another session",
				zap.String("conflictId", payload.ConflictID),
				zap.String("resolution", string(resolution)),
			)
			s.dirty = true
		}
	case env.Channel == broadcast.ChannelAuth && env.Action == broadcast.ActionLogout:
		s.logger.Info("logout received from another session")
		go s.Stop()
	case env.Channel == broadcast.ChannelTheme:
		ctx, cancel := s.ioContext()
		defer cancel()
		if _, err := s.prefs.ApplyThemeBroadcast(ctx, env); err != nil {
			s.logger.Debug("theme broadcast rejected", zap.Error(err))
		}
	}
}
