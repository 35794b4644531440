package realtime

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/agentworkforce/fuguesync/internal/entity"
)

const (
	postgresNotifyChannel        = "fugue_changes"
	postgresNotifyFunction       = "fugue_notify_change"
	postgresTriggerName          = "fugue_notify"
	postgresOperationTimeout     = 5 * time.Second
	postgresMinReconnectInterval = 250 * time.Millisecond
	postgresMaxReconnectInterval = 10 * time.Second
	postgresListenerPingInterval = 90 * time.Second
	defaultSubscribeTimeout      = 10 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// changeListener is the subset of *pq.Listener the backend uses.
type changeListener interface {
	Listen(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Ping() error
	Close() error
}

type listenerFunc func(dsn string, callback pq.EventCallbackType) changeListener

type Options struct {
	SubscribeTimeout time.Duration
	Logger           *zap.Logger
}

// PostgresBackend stores the three tables in Postgres and delivers changes
// through a LISTEN/NOTIFY trigger.
type PostgresBackend struct {
	dsn              string
	channel          string
	subscribeTimeout time.Duration
	logger           *zap.Logger
	openDB           sqlOpenFunc
	newListener      listenerFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	mu     sync.Mutex
	subs   map[*postgresSubscription]struct{}
	closed bool
}

func NewPostgresBackend(dsn string, opts Options) (*PostgresBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	timeout := opts.SubscribeTimeout
	if timeout <= 0 {
		timeout = defaultSubscribeTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresBackend{
		dsn:              dsn,
		channel:          postgresNotifyChannel,
		subscribeTimeout: timeout,
		logger:           logger,
		openDB:           sql.Open,
		newListener:      newPQListener,
		subs:             map[*postgresSubscription]struct{}{},
	}, nil
}

func newPQListener(dsn string, callback pq.EventCallbackType) changeListener {
	return pq.NewListener(dsn, postgresMinReconnectInterval, postgresMaxReconnectInterval, callback)
}

func (b *PostgresBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		if err := b.migrate(ctx, db); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func (b *PostgresBackend) migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", postgresMigrationLockKey(b.channel)); err != nil {
		return err
	}
	for _, statement := range migrationStatements(b.channel) {
		if _, err := tx.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("realtime migration: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// migrationStatements creates the tables and a trigger that notifies row keys
// only. NOTIFY payloads are capped just under 8000 bytes, so subscribers read
// the row back instead of receiving it inline.
func migrationStatements(channel string) []string {
	statements := []string{
		fmt.Sprintf(`
			CREATE OR REPLACE FUNCTION %s() RETURNS trigger AS $$
			BEGIN
				IF TG_OP = 'DELETE' THEN
					PERFORM pg_notify(%s, json_build_object(
						'table', TG_TABLE_NAME, 'type', TG_OP, 'id', OLD.id, 'updated_at', OLD.updated_at
					)::text);
				ELSE
					PERFORM pg_notify(%[2]s, json_build_object(
						'table', TG_TABLE_NAME, 'type', TG_OP, 'id', NEW.id, 'updated_at', NEW.updated_at
					)::text);
				END IF;
				RETURN NULL;
			END;
			$$ LANGUAGE plpgsql`, postgresNotifyFunction, pq.QuoteLiteral(channel)),
	}
	for _, table := range entity.Tables() {
		quoted := postgresQuoteIdentifier(table)
		statements = append(statements,
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id TEXT PRIMARY KEY,
					data JSONB NOT NULL DEFAULT '{}'::jsonb,
					updated_at BIGINT NOT NULL,
					updated_by TEXT,
					version INTEGER NOT NULL DEFAULT 0
				)`, quoted),
			fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", postgresQuoteIdentifier(postgresTriggerName), quoted),
			fmt.Sprintf(
				"CREATE TRIGGER %s AFTER INSERT OR UPDATE OR DELETE ON %s FOR EACH ROW EXECUTE FUNCTION %s()",
				postgresQuoteIdentifier(postgresTriggerName), quoted, postgresNotifyFunction,
			),
		)
	}
	return statements
}

func (b *PostgresBackend) Subscribe(ctx context.Context, tables []string, h Handler) (Subscription, error) {
	if h == nil {
		return nil, ErrInvalidInput
	}
	set, err := tableSet(tables)
	if err != nil {
		return nil, err
	}
	if err := b.ensureReady(); err != nil {
		h.OnStatus(StatusChannelError, err)
		return nil, err
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &postgresSubscription{
		backend:  b,
		tables:   set,
		handler:  h,
		cancel:   cancel,
		done:     make(chan struct{}),
		fetchRow: b.fetchRow,
	}
	sub.listener = b.newListener(b.dsn, sub.onListenerEvent)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		_ = sub.listener.Close()
		return nil, ErrClosed
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.run(subCtx)
	return sub, nil
}

type postgresSubscription struct {
	backend  *PostgresBackend
	tables   map[string]struct{}
	handler  Handler
	listener changeListener
	cancel   context.CancelFunc
	done     chan struct{}
	fetchRow func(ctx context.Context, table, id string) (map[string]any, error)

	closeOnce sync.Once
}

func (s *postgresSubscription) run(ctx context.Context) {
	defer close(s.done)
	logger := s.backend.logger

	listenErr := make(chan error, 1)
	go func() { listenErr <- s.listener.Listen(s.backend.channel) }()
	timer := time.NewTimer(s.backend.subscribeTimeout)
	defer timer.Stop()
	select {
	case err := <-listenErr:
		if err != nil {
			logger.Warn("realtime listen failed", zap.String("channel", s.backend.channel), zap.Error(err))
			s.handler.OnStatus(StatusChannelError, err)
		} else {
			s.handler.OnStatus(StatusSubscribed, nil)
		}
	case <-timer.C:
		logger.Warn("realtime subscribe timed out", zap.Duration("timeout", s.backend.subscribeTimeout))
		s.handler.OnStatus(StatusTimedOut, context.DeadlineExceeded)
	case <-ctx.Done():
		return
	}

	ping := time.NewTicker(postgresListenerPingInterval)
	defer ping.Stop()
	notifications := s.listener.NotificationChannel()
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-listenErr:
			// A listen that outlived the subscribe timeout.
			if err == nil {
				s.handler.OnStatus(StatusSubscribed, nil)
			}
		case <-ping.C:
			go func() { _ = s.listener.Ping() }()
		case notification, ok := <-notifications:
			if !ok {
				return
			}
			if notification == nil {
				continue
			}
			s.handleNotification(ctx, notification.Extra)
		}
	}
}

// handleNotification turns a row-key notification into a Change, reading
// the current row for inserts and updates. A row that cannot be read is
// reported as a channel error followed by a resubscribe so the session
// refetches the tables.
func (s *postgresSubscription) handleNotification(ctx context.Context, payload string) {
	logger := s.backend.logger
	note, err := parseNotification(payload)
	if err != nil {
		logger.Warn("dropping malformed realtime notification", zap.Error(err))
		return
	}
	if _, ok := s.tables[note.Table]; !ok {
		return
	}
	key := map[string]any{"id": note.ID, "updated_at": note.UpdatedAt}
	if note.Type == ChangeDelete {
		s.handler.OnChange(Change{Table: note.Table, Type: ChangeDelete, OldRecord: key})
		return
	}
	row, err := s.fetchRow(ctx, note.Table, note.ID)
	if errors.Is(err, sql.ErrNoRows) {
		// Deleted since; its DELETE notification follows.
		logger.Debug("changed row already gone", zap.String("table", note.Table), zap.String("id", note.ID))
		return
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Warn("realtime row read failed", zap.String("table", note.Table), zap.String("id", note.ID), zap.Error(err))
		s.handler.OnStatus(StatusChannelError, err)
		s.handler.OnStatus(StatusSubscribed, nil)
		return
	}
	s.handler.OnChange(Change{Table: note.Table, Type: note.Type, Record: row})
}

func (s *postgresSubscription) onListenerEvent(event pq.ListenerEventType, err error) {
	switch event {
	case pq.ListenerEventDisconnected:
		s.backend.logger.Warn("realtime listener disconnected", zap.Error(err))
		s.handler.OnStatus(StatusChannelError, err)
	case pq.ListenerEventReconnected:
		s.backend.logger.Info("realtime listener reconnected")
		s.handler.OnStatus(StatusSubscribed, nil)
	case pq.ListenerEventConnectionAttemptFailed:
		s.backend.logger.Debug("realtime listener connection attempt failed", zap.Error(err))
	}
}

func (s *postgresSubscription) Unsubscribe() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.listener.Close()
		<-s.done
		s.backend.mu.Lock()
		delete(s.backend.subs, s)
		s.backend.mu.Unlock()
		s.handler.OnStatus(StatusClosed, nil)
	})
	return err
}

type rowNotification struct {
	Table     string
	Type      ChangeType
	ID        string
	UpdatedAt int64
}

func parseNotification(payload string) (rowNotification, error) {
	var raw struct {
		Table     string `json:"table"`
		Type      string `json:"type"`
		ID        string `json:"id"`
		UpdatedAt int64  `json:"updated_at"`
	}
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return rowNotification{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	table, err := validateTable(raw.Table)
	if err != nil {
		return rowNotification{}, err
	}
	changeType, ok := ParseChangeType(raw.Type)
	if !ok {
		return rowNotification{}, fmt.Errorf("%w: unknown change type %q", ErrInvalidInput, raw.Type)
	}
	if strings.TrimSpace(raw.ID) == "" {
		return rowNotification{}, fmt.Errorf("%w: notification without id", ErrInvalidInput)
	}
	return rowNotification{Table: table, Type: changeType, ID: raw.ID, UpdatedAt: raw.UpdatedAt}, nil
}

func (b *PostgresBackend) FetchSnapshot(ctx context.Context, table string) ([]map[string]any, error) {
	table, err := validateTable(table)
	if err != nil {
		return nil, err
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT id, data, updated_at, updated_by, version FROM %s ORDER BY id ASC", postgresQuoteIdentifier(table))
	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]map[string]any, 0)
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			var malformed *malformedRowError
			if errors.As(err, &malformed) {
				b.logger.Warn("skipping row with malformed data", zap.String("table", table), zap.String("id", malformed.id), zap.Error(malformed.err))
				continue
			}
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// fetchRow reads one row by id. It returns sql.ErrNoRows when the row is gone.
func (b *PostgresBackend) fetchRow(ctx context.Context, table, id string) (map[string]any, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT id, data, updated_at, updated_by, version FROM %s WHERE id = $1", postgresQuoteIdentifier(table))
	row, err := scanRow(b.db.QueryRowContext(ctx, query, id))
	if err != nil {
		var malformed *malformedRowError
		if errors.As(err, &malformed) {
			return nil, malformed.err
		}
		return nil, err
	}
	return row, nil
}

type malformedRowError struct {
	id  string
	err error
}

func (e *malformedRowError) Error() string {
	return fmt.Sprintf("row %s has malformed data: %v", e.id, e.err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(scanner rowScanner) (map[string]any, error) {
	var (
		id        string
		data      []byte
		updatedAt int64
		updatedBy sql.NullString
		version   int
	)
	if err := scanner.Scan(&id, &data, &updatedAt, &updatedBy, &version); err != nil {
		return nil, err
	}
	payload := map[string]any{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, &malformedRowError{id: id, err: err}
		}
	}
	row := map[string]any{
		"id":         id,
		"data":       payload,
		"updated_at": updatedAt,
		"version":    version,
	}
	if updatedBy.Valid {
		row["updated_by"] = updatedBy.String
	}
	return row, nil
}

// Upsert writes the batch in one statement keyed by id. Replaying the same
// batch is harmless.
func (b *PostgresBackend) Upsert(ctx context.Context, table string, entities []entity.SyncEntity) error {
	table, err := validateTable(table)
	if err != nil {
		return err
	}
	if len(entities) == 0 {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	query, args, err := buildUpsert(table, entities)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func buildUpsert(table string, entities []entity.SyncEntity) (string, []any, error) {
	values := make([]string, 0, len(entities))
	args := make([]any, 0, len(entities)*5)
	seen := make(map[string]int, len(entities))
	for _, item := range entities {
		if strings.TrimSpace(item.ID) == "" {
			return "", nil, fmt.Errorf("%w: entity without id", ErrInvalidInput)
		}
		data := item.Data
		if data == nil {
			data = map[string]any{}
		}
		payload, err := json.Marshal(data)
		if err != nil {
			return "", nil, err
		}
		var updatedBy any
		if item.UpdatedBy != "" {
			updatedBy = item.UpdatedBy
		}
		row := []any{item.ID, string(payload), int64(item.UpdatedAt), updatedBy, item.Version}
		// ON CONFLICT cannot touch the same row twice in one statement.
		if idx, dup := seen[item.ID]; dup {
			copy(args[idx*5:idx*5+5], row)
			continue
		}
		seen[item.ID] = len(values)
		n := len(args)
		values = append(values, fmt.Sprintf("($%d, $%d::jsonb, $%d, $%d, $%d)", n+1, n+2, n+3, n+4, n+5))
		args = append(args, row...)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, data, updated_at, updated_by, version)
		VALUES %s
		ON CONFLICT (id)
		DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at,
			updated_by = EXCLUDED.updated_by, version = EXCLUDED.version`,
		postgresQuoteIdentifier(table), strings.Join(values, ", "))
	return query, args, nil
}

func (b *PostgresBackend) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	b.closed = true
	subs := make([]*postgresSubscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresMigrationLockKey(channel string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte("fugue-realtime-migrate"))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(channel)))
	return int64(hasher.Sum64())
}
