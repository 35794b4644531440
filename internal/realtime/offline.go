package realtime

import (
	"context"

	"github.com/agentworkforce/fuguesync/internal/entity"
)

// OfflineBackend stands in when no realtime credentials are configured.
type OfflineBackend struct{}

func NewOfflineBackend() *OfflineBackend {
	return &OfflineBackend{}
}

func (*OfflineBackend) Subscribe(ctx context.Context, tables []string, h Handler) (Subscription, error) {
	if h != nil {
		h.OnStatus(StatusUnavailable, ErrOffline)
	}
	return noopSubscription{}, nil
}

func (*OfflineBackend) FetchSnapshot(ctx context.Context, table string) ([]map[string]any, error) {
	if _, err := validateTable(table); err != nil {
		return nil, err
	}
	return nil, nil
}

func (*OfflineBackend) Upsert(ctx context.Context, table string, entities []entity.SyncEntity) error {
	return ErrOffline
}

func (*OfflineBackend) Close() error {
	return nil
}
