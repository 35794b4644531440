package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/agentworkforce/fuguesync/internal/broadcast"
	"github.com/agentworkforce/fuguesync/internal/config"
	"github.com/agentworkforce/fuguesync/internal/localstore"
	"github.com/agentworkforce/fuguesync/internal/realtime"
	"github.com/agentworkforce/fuguesync/internal/session"
	"github.com/agentworkforce/fuguesync/internal/wsclient"
)

// components owns everything a session needs and closes it in reverse order.
type components struct {
	store   localstore.Store
	backend realtime.Backend
	bus     broadcast.Broadcaster
	session *session.Session
}

func buildComponents(cfg config.Config, logger *zap.Logger, restoreOnStart bool) (*components, error) {
	c := &components{}
	store, err := localstore.BuildStoreFromDSN(cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("build local store: %w", err)
	}
	c.store = store

	backend, err := realtime.BuildBackendFromDSN(cfg.Realtime.DSN, realtime.Options{
		SubscribeTimeout: cfg.Realtime.SubscribeTimeout,
		Logger:           logger.Named("realtime"),
	})
	if err != nil {
		c.close()
		return nil, fmt.Errorf("build realtime backend: %w", err)
	}
	c.backend = backend

	if cfg.Broadcast.File != "" {
		bus, err := broadcast.NewFileChannel(cfg.Broadcast.File, broadcast.FileOptions{
			PollInterval: cfg.Broadcast.PollInterval,
			MaxBytes:     cfg.Broadcast.MaxBytes,
			Logger:       logger.Named("broadcast"),
		})
		if err != nil {
			c.close()
			return nil, fmt.Errorf("open broadcast file: %w", err)
		}
		c.bus = bus
	}

	var ws session.Transport
	if cfg.WebSocket.URL != "" {
		client, err := wsclient.New(wsclient.Options{
			URL:           cfg.WebSocket.URL,
			Token:         cfg.WebSocket.Token,
			MaxRetries:    cfg.WebSocket.MaxRetries,
			RetryInterval: cfg.WebSocket.RetryInterval,
			Logger:        logger.Named("ws"),
		})
		if err != nil {
			c.close()
			return nil, fmt.Errorf("build websocket client: %w", err)
		}
		ws = client
	}

	sess, err := session.New(session.Options{
		WebSocket:      ws,
		Realtime:       c.backend,
		Store:          c.store,
		Broadcaster:    c.bus,
		Logger:         logger.Named("session"),
		ProjectID:      cfg.ProjectID,
		RestoreOnStart: restoreOnStart,
	})
	if err != nil {
		c.close()
		return nil, err
	}
	c.session = sess
	return c, nil
}

func (c *components) start(ctx context.Context) error {
	return c.session.Start(ctx)
}

func (c *components) close() error {
	if c.session != nil {
		c.session.Stop()
	}
	var errs []error
	if c.bus != nil {
		errs = append(errs, c.bus.Close())
	}
	if c.backend != nil {
		errs = append(errs, c.backend.Close())
	}
	if c.store != nil {
		errs = append(errs, c.store.Close())
	}
	return errors.Join(errs...)
}
