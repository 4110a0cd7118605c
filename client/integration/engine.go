// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package integration wires the garden client together for an embedding UI:
// local stores, group keys, the connection registry and background sync.
package integration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/efchatnet/efgarden/client/config"
	"github.com/efchatnet/efgarden/client/e2e"
	"github.com/efchatnet/efgarden/client/handlers"
	"github.com/efchatnet/efgarden/client/keys"
	"github.com/efchatnet/efgarden/client/logging"
	"github.com/efchatnet/efgarden/client/metrics"
	"github.com/efchatnet/efgarden/client/middleware"
	"github.com/efchatnet/efgarden/client/models"
	"github.com/efchatnet/efgarden/client/registry"
	"github.com/efchatnet/efgarden/client/session"
	"github.com/efchatnet/efgarden/client/storage"
	"github.com/efchatnet/efgarden/client/storage/badgerstore"
	"github.com/efchatnet/efgarden/client/storage/boltstore"
	"github.com/efchatnet/efgarden/client/storage/postgres"
	gardenredis "github.com/efchatnet/efgarden/client/storage/redis"
	"github.com/efchatnet/efgarden/client/syncer"
)

const (
	VaultDir      = "vault"
	messagesFile  = "messages.db"
	reconcileWait = 30 * time.Second
	// catchUpBuffer holds state events while a catch-up is running.
	catchUpBuffer = 16
)

// Engine is the client core: one per signed-in user and device.
type Engine struct {
	cfg     config.Config
	log     *zap.Logger
	metrics *metrics.Metrics
	gather  prometheus.Gatherer

	vault    *badgerstore.Vault
	messages *boltstore.Store
	db       *sql.DB
	remote   *postgres.Store
	rdb      *redis.Client
	keys     *keys.Store
	sync     *syncer.Engine
	api      *session.APIClient
	registry *registry.Registry

	// life bounds background catch-up work; Close cancels it.
	life    context.Context
	endLife context.CancelFunc

	mu       sync.Mutex
	watching map[string]func()
	synced   map[string]time.Time
	cancel   context.CancelFunc
}

// Open unlocks the device stores and builds every component. Remote
// collaborators are optional and never block Open on reachability.
func Open(cfg config.Config, logger *zap.Logger, reg *prometheus.Registry) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := logging.OrNop(logger)
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	passphrase, err := cfg.Passphrase()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		log:      log,
		metrics:  metrics.NewMetrics(reg),
		gather:   reg,
		watching: make(map[string]func()),
		synced:   make(map[string]time.Time),
	}
	e.life, e.endLife = context.WithCancel(context.Background())

	e.vault, err = badgerstore.Open(filepath.Join(cfg.DataDir, VaultDir), passphrase, log.Named("vault"))
	if err != nil {
		return nil, err
	}

	if _, created, err := EnsureIdentity(e.vault); err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to load device identity: %w", err)
	} else if created {
		log.Info("generated device identity")
	}

	var (
		mirror  storage.RemoteMirror
		members storage.MembershipSource
		rows    syncer.RowSource
	)
	if cfg.Remote.DatabaseURL != "" {
		e.db, err = sql.Open("postgres", cfg.Remote.DatabaseURL)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("failed to open remote database: %w", err)
		}
		e.remote = postgres.NewStore(e.db)
		if cfg.DevMode {
			if err := e.remote.Migrate(); err != nil {
				log.Warn("remote migrations failed", zap.Error(err))
			}
		}
		mirror, members, rows = e.remote, e.remote, e.remote
	}

	e.messages, err = boltstore.Open(filepath.Join(cfg.DataDir, messagesFile), boltstore.Options{
		Mirror:  mirror,
		DevMode: cfg.DevMode,
		Logger:  log.Named("messages"),
		Metrics: e.metrics,
	})
	if err != nil {
		e.Close()
		return nil, err
	}

	e.keys = keys.NewStore(keys.Options{
		UserID:   cfg.UserID,
		Vault:    e.vault,
		Remote:   members,
		Channels: e.messages,
		Logger:   log.Named("keys"),
	})

	var feed storage.ChangeFeed
	if cfg.Remote.RedisAddr != "" {
		e.rdb = redis.NewClient(&redis.Options{Addr: cfg.Remote.RedisAddr})
		feed = gardenredis.NewFeed(e.rdb, cfg.Remote.FeedChannel, log.Named("feed"))
	}
	e.sync = syncer.NewEngine(syncer.Options{
		Store:      e.messages,
		Feed:       feed,
		Rows:       rows,
		RetryDelay: cfg.Session.ReconnectDelay,
		Logger:     log.Named("sync"),
		Metrics:    e.metrics,
	})

	if cfg.Backend.HTTPURL != "" {
		e.api = session.NewAPIClient(cfg.Backend.HTTPURL, cfg.Backend.AlternateHTTPURL, cfg.AuthToken, nil)
	}
	e.registry = registry.New(registry.Options{
		Factory:         e.newConnection,
		Snapshots:       e.vault,
		IdleThreshold:   cfg.Registry.IdleThreshold,
		CleanupInterval: cfg.Registry.CleanupInterval,
		HealthInterval:  cfg.Session.HealthInterval,
		MaxConnections:  cfg.Registry.MaxConnections,
		Logger:          log.Named("registry"),
		Metrics:         e.metrics,
	})

	return e, nil
}

func (e *Engine) newConnection(channelID string) *session.Connection {
	var gardenID string
	if ch, err := e.messages.GetChannel(channelID); err == nil {
		gardenID = ch.GardenID
	}
	conn := session.NewConnection(session.Options{
		ChannelID:      channelID,
		GardenID:       gardenID,
		UserID:         e.cfg.UserID,
		AuthToken:      e.cfg.AuthToken,
		WSURL:          e.cfg.Backend.WSURL,
		WSPaths:        e.cfg.Backend.WSPaths,
		API:            e.api,
		Keys:           e.keys,
		Store:          e.messages,
		Snapshots:      e.vault,
		ReconnectDelay: e.cfg.Session.ReconnectDelay,
		Logger:         e.log.Named("session"),
		Metrics:        e.metrics,
	})
	go e.catchUp(channelID, conn, conn.Subscribe(catchUpBuffer))
	return conn
}

// catchUp reconciles history every time the transport (re)connects, so
// whatever was posted while it was down reaches the local cache. It ends
// when the connection is disconnected or suspended.
func (e *Engine) catchUp(channelID string, conn *session.Connection, sub *session.Subscription) {
	for ev := range sub.C {
		if ev.Kind == session.EventState && ev.State == session.StateConnected {
			e.reconcile(channelID, conn)
		}
	}
}

func (e *Engine) reconcile(channelID string, fetcher syncer.HistoryFetcher) {
	if e.api == nil {
		return
	}
	ctx, cancel := context.WithTimeout(e.life, reconcileWait)
	defer cancel()
	n, err := e.sync.Reconcile(ctx, channelID, fetcher)
	if err != nil {
		e.log.Warn("history reconcile failed", zap.String("channel_id", channelID), zap.Error(err))
		return
	}
	e.markSynced(channelID)
	if n > 0 {
		e.log.Info("caught up on missed history", zap.String("channel_id", channelID), zap.Int("new_rows", n))
	}
}

// Start launches background work and returns immediately: the change feed,
// registry housekeeping and resumption of previously live channels.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.cancel != nil {
		e.mu.Unlock()
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	if pruned, err := e.messages.PruneExpired(time.Now()); err != nil {
		e.log.Warn("failed to prune expired messages", zap.Error(err))
	} else if len(pruned) > 0 {
		e.log.Info("pruned messages that expired while offline", zap.Int("count", len(pruned)))
	}

	e.sync.Start(ctx)
	go e.registry.Run(ctx)
	go func() {
		n, err := e.registry.Resume(ctx)
		if err != nil {
			e.log.Warn("failed to resume channels", zap.Error(err))
			return
		}
		for _, channelID := range e.registry.Channels() {
			e.follow(ctx, channelID)
		}
		if n > 0 {
			e.log.Info("resumed channels", zap.Int("count", n))
		}
	}()
}

// Connect acquires the channel's connection and starts keeping its local
// cache in step with the authority.
func (e *Engine) Connect(ctx context.Context, channelID string) error {
	if err := e.messages.EnsureChannelExists(models.Channel{ChannelID: channelID}); err != nil {
		return err
	}
	if _, err := e.messages.SeedIfEmpty(channelID, time.Now()); err != nil {
		e.log.Warn("failed to seed channel", zap.String("channel_id", channelID), zap.Error(err))
	}

	if _, err := e.registry.Acquire(ctx, channelID); err != nil {
		return err
	}
	e.follow(context.Background(), channelID)
	return nil
}

func (e *Engine) follow(ctx context.Context, channelID string) {
	e.mu.Lock()
	if _, ok := e.watching[channelID]; ok {
		e.mu.Unlock()
		return
	}
	e.watching[channelID] = e.sync.Watch(channelID, func(rows []models.Message) {
		e.markSynced(channelID)
		e.log.Debug("feed rows stored", zap.String("channel_id", channelID), zap.Int("count", len(rows)))
	})
	e.mu.Unlock()

	go func() {
		if key := e.keys.FetchAndCache(ctx, channelID, e.cfg.UserID); key == nil {
			e.log.Info("no group key yet", zap.String("channel_id", channelID))
		}

		// A live connection catches up on its own; without one, history
		// still comes over the request/response path.
		conn, ok := e.registry.Lookup(channelID)
		if !ok || conn.IsConnected() {
			return
		}
		e.reconcile(channelID, conn)
	}()
}

func (e *Engine) markSynced(channelID string) {
	e.mu.Lock()
	e.synced[channelID] = time.Now().UTC()
	e.mu.Unlock()
}

// Disconnect drops the channel's connection and stops following it.
func (e *Engine) Disconnect(channelID string) bool {
	e.mu.Lock()
	if stop, ok := e.watching[channelID]; ok {
		stop()
		delete(e.watching, channelID)
	}
	e.mu.Unlock()
	return e.registry.Remove(channelID)
}

// SendText encrypts and sends text. A non-empty id with an error means the
// message is stored locally but unconfirmed.
func (e *Engine) SendText(ctx context.Context, channelID, text string, opts session.SendOptions) (string, error) {
	conn, err := e.registry.Acquire(ctx, channelID)
	if err != nil {
		return "", err
	}
	return conn.SendPlaintext(ctx, text, opts)
}

// Messages is the decrypted, newest-first view of a channel. Rows that
// cannot be decrypted are left out; expired ephemeral rows are pruned.
func (e *Engine) Messages(ctx context.Context, channelID string) ([]models.DecryptedMessage, error) {
	now := time.Now()
	if _, err := e.messages.PruneExpiredChannel(channelID, now); err != nil {
		e.log.Warn("failed to prune expired messages", zap.Error(err))
	}

	rows, err := e.messages.QueryByChannel(channelID)
	if err != nil {
		return nil, err
	}

	out := make([]models.DecryptedMessage, 0, len(rows))
	for _, row := range rows {
		if row.SyncStatus == models.SyncSeeded {
			out = append(out, models.DecryptedMessage{Message: row, Plaintext: models.WelcomeText})
			continue
		}
		plaintext, err := e.keys.Decrypt(ctx, row)
		if err != nil {
			if !errors.Is(err, keys.ErrKeyUnavailable) {
				e.metrics.RecordDecryptFailure()
			}
			e.log.Debug("skipping undecryptable row", zap.String("message_id", row.ID), zap.Error(err))
			continue
		}
		out = append(out, models.DecryptedMessage{Message: row, Plaintext: string(plaintext)})
	}
	return out, nil
}

// Status reports the channel's connection and sync state.
func (e *Engine) Status(channelID string) (models.ChannelStatus, error) {
	status := models.ChannelStatus{
		ChannelID: channelID,
		State:     session.StateDisconnected.String(),
	}
	if conn, ok := e.registry.Lookup(channelID); ok {
		status.State = conn.State().String()
		status.Connected = conn.IsConnected()
	}

	rows, err := e.messages.QueryByChannel(channelID)
	if err != nil {
		return status, err
	}
	for _, row := range rows {
		if row.SyncStatus == models.SyncPending {
			status.Pending++
		}
	}

	e.mu.Lock()
	status.LastSyncedAt = e.synced[channelID]
	e.mu.Unlock()
	return status, nil
}

// EnsureIdentity stores a fresh X25519 key pair in vault unless one is
// already there. created reports whether a new pair was written.
func EnsureIdentity(vault storage.SecretStore) (public []byte, created bool, err error) {
	private, err := vault.PrivateKey()
	if err == nil {
		public, err = e2e.PublicKeyFromPrivate(private)
		return public, false, err
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, err
	}

	pair, err := e2e.GenerateKeyPair(nil)
	if err != nil {
		return nil, false, err
	}
	if err := vault.StorePrivateKey(pair.Private); err != nil {
		return nil, false, err
	}
	return pair.Public, true, nil
}

// RegisterRoutes adds the local UI API to router.
func (e *Engine) RegisterRoutes(router *mux.Router) {
	router.Use(middleware.CORS(e.cfg.API.AllowedOrigins))
	router.Use(middleware.RequestLogger(e.log.Named("api")))

	api := router.PathPrefix("/api/garden").Subrouter()
	api.Use(middleware.NewAuthMiddleware(e.cfg.API.Token))
	handlers.NewChannelHandler(e, e.log.Named("api")).Register(api)

	router.Handle("/metrics", promhttp.HandlerFor(e.gather, promhttp.HandlerOpts{})).Methods("GET")
	router.HandleFunc("/health", e.health).Methods("GET")
}

func (e *Engine) health(w http.ResponseWriter, r *http.Request) {
	if e.remote != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := e.remote.Ping(ctx); err != nil {
			// local-first: still usable, but say so
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("OK (remote unavailable)"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// Close stops background work and releases every store.
func (e *Engine) Close() error {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	for _, stop := range e.watching {
		stop()
	}
	e.watching = make(map[string]func())
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.endLife()

	if e.sync != nil {
		e.sync.Stop()
	}
	if e.registry != nil {
		e.registry.Close()
	}

	var errs []error
	if e.messages != nil {
		errs = append(errs, e.messages.Close())
	}
	if e.rdb != nil {
		errs = append(errs, e.rdb.Close())
	}
	if e.db != nil {
		errs = append(errs, e.db.Close())
	}
	if e.vault != nil {
		errs = append(errs, e.vault.Close())
	}
	return errors.Join(errs...)
}
