package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/lukasbauer/voiceloop/internal/backend"
	"github.com/lukasbauer/voiceloop/internal/eventlog"
	"github.com/lukasbauer/voiceloop/internal/events"
	"github.com/lukasbauer/voiceloop/internal/logging"
	"github.com/lukasbauer/voiceloop/internal/metrics"
	"github.com/lukasbauer/voiceloop/internal/monitoring"
	"github.com/lukasbauer/voiceloop/internal/notifications"
	"github.com/lukasbauer/voiceloop/internal/settings"
	"github.com/lukasbauer/voiceloop/internal/store"
	"github.com/lukasbauer/voiceloop/internal/turn"
)

// ErrNoDatabase is returned by operations that need DATABASE_URL.
var ErrNoDatabase = errors.New("DATABASE_URL is not configured")

// App holds the process-wide collaborators that do not touch audio devices.
type App struct {
	cfg      Config
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	reporter monitoring.Reporter

	db         *pgxpool.Pool
	store      *store.Store
	eventLog   *eventlog.Logger
	settings   settings.Store
	backend    *backend.Client
	publisher  *events.Publisher
	alerts     *notifications.Discord
	httpClient *http.Client // Shared HTTP client with connection pooling for remote calls
	deviceID   string
}

func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*App, error) {
	a := &App{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics.DefaultMetrics,
		reporter: monitoring.Nop{},
	}
	if cfg.SentryDSN != "" {
		a.reporter = monitoring.NewSentryReporter()
	}

	if cfg.DatabaseURL != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		db, err := store.Connect(connectCtx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		a.db = db
		a.store = store.New(db)
		a.eventLog = eventlog.New(db)
		a.settings = a.store.Settings()
	} else {
		a.settings = settings.NewFileStore(cfg.SettingsPath)
	}

	deviceID, err := resolveDeviceID(ctx, a.settings, cfg.DeviceID)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("resolve device id: %w", err)
	}
	a.deviceID = deviceID

	// Keeps TCP connections alive to reduce latency for repeated calls to
	// the same provider.
	a.httpClient = &http.Client{
		Timeout: cfg.RemoteTimeout + 5*time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}

	a.backend = backend.New(backend.Config{
		BaseURL:    cfg.BackendURL,
		JWTSecret:  cfg.BackendJWTSecret,
		DeviceID:   deviceID,
		HTTPClient: a.httpClient,
	})

	a.publisher = events.New(events.Config{
		Brokers:    cfg.KafkaBrokers,
		TopicTurns: cfg.KafkaTopicTurns,
		TopicWake:  cfg.KafkaTopicWake,
		DeviceID:   deviceID,
	}, logging.WithComponent("events"), a.metrics)

	a.alerts = notifications.NewDiscord(cfg.DiscordWebhook, deviceID, logging.WithComponent("alerts"))

	return a, nil
}

// resolveDeviceID returns the configured id or a generated one persisted in
// the settings store.
func resolveDeviceID(ctx context.Context, s settings.Store, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	id, err := s.Get(ctx, settings.KeyDeviceID)
	if err == nil && id != "" {
		return id, nil
	}
	if err != nil && !errors.Is(err, settings.ErrNotFound) {
		return "", err
	}
	id = uuid.NewString()
	if err := s.Set(ctx, settings.KeyDeviceID, id); err != nil {
		return "", err
	}
	return id, nil
}

func (a *App) Config() Config                { return a.cfg }
func (a *App) Logger() zerolog.Logger        { return a.logger }
func (a *App) Backend() *backend.Client      { return a.backend }
func (a *App) Settings() settings.Store      { return a.settings }
func (a *App) DeviceID() string              { return a.deviceID }
func (a *App) Reporter() monitoring.Reporter { return a.reporter }

// Migrate applies database migrations.
func (a *App) Migrate(ctx context.Context) ([]store.MigrationResult, error) {
	if a.db == nil {
		return nil, ErrNoDatabase
	}
	return store.Migrate(ctx, a.db)
}

// RecentMessages lists stored conversation history.
func (a *App) RecentMessages(ctx context.Context, limit int) ([]turn.Message, error) {
	if a.store == nil {
		return nil, ErrNoDatabase
	}
	return a.store.RecentMessages(ctx, limit)
}

// recorders returns the sinks for completed turns.
func (a *App) recorders() []turn.Recorder {
	var rs []turn.Recorder
	if a.store != nil {
		rs = append(rs, a.store)
	}
	if a.publisher != nil {
		rs = append(rs, a.publisher)
	}
	return rs
}

func (a *App) Close() error {
	var err error
	if a.alerts != nil {
		a.alerts.Wait()
	}
	if a.publisher != nil {
		err = a.publisher.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
	return err
}
