package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/CareCall/internal/aggregate"
	"github.com/BTreeMap/CareCall/internal/anomaly"
	"github.com/BTreeMap/CareCall/internal/api"
	"github.com/BTreeMap/CareCall/internal/dispatch"
	"github.com/BTreeMap/CareCall/internal/embedding"
	"github.com/BTreeMap/CareCall/internal/genai"
	"github.com/BTreeMap/CareCall/internal/lock"
	"github.com/BTreeMap/CareCall/internal/lockfile"
	"github.com/BTreeMap/CareCall/internal/mood"
	"github.com/BTreeMap/CareCall/internal/notify"
	"github.com/BTreeMap/CareCall/internal/reconcile"
	"github.com/BTreeMap/CareCall/internal/recovery"
	"github.com/BTreeMap/CareCall/internal/scheduler"
	"github.com/BTreeMap/CareCall/internal/store"
	"github.com/BTreeMap/CareCall/internal/tools"
	"github.com/BTreeMap/CareCall/internal/tts"
	"github.com/BTreeMap/CareCall/internal/twiliosms"
	"github.com/BTreeMap/CareCall/internal/util"
	"github.com/BTreeMap/CareCall/internal/voice"
	"github.com/BTreeMap/CareCall/internal/webhook"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for CareCall state data
	DefaultStateDir = "/var/lib/carecall"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "carecall.db"
	// DefaultAPIAddr is the default HTTP listen address
	DefaultAPIAddr = ":8080"
	// DefaultRunnerPoll is how often the job runner and outbox sender poll
	DefaultRunnerPoll = 10 * time.Second
)

func main() {
	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags, err := parseCommandLineFlags(config, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	// Initialize structured logger
	initializeLogger(*flags.logLevel)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping CareCall with configured modules")
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "", "api_addr", *flags.apiAddr)
	if err := run(ctx, config, flags); err != nil {
		slog.Error("CareCall failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("CareCall exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL     string
	StateDir        string
	APIAddr         string
	LogLevel        string
	VoiceAPIKey     string
	VoiceBaseURL    string
	VoiceAssistant  string
	VoiceVoiceID    string
	VoicePhoneID    string
	WebhookBaseURL  string
	TTSAPIKey       string
	TTSConcurrency  int
	EmbeddingURL    string
	EmbeddingLocal  bool
	OpenAIKey       string
	OpenAIModel     string
	RedisAddr       string
	RedisPassword   string
	JWTSecret       string
	RetryDelay      time.Duration
	DispatchWindow  time.Duration
	MaxCallWait     time.Duration
	MaxConcurrent   int
	JobConcurrency  int
	PostCall        anomaly.Thresholds
	OnDemand        anomaly.Thresholds
	CallNowRPS      float64
	DebugMode       bool
	DisableSchedule bool
}

// Flags holds command line flag values
type Flags struct {
	stateDir   *string
	dbDSN      *string
	apiAddr    *string
	logLevel   *string
	openaiKey  *string
	jwtSecret  *string
	noSchedule *bool
}

// initializeLogger sets up structured logging at the requested level
func initializeLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	config := Config{
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		StateDir:        os.Getenv("CARECALL_STATE_DIR"),
		APIAddr:         os.Getenv("API_ADDR"),
		LogLevel:        os.Getenv("LOG_LEVEL"),
		VoiceAPIKey:     os.Getenv("VOICE_API_KEY"),
		VoiceBaseURL:    os.Getenv("VOICE_BASE_URL"),
		VoiceAssistant:  os.Getenv("VOICE_ASSISTANT_ID"),
		VoiceVoiceID:    os.Getenv("VOICE_VOICE_ID"),
		VoicePhoneID:    os.Getenv("VOICE_PHONE_NUMBER_ID"),
		WebhookBaseURL:  os.Getenv("WEBHOOK_BASE_URL"),
		TTSAPIKey:       os.Getenv("TTS_API_KEY"),
		TTSConcurrency:  util.ParseIntEnv("TTS_CONCURRENCY", tts.DefaultConcurrency),
		EmbeddingURL:    os.Getenv("EMBEDDING_BASE_URL"),
		EmbeddingLocal:  strings.EqualFold(os.Getenv("EMBEDDING_COMPARE"), "local"),
		OpenAIKey:       os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:     os.Getenv("OPENAI_MODEL"),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		JWTSecret:       os.Getenv("JWT_SECRET"),
		RetryDelay:      util.ParseDurationEnv("RETRY_DELAY", dispatch.DefaultRetryDelay),
		DispatchWindow:  util.ParseDurationEnv("DISPATCH_WINDOW", scheduler.DefaultWindow),
		MaxCallWait:     util.ParseDurationEnv("MAX_CALL_WAIT", dispatch.DefaultMaxCallWait),
		MaxConcurrent:   util.ParseIntEnv("DISPATCH_CONCURRENCY", scheduler.DefaultMaxConcurrent),
		JobConcurrency:  util.ParseIntEnv("JOB_CONCURRENCY", store.DefaultJobConcurrency),
		CallNowRPS:      util.ParseFloatEnv("CALL_NOW_RPS", api.DefaultCallNowRPS),
		DebugMode:       util.ParseBoolEnv("CARECALL_DEBUG", false),
		DisableSchedule: util.ParseBoolEnv("CARECALL_DISABLE_SCHEDULER", false),
		PostCall: anomaly.Thresholds{
			Warning:   util.ParseFloatEnv("ANOMALY_WARNING_THRESHOLD", anomaly.PostCall.Warning),
			Emergency: util.ParseFloatEnv("ANOMALY_EMERGENCY_THRESHOLD", anomaly.PostCall.Emergency),
		},
		OnDemand: anomaly.Thresholds{
			Warning:   util.ParseFloatEnv("ANOMALY_ONDEMAND_WARNING_THRESHOLD", anomaly.OnDemand.Warning),
			Emergency: util.ParseFloatEnv("ANOMALY_ONDEMAND_EMERGENCY_THRESHOLD", anomaly.OnDemand.Emergency),
		},
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
	}
	if config.APIAddr == "" {
		config.APIAddr = DefaultAPIAddr
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
	}
	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config, args []string) (Flags, error) {
	fs := flag.NewFlagSet("carecall", flag.ContinueOnError)
	flags := Flags{
		stateDir:   fs.String("state-dir", config.StateDir, "state directory for CareCall data (overrides $CARECALL_STATE_DIR)"),
		dbDSN:      fs.String("db-dsn", config.DatabaseURL, "database DSN: postgres URL, SQLite path or :memory: (overrides $DATABASE_URL)"),
		apiAddr:    fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		logLevel:   fs.String("log-level", config.LogLevel, "log level: debug, info, warn, error (overrides $LOG_LEVEL)"),
		openaiKey:  fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key for mood analysis (overrides $OPENAI_API_KEY)"),
		jwtSecret:  fs.String("jwt-secret", config.JWTSecret, "HS256 secret protecting caregiver routes (overrides $JWT_SECRET)"),
		noSchedule: fs.Bool("no-scheduler", config.DisableSchedule, "serve HTTP only; never start the scheduler or background runners"),
	}
	if err := fs.Parse(args); err != nil {
		return flags, err
	}

	// Follow a moved state directory when the DSN is still the default SQLite path
	if *flags.dbDSN == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
	}
	return flags, nil
}

// ensureDirectoriesExist creates the state directory, and the SQLite directory when the
// store is file-based.
func ensureDirectoriesExist(flags Flags) error {
	if err := os.MkdirAll(*flags.stateDir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if store.DetectDSNType(*flags.dbDSN) == store.DSNTypeSQLite {
		if err := os.MkdirAll(filepath.Dir(*flags.dbDSN), 0o755); err != nil {
			return fmt.Errorf("create database dir: %w", err)
		}
	}
	return nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	switch store.DetectDSNType(*flags.dbDSN) {
	case store.DSNTypePostgres:
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return []store.Option{store.WithPostgresDSN(*flags.dbDSN)}
	case store.DSNTypeSQLite:
		slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
		return []store.Option{store.WithSQLiteDSN(*flags.dbDSN)}
	default:
		slog.Debug("No database DSN provided, will use in-memory store")
		return nil
	}
}

// buildVoiceOptions constructs voice provider options
func buildVoiceOptions(config Config) []voice.Option {
	opts := []voice.Option{voice.WithAPIKey(config.VoiceAPIKey)}
	if config.VoiceBaseURL != "" {
		opts = append(opts, voice.WithBaseURL(config.VoiceBaseURL))
	}
	if config.VoicePhoneID != "" {
		opts = append(opts, voice.WithPhoneNumberID(config.VoicePhoneID))
	}
	if config.WebhookBaseURL != "" {
		opts = append(opts, voice.WithServerURL(strings.TrimRight(config.WebhookBaseURL, "/")+"/call-ended"))
	}
	return opts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(config Config, flags Flags) []genai.Option {
	var opts []genai.Option
	if *flags.openaiKey != "" {
		opts = append(opts, genai.WithAPIKey(*flags.openaiKey))
	}
	if config.OpenAIModel != "" {
		opts = append(opts, genai.WithModel(config.OpenAIModel))
	}
	if config.DebugMode {
		opts = append(opts, genai.WithDebugMode(true, *flags.stateDir))
	}
	return opts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(config Config, flags Flags) []api.Option {
	opts := []api.Option{
		api.WithCallNowRateLimit(config.CallNowRPS, api.DefaultCallNowBurst),
		api.WithAnomalyThresholds(config.OnDemand),
	}
	if *flags.jwtSecret != "" {
		opts = append(opts, api.WithJWTSecret(*flags.jwtSecret))
	}
	return opts
}

func newVoiceProvider(config Config) voice.Provider {
	if config.VoiceAPIKey == "" {
		slog.Warn("VOICE_API_KEY not set, calls go to the in-memory mock provider")
		return voice.NewMockClient()
	}
	client, err := voice.NewClient(buildVoiceOptions(config)...)
	if err != nil {
		slog.Warn("Voice client unavailable, using mock provider", "error", err)
		return voice.NewMockClient()
	}
	return client
}

func newMoodAnalyzer(config Config, flags Flags) mood.Analyzer {
	client, err := genai.NewClient(buildGenAIOptions(config, flags)...)
	if err != nil {
		slog.Info("GenAI mood analysis disabled, using keyword analyzer", "reason", err)
		return mood.KeywordAnalyzer{}
	}
	return mood.NewGenAIAnalyzer(client)
}

func newSMSSender() twiliosms.Sender {
	client, err := twiliosms.NewClient()
	if err != nil {
		slog.Warn("Twilio SMS not configured, caregiver notifications are only recorded", "reason", err)
		return twiliosms.NewMockClient()
	}
	return client
}

func newDispatchGuard(ctx context.Context, config Config) lock.Guard {
	if config.RedisAddr == "" {
		return lock.NewMemoryGuard()
	}
	client, err := lock.NewRedisClient(ctx, config.RedisAddr, config.RedisPassword, 0)
	if err != nil {
		slog.Warn("Redis unavailable, using in-process dispatch guard", "addr", config.RedisAddr, "error", err)
		return lock.NewMemoryGuard()
	}
	return lock.NewRedisGuard(client, "")
}

// newAnomalyBridge returns nil when no embedding service is configured.
func newAnomalyBridge(config Config, st store.Store, notifier *notify.Notifier, agg *aggregate.Aggregator) (*anomaly.Bridge, *embedding.Client) {
	if config.EmbeddingURL == "" {
		slog.Info("EMBEDDING_BASE_URL not set, voice anomaly checks disabled")
		return nil, nil
	}
	client, err := embedding.NewClient(config.EmbeddingURL)
	if err != nil {
		slog.Warn("Embedding client unavailable, voice anomaly checks disabled", "error", err)
		return nil, nil
	}
	var comparer anomaly.Comparer = client
	if config.EmbeddingLocal {
		comparer = embedding.LocalComparer{}
	}
	bridge := anomaly.NewBridge(client, comparer, st, anomaly.WithNotifier(notifier), anomaly.WithRecomputer(agg))
	return bridge, client
}

// run wires every component and blocks until ctx is cancelled.
func run(ctx context.Context, config Config, flags Flags) error {
	st, err := store.Open(buildStoreOptions(flags)...)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Failed to close store", "error", err)
		}
	}()

	notifier := notify.NewNotifier(st, st)
	router := tools.NewRouter(st, notifier)
	agg := aggregate.New(st, config.PostCall)
	reconciler := reconcile.New(st, router, newMoodAnalyzer(config, flags), agg)

	bridge, embedClient := newAnomalyBridge(config, st, notifier, agg)
	var procOpts []webhook.Option
	deps := api.Deps{Store: st, Moods: agg}
	if bridge != nil {
		procOpts = append(procOpts, webhook.WithAnomalyChecker(bridge, config.PostCall))
		deps.Anomaly = bridge
		deps.Embedding = embedClient
	}
	deps.Webhooks = webhook.NewProcessor(webhook.NewPatientResolver(st), reconciler, router, st, procOpts...)

	dispatcher := dispatch.NewDispatcher(newVoiceProvider(config), st, st,
		dispatch.WithAssistantID(config.VoiceAssistant),
		dispatch.WithVoiceID(config.VoiceVoiceID),
		dispatch.WithRetryDelay(config.RetryDelay),
		dispatch.WithMaxCallWait(config.MaxCallWait),
		dispatch.WithGuard(newDispatchGuard(ctx, config), config.DispatchWindow),
		dispatch.WithNotifier(notifier),
	)
	deps.Calls = dispatcher

	if config.TTSAPIKey != "" {
		ttsClient, err := tts.NewClient(tts.WithAPIKey(config.TTSAPIKey), tts.WithConcurrency(config.TTSConcurrency))
		if err != nil {
			slog.Warn("TTS client unavailable, voice preview disabled", "error", err)
		} else {
			deps.TTS = ttsClient
		}
	}

	if !*flags.noSchedule {
		stopBackground, err := startBackground(ctx, *flags.stateDir, st, dispatcher, newSMSSender(), config)
		if err != nil {
			return err
		}
		defer stopBackground()
	}

	server := api.NewServer(deps, buildAPIOptions(config, flags)...)
	return server.Run(ctx, *flags.apiAddr)
}

// startBackground starts the scheduler, job runner and outbox sender when this process
// holds the state-dir lock. Other instances only serve HTTP.
func startBackground(ctx context.Context, stateDir string, st store.Store, dispatcher *dispatch.Dispatcher, sms twiliosms.Sender, config Config) (func(), error) {
	lk, leader, err := lockfile.TryLeader(stateDir)
	if err != nil {
		return nil, fmt.Errorf("scheduler lock: %w", err)
	}
	if !leader {
		slog.Info("Another instance holds the scheduler lock, serving HTTP only", "state_dir", stateDir)
		return func() {}, nil
	}

	runners := store.NewJobRunner(st, DefaultRunnerPoll, store.WithJobConcurrency(config.JobConcurrency))
	runners.RegisterHandler(dispatch.JobKindCallRetry, dispatcher.HandleRetryJob)
	outbox := store.NewOutboxSender(st, notify.NewSender(st, sms).Send, DefaultRunnerPoll)

	rm := recovery.NewManager()
	rm.Register("jobs", recovery.FromStale(runners.RecoverStaleJobs))
	rm.Register("outbox", recovery.FromStale(outbox.RecoverStaleMessages))
	if err := rm.RecoverAll(ctx); err != nil {
		slog.Error("Recovery finished with errors", "error", err)
	}

	go runners.Run(ctx)
	go outbox.Run(ctx)

	recurring := scheduler.NewRecurring(
		scheduler.NewCronClock(scheduler.HourlySpec),
		scheduler.NewSelector(st, config.DispatchWindow),
		dispatcher,
		config.MaxConcurrent,
	)
	if err := recurring.Start(ctx); err != nil {
		_ = lk.Release()
		return nil, err
	}

	return func() {
		recurring.Stop()
		if err := lk.Release(); err != nil {
			slog.Warn("Failed to release scheduler lock", "error", err)
		}
	}, nil
}
