package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/CallFlow/internal/api"
	"github.com/BTreeMap/CallFlow/internal/cache"
	"github.com/BTreeMap/CallFlow/internal/degrade"
	"github.com/BTreeMap/CallFlow/internal/guideline"
	"github.com/BTreeMap/CallFlow/internal/journey"
	"github.com/BTreeMap/CallFlow/internal/lockfile"
	"github.com/BTreeMap/CallFlow/internal/models"
	"github.com/BTreeMap/CallFlow/internal/oracle"
	"github.com/BTreeMap/CallFlow/internal/pipeline"
	"github.com/BTreeMap/CallFlow/internal/recovery"
	"github.com/BTreeMap/CallFlow/internal/registry"
	"github.com/BTreeMap/CallFlow/internal/scheduler"
	"github.com/BTreeMap/CallFlow/internal/session"
	"github.com/BTreeMap/CallFlow/internal/store"
	"github.com/BTreeMap/CallFlow/internal/tools"
	"github.com/BTreeMap/CallFlow/internal/validator"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for CallFlow state data
	DefaultStateDir = "/var/lib/callflow"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "callflow.db"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	slog.Info("Bootstrapping CallFlow with configured modules")
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "", "definitions", *flags.definitions)
	if err := run(flags); err != nil {
		slog.Error("CallFlow failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("CallFlow exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL string
	StateDir    string
	OpenAIKey   string
	Model       string
	Definitions string
	APIAddr     string
	ReloadCron  string
}

// Flags holds command line flag values
type Flags struct {
	stateDir    *string
	dbDSN       *string
	openaiKey   *string
	model       *string
	definitions *string
	apiAddr     *string
	reloadCron  *string
	sessionID   *string
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		StateDir:    os.Getenv("CALLFLOW_STATE_DIR"),
		OpenAIKey:   os.Getenv("OPENAI_API_KEY"),
		Model:       os.Getenv("CALLFLOW_MODEL"),
		Definitions: os.Getenv("CALLFLOW_DEFINITIONS"),
		APIAddr:     os.Getenv("API_ADDR"),
		ReloadCron:  os.Getenv("RELOAD_SCHEDULE"),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No CALLFLOW_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"CALLFLOW_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"CALLFLOW_MODEL", config.Model,
		"CALLFLOW_DEFINITIONS", config.Definitions,
		"API_ADDR", config.APIAddr,
		"RELOAD_SCHEDULE", config.ReloadCron)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:    flag.String("state-dir", config.StateDir, "state directory for CallFlow data (overrides $CALLFLOW_STATE_DIR)"),
		dbDSN:       flag.String("db-dsn", config.DatabaseURL, "database DSN for the durable store (overrides $DATABASE_URL)"),
		openaiKey:   flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		model:       flag.String("model", config.Model, "oracle model name (overrides $CALLFLOW_MODEL)"),
		definitions: flag.String("definitions", config.Definitions, "path to a JSON file of journey and guideline definitions to load at startup (overrides $CALLFLOW_DEFINITIONS)"),
		apiAddr:     flag.String("api-addr", config.APIAddr, "API server address; when empty the console harness runs instead (overrides $API_ADDR)"),
		reloadCron:  flag.String("reload-cron", config.ReloadCron, "cron schedule for periodic definition reloads (overrides $RELOAD_SCHEDULE)"),
		sessionID:   flag.String("session-id", "console-session", "session id used by the console harness"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"model", *flags.model,
		"definitions", *flags.definitions,
		"apiAddr", *flags.apiAddr,
		"reloadCron", *flags.reloadCron,
		"sessionID", *flags.sessionID)

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(*flags.dbDSN) == "sqlite3" {
		stateDir := filepath.Dir(*flags.dbDSN)
		slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			return fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
		}
	}
	return nil
}

// openStore selects the store backend from the DSN.
func openStore(dsn string) (store.Store, error) {
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql", "dsn_set", true)
		return store.NewPostgresStore(store.WithDSN(dsn))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", dsn)
	return store.NewSQLiteStore(store.WithDSN(dsn))
}

// definitionFile is the on-disk format accepted by the -definitions flag.
type definitionFile struct {
	Journeys   []models.Journey   `json:"journeys"`
	Guidelines []models.Guideline `json:"guidelines"`
}

// loadDefinitions reads a definition file and saves its contents into the store.
func loadDefinitions(st store.Store, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read definitions file: %w", err)
	}
	var defs definitionFile
	if err := json.Unmarshal(data, &defs); err != nil {
		return fmt.Errorf("failed to parse definitions file: %w", err)
	}
	for _, j := range defs.Journeys {
		if err := st.SaveJourney(j); err != nil {
			return fmt.Errorf("failed to save journey %s: %w", j.ID, err)
		}
	}
	for _, g := range defs.Guidelines {
		if err := st.SaveGuideline(g); err != nil {
			return fmt.Errorf("failed to save guideline %s: %w", g.ID, err)
		}
	}
	slog.Info("loadDefinitions: definitions loaded", "path", path,
		"journeys", len(defs.Journeys), "guidelines", len(defs.Guidelines))
	return nil
}

// run wires the flow-control components and drives the console harness.
func run(flags Flags) error {
	ctx := context.Background()

	if store.DetectDSNType(*flags.dbDSN) == "sqlite3" {
		lock, err := lockfile.Acquire(filepath.Dir(*flags.dbDSN))
		if err != nil {
			return fmt.Errorf("failed to lock state directory: %w", err)
		}
		defer lock.Release()
	}

	st, err := openStore(*flags.dbDSN)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Warn("run: store close failed", "error", err)
		}
	}()

	if *flags.definitions != "" {
		if err := loadDefinitions(st, *flags.definitions); err != nil {
			return err
		}
	}

	c := cache.NewInMemoryCache()
	reg := registry.New(st, c)
	if err := reg.Reload(); err != nil {
		return fmt.Errorf("failed to load definitions: %w", err)
	}

	report, err := recovery.NewRecoverer(st, c, reg).Recover(ctx)
	if err != nil {
		slog.Warn("run: startup recovery failed, continuing without cached contexts", "error", err)
	} else {
		slog.Info("run: startup recovery complete",
			"sessions", report.Sessions, "recovered", report.Recovered, "skipped", report.Skipped)
	}

	if *flags.openaiKey == "" {
		return errors.New("an OpenAI API key is required (set $OPENAI_API_KEY or -openai-api-key)")
	}
	var oracleOpts []oracle.Option
	oracleOpts = append(oracleOpts, oracle.WithAPIKey(*flags.openaiKey))
	if *flags.model != "" {
		oracleOpts = append(oracleOpts, oracle.WithModel(*flags.model))
	}
	oc := oracle.NewOpenAIClient(oracleOpts...)

	sm := session.NewManager(st, c)
	p := pipeline.New(
		sm,
		reg,
		journey.NewEngine(reg, st, c, oc, degrade.NewController()),
		guideline.NewMatcher(reg, oc, degrade.NewController()),
		validator.NewValidator(oc, degrade.NewController()),
		tools.NewExecutor(tools.NewRegistry(), c),
	)

	if *flags.reloadCron != "" {
		sched := scheduler.NewScheduler()
		defer sched.Stop()
		if err := sched.AddReloadJob(*flags.reloadCron, reg.Reload); err != nil {
			return fmt.Errorf("failed to schedule definition reloads: %w", err)
		}
		slog.Info("run: periodic definition reload scheduled", "cron", *flags.reloadCron)
	}

	if *flags.apiAddr != "" {
		srv := api.NewServer(p, reg, st, api.WithAddr(*flags.apiAddr))
		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
		return srv.Run(ctx)
	}
	return runConsole(ctx, p, *flags.sessionID)
}

// runConsole reads caller utterances from stdin and prints the resulting
// prompt augmentation. Lines prefixed with ":check " validate a drafted
// response against the most recent turn's guidelines.
func runConsole(ctx context.Context, p *pipeline.Pipeline, sessionID string) error {
	defer p.EndSession(sessionID)

	fmt.Println("CallFlow console. Type an utterance, ':check <response>' to validate, or ':quit'.")
	var rules []oracle.GuidelineRule

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == ":quit":
			return nil
		case strings.HasPrefix(line, ":check "):
			reply, err := p.ValidateResponse(ctx, pipeline.ValidationRequest{
				SessionID: sessionID,
				Response:  strings.TrimPrefix(line, ":check "),
				Rules:     rules,
			})
			if err != nil {
				if errors.Is(err, models.ErrResponseRejected) {
					fmt.Println("REJECTED:", err)
					continue
				}
				return err
			}
			fmt.Printf("released (fixed=%v bypassed=%v): %s\n", reply.Fixed, reply.Bypassed, reply.Text)
		default:
			res, err := p.ProcessUtterance(ctx, pipeline.TurnRequest{
				SessionID: sessionID,
				Utterance: line,
			})
			if err != nil {
				return err
			}
			rules = res.Rules
			if res.Augmentation != "" {
				fmt.Println(res.Augmentation)
			}
			for name, value := range res.ToolResults {
				fmt.Printf("tool %s: %v\n", name, value)
			}
			if res.Flags != (models.SessionFlags{}) {
				fmt.Printf("flags: %+v\n", res.Flags)
			}
		}
	}
	return scanner.Err()
}
