package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/util/dbutil"
	_ "go.mau.fi/util/dbutil/litestream"
	"go.mau.fi/util/exzerolog"
	"gopkg.in/yaml.v3"
	flag "maunium.net/go/mauflag"

	"go.mau.fi/hearth/config"
	"go.mau.fi/hearth/database"
	"go.mau.fi/hearth/roomgraph"
	"go.mau.fi/hearth/syncer"
)

var configPath = flag.MakeFull("c", "config", "Path to the config file", "config.yaml").String()
var noSaveConfig = flag.MakeFull("n", "no-update", "Don't update the config file", "false").Bool()
var version = flag.MakeFull("v", "version", "Print the version and exit", "false").Bool()
var wantHelp, _ = flag.MakeHelpFlag()

type Hearth struct {
	Config *config.Config
	Log    *zerolog.Logger
	DB     *database.Database
	Graph  *roomgraph.Manager
	Sync   *syncer.Builder

	ListenAddr string
	Server     *http.Server
}

func (h *Hearth) Init(ctx context.Context, configPath string, noSaveConfig bool) {
	var err error
	h.Config = loadConfig(configPath, noSaveConfig)
	h.Log, err = h.Config.Logging.Compile()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to configure logger:", err)
		os.Exit(11)
	}
	exzerolog.SetupDefaults(h.Log)
	ctx = h.Log.WithContext(ctx)

	h.Log.Info().
		Str("version", VersionWithCommit).
		Time("built_at", ParsedBuildTime).
		Str("go_version", runtime.Version()).
		Msg("Initializing Hearth")
	var mainDB *dbutil.Database
	mainDB, err = dbutil.NewFromConfig("hearth", h.Config.Database, dbutil.ZeroLogger(h.Log.With().Str("db_section", "main").Logger()))
	if err != nil {
		h.Log.WithLevel(zerolog.FatalLevel).Err(err).Msg("Failed to connect to database")
		os.Exit(12)
	}
	h.DB = database.New(mainDB)
	err = h.DB.Upgrade(ctx)
	if err != nil {
		h.Log.WithLevel(zerolog.FatalLevel).Err(err).Msg("Failed to upgrade database schema")
		os.Exit(12)
	}

	h.Graph = roomgraph.NewManager(h.Log.With().Str("component", "roomgraph").Logger(), h.DB, nil, roomgraph.Config{
		ParkedEventLimit:    h.Config.Room.ParkedEventLimit,
		ParkedRetryLimit:    h.Config.Room.ParkedRetryLimit,
		BackfillFanout:      h.Config.Room.BackfillFanout,
		BackfillLimit:       h.Config.Room.BackfillLimit,
		BackfillConcurrency: h.Config.Room.BackfillConcurrency,
		EventCacheSize:      h.Config.Room.EventCacheSize,
		ResolutionCacheSize: h.Config.Room.ResolutionCacheSize,
		QueueSize:           h.Config.Room.QueueSize,
	})
	h.Sync = syncer.NewBuilder(h.DB, h.Graph.Snapshots, h.Config.Sync.TimelineLimit)
	h.Graph.AddListener(h.Sync.HandleOutput)
	h.ListenAddr = fmt.Sprintf("%s:%d", h.Config.Hearth.Hostname, h.Config.Hearth.Port)

	h.Log.Info().Msg("Initialization complete")
}

func (h *Hearth) Run(ctx context.Context) {
	err := h.Graph.Start(ctx)
	if err != nil {
		h.Log.WithLevel(zerolog.FatalLevel).Err(err).Msg("Failed to load room state")
		os.Exit(20)
	}
	h.startHTTPServer()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err = h.Server.Shutdown(shutdownCtx)
	if err != nil {
		h.Log.Err(err).Msg("Failed to shut down HTTP listener")
	}
	h.Graph.Stop()
	err = h.DB.Close()
	if err != nil {
		h.Log.Err(err).Msg("Failed to close database")
	}
}

func loadConfig(path string, noSave bool) *config.Config {
	configData, _, err := up.Do(path, !noSave, config.Upgrader)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to upgrade config:", err)
		os.Exit(10)
	}
	var cfg config.Config
	err = yaml.Unmarshal(configData, &cfg)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to parse config:", err)
		os.Exit(10)
	}
	if _, _, err = cfg.Sync.Timeouts(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Invalid config:", err)
		os.Exit(10)
	}
	return &cfg
}

func main() {
	initVersion()
	err := flag.Parse()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	} else if *version {
		fmt.Println(VersionDescription)
		os.Exit(0)
	}
	var h Hearth
	ctx, cancel := context.WithCancel(context.Background())
	h.Init(ctx, *configPath, *noSaveConfig)
	ctx = h.Log.WithContext(ctx)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c
		cancel()
	}()
	h.Run(ctx)
	h.Log.Info().Msg("Hearth stopped")
}
