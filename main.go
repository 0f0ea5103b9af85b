package main

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const stationListTemplate = "https://radiko.jp/v3/station/list/%s.xml"

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "rplayer:", err)
		os.Exit(1)
	}

	log := newLogger(cfg)
	if err := run(cfg, log); err != nil {
		log.Error().Err(err).Msg("exiting")
		os.Exit(1)
	}
}

func newLogger(cfg *Config) zerolog.Logger {
	level := zerolog.InfoLevel
	if cfg.Debug {
		level = zerolog.DebugLevel
	}
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	return zerolog.New(writer).Level(level).With().Timestamp().Logger()
}

func run(cfg *Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tokens := NewTokenManager(cfg, log)

	if cfg.RegenStations {
		return regenStations(ctx, cfg, log, tokens)
	}

	stations, err := LoadStations(cfg.StationsPath)
	if err != nil {
		return err
	}
	log.Info().Int("stations", len(stations)).Str("path", cfg.StationsPath).Msg("curated list loaded")

	world := NewWorldDirectory(cfg, log)
	registry := NewRegistry(stations, world)
	resolver := NewResolver(cfg, tokens, log)
	store := NewStateStore(cfg.StatePath, log)

	group, ctx := errgroup.WithContext(ctx)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The controller, input chain and presenters reference each other, so
	// the controller variable is captured before it is assigned. Nothing
	// dispatches until the goroutines below start.
	var ctrl *Controller
	router := NewRouter(cfg.ShutdownConfirmTTL, func(cmd Command) { ctrl.Dispatch(cmd) })
	classifier := NewClassifier(cfg.DoubleClickWindow, router.Handle)

	presenters := MultiPresenter{NewConsolePresenter(log)}
	var ui *TUI
	if cfg.TUI {
		ui = NewTUI(classifier.Feed, cancel)
		presenters = append(presenters, ui)
	}

	proc := NewProcessBackend(cfg, log, func(err error) { ctrl.BackendExited(err) })
	mpd := NewMPDBackend(cfg, log)
	player := NewPlayer(proc, mpd, log)

	ctrl = NewController(cfg, log, registry, resolver, player, store, presenters, cancel)
	poller := NewPoller(cfg, log, ctrl.PollSnapshot, ctrl.PostPoll, player.Title)
	ctrl.SetMetadataKick(poller.Kick)

	group.Go(func() error { return ctrl.Run(ctx) })
	group.Go(func() error { return poller.Run(ctx) })
	if cfg.HTTPAddr != "" {
		api := NewAPIServer(cfg, log, ctrl)
		group.Go(func() error { return api.Run(ctx) })
	}
	if ui != nil {
		group.Go(func() error { return ui.Run(ctx) })
	}

	log.Info().Msg("rplayer up")
	return group.Wait()
}

// stationListXML mirrors the upstream per-area station list document.
type stationListXML struct {
	Stations []struct {
		ID     string `xml:"id"`
		Name   string `xml:"name"`
		Logo   string `xml:"logo"`
		Banner string `xml:"banner"`
	} `xml:"station"`
}

// regenStations is the one-shot mode: authenticate, fetch the station list
// for the detected area and rewrite the curated stations file.
func regenStations(ctx context.Context, cfg *Config, log zerolog.Logger, tokens *TokenManager) error {
	tok, err := tokens.Token(ctx)
	if err != nil {
		return err
	}
	area := tok.AreaID
	if area == "" {
		area = "JP13"
	}

	endpoint := fmt.Sprintf(stationListTemplate, area)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build station list request: %w", err)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch station list: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("station list returned HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("failed to read station list: %w", err)
	}

	var doc stationListXML
	if err := xml.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("failed to parse station list: %w", err)
	}

	var stations []Station
	for _, entry := range doc.Stations {
		id := strings.TrimSpace(entry.ID)
		if id == "" {
			continue
		}
		image := strings.TrimSpace(entry.Banner)
		if image == "" {
			image = strings.TrimSpace(entry.Logo)
		}
		stations = append(stations, Station{
			ID:       id,
			Name:     strings.TrimSpace(entry.Name),
			ImageURL: image,
		})
	}
	if len(stations) == 0 {
		return fmt.Errorf("station list for %s carried no stations", area)
	}

	if err := SaveStations(cfg.StationsPath, stations); err != nil {
		return err
	}
	log.Info().Int("stations", len(stations)).Str("area", area).Str("path", cfg.StationsPath).Msg("stations file rewritten")
	return nil
}
