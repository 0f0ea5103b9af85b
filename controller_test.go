package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeResolver serves canned stream references keyed by station id.
type fakeResolver struct {
	mu    sync.Mutex
	refs  map[string]StreamRef
	errs  map[string]error
	delay map[string]time.Duration
	calls []string
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		refs:  make(map[string]StreamRef),
		errs:  make(map[string]error),
		delay: make(map[string]time.Duration),
	}
}

func (f *fakeResolver) Resolve(ctx context.Context, st Station) (StreamRef, error) {
	f.mu.Lock()
	f.calls = append(f.calls, st.ID)
	err := f.errs[st.ID]
	ref, ok := f.refs[st.ID]
	delay := f.delay[st.ID]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return StreamRef{}, ctx.Err()
		}
	}
	if err != nil {
		return StreamRef{}, err
	}
	if !ok {
		if st.StreamURL != "" {
			ref = StreamRef{URL: st.StreamURL}
		} else {
			ref = StreamRef{URL: "http://stream.example/" + st.ID + "/playlist.m3u8"}
		}
	}
	return ref, nil
}

// fakeBackend records starts and stops and can fail on demand.
type fakeBackend struct {
	mu        sync.Mutex
	started   []StreamRef
	stops     int
	startErrs []error
	running   bool
}

func (b *fakeBackend) Start(ref StreamRef) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	// Like the real player router, starting replaces whatever was running.
	if b.running {
		b.stops++
		b.running = false
	}
	if len(b.startErrs) > 0 {
		err := b.startErrs[0]
		b.startErrs = b.startErrs[1:]
		if err != nil {
			return err
		}
	}
	b.started = append(b.started, ref)
	b.running = true
	return nil
}

func (b *fakeBackend) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		b.stops++
	}
	b.running = false
	return nil
}

func (b *fakeBackend) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

func (b *fakeBackend) Title() string { return "" }

func (b *fakeBackend) startedURLs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	urls := make([]string, len(b.started))
	for i, ref := range b.started {
		urls[i] = ref.URL
	}
	return urls
}

type nopPresenter struct{}

func (nopPresenter) Publish(Frame) {}

type ctrlHarness struct {
	ctrl     *Controller
	resolver *fakeResolver
	backend  *fakeBackend
	store    *StateStore
	cancel   context.CancelFunc
	shutdown chan struct{}
}

func controllerConfig(t *testing.T) *Config {
	t.Helper()
	return &Config{
		StatePath:          filepath.Join(t.TempDir(), "state.json"),
		MetadataInterval:   10 * time.Second,
		StaleMultiplier:    3,
		DoubleClickWindow:  defaultDoubleClickWindow,
		ShutdownConfirmTTL: defaultShutdownConfirmTTL,
	}
}

func startController(t *testing.T, world *WorldDirectory) *ctrlHarness {
	t.Helper()
	cfg := controllerConfig(t)
	h := &ctrlHarness{
		resolver: newFakeResolver(),
		backend:  &fakeBackend{},
		store:    NewStateStore(cfg.StatePath, testLogger()),
		shutdown: make(chan struct{}),
	}

	registry := NewRegistry(curatedFixture(), world)
	var once sync.Once
	h.ctrl = NewController(cfg, testLogger(), registry, h.resolver, h.backend, h.store, nopPresenter{},
		func() { once.Do(func() { close(h.shutdown) }) })
	h.ctrl.poweroff = func() error { return nil }

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	done := make(chan struct{})
	go func() {
		_ = h.ctrl.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func waitPlaying(t *testing.T, h *ctrlHarness, stationID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		s := h.ctrl.Snapshot()
		return s.Status == StatusPlaying && s.Station.ID == stationID
	}, 2*time.Second, 5*time.Millisecond, "never started playing %s", stationID)
}

func TestControllerStartupTunesFirstStation(t *testing.T) {
	h := startController(t, nil)
	waitPlaying(t, h, "TBS")

	assert.Equal(t, []string{"http://stream.example/TBS/playlist.m3u8"}, h.backend.startedURLs())

	ps, err := h.store.Load()
	require.NoError(t, err)
	require.NotNil(t, ps)
	assert.Equal(t, "TBS", ps.StationID)
	assert.Equal(t, ModeCurated, ps.Mode)
}

func TestControllerRestoresPersistedStation(t *testing.T) {
	cfg := controllerConfig(t)
	store := NewStateStore(cfg.StatePath, testLogger())
	require.NoError(t, store.Save(PersistedSession{Mode: ModeCurated, StationID: "QRR"}))

	resolver := newFakeResolver()
	backend := &fakeBackend{}
	ctrl := NewController(cfg, testLogger(), NewRegistry(curatedFixture(), nil),
		resolver, backend, store, nopPresenter{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = ctrl.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		s := ctrl.Snapshot()
		return s.Status == StatusPlaying && s.Station.ID == "QRR"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestControllerSelectNextCommitsAndPersists(t *testing.T) {
	h := startController(t, nil)
	waitPlaying(t, h, "TBS")

	h.ctrl.Dispatch(CmdSelectNext)
	waitPlaying(t, h, "QRR")

	assert.Equal(t, 1, func() int { h.backend.mu.Lock(); defer h.backend.mu.Unlock(); return h.backend.stops }(),
		"the previous stream is stopped exactly once")

	ps, err := h.store.Load()
	require.NoError(t, err)
	assert.Equal(t, "QRR", ps.StationID)
}

func TestControllerFailedSwitchKeepsCurrentPlayback(t *testing.T) {
	h := startController(t, nil)
	waitPlaying(t, h, "TBS")
	before := h.ctrl.Snapshot()

	h.resolver.mu.Lock()
	h.resolver.errs["QRR"] = fmt.Errorf("%w: QRR", ErrStationNotFound)
	h.resolver.mu.Unlock()

	h.ctrl.Dispatch(CmdSelectNext)
	require.Eventually(t, func() bool {
		return h.ctrl.Snapshot().Notice != ""
	}, 2*time.Second, 5*time.Millisecond)

	after := h.ctrl.Snapshot()
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.Station.ID, after.Station.ID)
	require.NotNil(t, after.Stream)
	assert.Equal(t, before.Stream.URL, after.Stream.URL)
	assert.Contains(t, after.Notice, "not available in this region")

	ps, err := h.store.Load()
	require.NoError(t, err)
	assert.Equal(t, "TBS", ps.StationID, "a failed switch is not persisted")
}

func TestControllerInitialFailureGoesToError(t *testing.T) {
	cfg := controllerConfig(t)
	resolver := newFakeResolver()
	resolver.errs["TBS"] = fmt.Errorf("%w: no stream", ErrStationUnresolvable)
	backend := &fakeBackend{}
	ctrl := NewController(cfg, testLogger(), NewRegistry(curatedFixture(), nil),
		resolver, backend, NewStateStore(cfg.StatePath, testLogger()), nopPresenter{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = ctrl.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		return ctrl.Snapshot().Status == StatusError
	}, 2*time.Second, 5*time.Millisecond, "no fallback stream leaves the session in error")
	assert.Nil(t, ctrl.Snapshot().Stream)
}

func TestControllerSupersededSwitchIsDiscarded(t *testing.T) {
	h := startController(t, nil)
	waitPlaying(t, h, "TBS")

	h.resolver.mu.Lock()
	h.resolver.delay["QRR"] = 300 * time.Millisecond
	h.resolver.mu.Unlock()

	h.ctrl.Dispatch(CmdSelectNext) // QRR, slow
	h.ctrl.Dispatch(CmdSelectNext) // LFR, fast, supersedes
	waitPlaying(t, h, "LFR")

	// Give the stale QRR resolution time to arrive and be dropped.
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, "LFR", h.ctrl.Snapshot().Station.ID)
	assert.NotContains(t, h.backend.startedURLs(), "http://stream.example/QRR/playlist.m3u8",
		"a superseded resolution must never reach the backend")
}

func TestControllerAppliesMatchingPollResult(t *testing.T) {
	h := startController(t, nil)
	waitPlaying(t, h, "TBS")
	epoch := h.ctrl.Snapshot().Epoch

	h.ctrl.PostPoll(pollResult{
		stationID: "TBS",
		epoch:     epoch - 1,
		np:        NowPlaying{StationID: "TBS", Title: "Stale Show", FetchedAt: time.Now()},
	})
	h.ctrl.PostPoll(pollResult{
		stationID: "TBS",
		epoch:     epoch,
		np:        NowPlaying{StationID: "TBS", Title: "Morning Show", FetchedAt: time.Now()},
	})

	require.Eventually(t, func() bool {
		return h.ctrl.Snapshot().NowPlaying.Title == "Morning Show"
	}, 2*time.Second, 5*time.Millisecond)
	assert.NotEqual(t, "Stale Show", h.ctrl.Snapshot().NowPlaying.Title)
}

func TestControllerPollErrorKeepsPreviousMetadata(t *testing.T) {
	h := startController(t, nil)
	waitPlaying(t, h, "TBS")
	epoch := h.ctrl.Snapshot().Epoch

	h.ctrl.PostPoll(pollResult{
		stationID: "TBS", epoch: epoch,
		np: NowPlaying{StationID: "TBS", Title: "Morning Show", FetchedAt: time.Now()},
	})
	require.Eventually(t, func() bool {
		return h.ctrl.Snapshot().NowPlaying.Title == "Morning Show"
	}, 2*time.Second, 5*time.Millisecond)

	h.ctrl.PostPoll(pollResult{
		stationID: "TBS", epoch: epoch,
		err: fmt.Errorf("%w: upstream down", ErrMetadataUnavailable),
	})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, "Morning Show", h.ctrl.Snapshot().NowPlaying.Title,
		"a failed poll never blanks the last good snapshot")
}

func TestControllerStaleMetadataDowngradesTitle(t *testing.T) {
	cfg := controllerConfig(t)
	cfg.MetadataInterval = 10 * time.Millisecond
	cfg.StaleMultiplier = 1

	pres := &recordingPresenter{}
	ctrl := NewController(cfg, testLogger(), NewRegistry(curatedFixture(), nil),
		newFakeResolver(), &fakeBackend{}, NewStateStore(cfg.StatePath, testLogger()), pres, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = ctrl.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		s := ctrl.Snapshot()
		return s.Status == StatusPlaying && s.Station.ID == "TBS"
	}, 2*time.Second, 5*time.Millisecond)

	epoch := ctrl.Snapshot().Epoch
	ctrl.PostPoll(pollResult{
		stationID: "TBS", epoch: epoch,
		np: NowPlaying{StationID: "TBS", Title: "Morning Show", FetchedAt: time.Now()},
	})
	require.Eventually(t, func() bool {
		return ctrl.Snapshot().NowPlaying.Title == "Morning Show"
	}, 2*time.Second, 5*time.Millisecond)

	// Cross the staleness threshold, then keep failing polls. The display
	// must fall back to the generic label instead of the old title.
	time.Sleep(50 * time.Millisecond)
	ctrl.PostPoll(pollResult{
		stationID: "TBS", epoch: epoch,
		err: fmt.Errorf("%w: upstream down", ErrMetadataUnavailable),
	})

	require.Eventually(t, func() bool {
		frames := pres.snapshot()
		if len(frames) == 0 {
			return false
		}
		last := frames[len(frames)-1]
		return last.Title == "On Air"
	}, 2*time.Second, 5*time.Millisecond, "failing polls never downgraded the stale title")
}

func TestControllerBackendDeathRetriesOnceThenErrors(t *testing.T) {
	h := startController(t, nil)
	waitPlaying(t, h, "TBS")

	h.ctrl.BackendExited(fmt.Errorf("%w: player exited", ErrPlaybackBackend))
	require.Eventually(t, func() bool {
		return len(h.backend.startedURLs()) == 2 && h.ctrl.Snapshot().Status == StatusPlaying
	}, 2*time.Second, 5*time.Millisecond, "first death re-tunes the current station")

	h.ctrl.BackendExited(fmt.Errorf("%w: player exited", ErrPlaybackBackend))
	require.Eventually(t, func() bool {
		return h.ctrl.Snapshot().Status == StatusError
	}, 2*time.Second, 5*time.Millisecond, "second death surfaces the error")
	assert.Nil(t, h.ctrl.Snapshot().Stream)

	// A deliberate switch refills the retry budget.
	h.ctrl.Dispatch(CmdSelectNext)
	waitPlaying(t, h, "QRR")
	h.ctrl.BackendExited(fmt.Errorf("%w: player exited", ErrPlaybackBackend))
	waitPlaying(t, h, "QRR")
}

func TestControllerShutdownPromptLifecycle(t *testing.T) {
	h := startController(t, nil)
	waitPlaying(t, h, "TBS")

	h.ctrl.Dispatch(CmdShowShutdownPrompt)
	require.Eventually(t, func() bool {
		return h.ctrl.Snapshot().ShutdownPrompt
	}, 2*time.Second, 5*time.Millisecond)

	h.ctrl.Dispatch(CmdDismissShutdownPrompt)
	require.Eventually(t, func() bool {
		return !h.ctrl.Snapshot().ShutdownPrompt
	}, 2*time.Second, 5*time.Millisecond)
}

func TestControllerConfirmShutdownStopsAndSignals(t *testing.T) {
	h := startController(t, nil)
	waitPlaying(t, h, "TBS")

	h.ctrl.Dispatch(CmdConfirmShutdown)
	select {
	case <-h.shutdown:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown request never fired")
	}
	require.Eventually(t, func() bool {
		return !h.backend.Running()
	}, 2*time.Second, 5*time.Millisecond)

	ps, err := h.store.Load()
	require.NoError(t, err)
	assert.Equal(t, "TBS", ps.StationID, "the selection survives the poweroff")
}

func TestControllerToggleModePlaysWorldPick(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"name":"FIP","url_resolved":"http://icecast.example/fip","favicon":"http://icecast.example/fip.png"}]`)
	}))
	t.Cleanup(srv.Close)

	world := NewWorldDirectory(&Config{WorldRadioBase: srv.URL, ProgramInterval: time.Hour}, testLogger())
	h := startController(t, world)
	waitPlaying(t, h, "TBS")

	h.ctrl.Dispatch(CmdToggleMode)
	waitPlaying(t, h, "FIP")

	s := h.ctrl.Snapshot()
	assert.Equal(t, ModeWorld, s.Mode)
	require.NotNil(t, s.Stream)
	assert.Equal(t, "http://icecast.example/fip", s.Stream.URL)

	ps, err := h.store.Load()
	require.NoError(t, err)
	assert.Equal(t, ModeWorld, ps.Mode)
	assert.Equal(t, "FIP", ps.WorldName)
	assert.Equal(t, "http://icecast.example/fip", ps.WorldURL)
	assert.Equal(t, "TBS", ps.StationID, "the curated cursor is kept alongside the world pick")

	// Toggling back returns to the curated cursor.
	h.ctrl.Dispatch(CmdToggleMode)
	waitPlaying(t, h, "TBS")
	assert.Equal(t, ModeCurated, h.ctrl.Snapshot().Mode)
}
