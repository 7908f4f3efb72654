package consumer

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dockwatch.citycycles.org/internal/bikeapi"
	"dockwatch.citycycles.org/internal/cache"
	"dockwatch.citycycles.org/internal/clock"
	"dockwatch.citycycles.org/internal/companion"
	"dockwatch.citycycles.org/internal/favorites"
	"dockwatch.citycycles.org/internal/metrics"
	"dockwatch.citycycles.org/internal/models"
	"dockwatch.citycycles.org/internal/refresh"
	"dockwatch.citycycles.org/internal/store"
)

var cycleStart = time.Date(2025, 6, 14, 9, 0, 0, 0, time.UTC)

type staticTargets []string

func (s staticTargets) TargetIDs(context.Context) ([]string, error) { return s, nil }

func newTestStore(t *testing.T, clk clock.Clock) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), store.Config{
		Path:  filepath.Join(t.TempDir(), "dockwatch.db"),
		Clock: clk,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func apiStationJSON(id, name string) string {
	return fmt.Sprintf(`{"id": %q, "name": %q, "lat": 51.5, "lon": -0.1, "properties": [
		{"key": "Installed", "value": "true"},
		{"key": "Locked", "value": "false"},
		{"key": "NbDocks", "value": "20"},
		{"key": "NbEmptyDocks", "value": "12"},
		{"key": "NbStandardBikes", "value": "6"},
		{"key": "NbEBikes", "value": "2"}]}`, id, name)
}

// countingServer serves any station id and records the request count
// plus whether the last request carried a cache-busting ts parameter.
func countingServer(t *testing.T, status int) (*httptest.Server, *atomic.Int32, *atomic.Value) {
	t.Helper()
	requests := &atomic.Int32{}
	lastTS := &atomic.Value{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		lastTS.Store(r.URL.Query().Get("ts"))
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		id := r.URL.Path[len("/stations/"):]
		fmt.Fprint(w, apiStationJSON(id, "Station "+id))
	}))
	t.Cleanup(server.Close)
	return server, requests, lastTS
}

func newTestFetcher(t *testing.T, server *httptest.Server, clk clock.Clock) *bikeapi.Client {
	t.Helper()
	return bikeapi.NewClient(bikeapi.Config{
		BaseURL:        server.URL,
		HTTPClient:     server.Client(),
		RequestSpacing: time.Millisecond,
		Clock:          clk,
	})
}

func seedStation(t *testing.T, s *store.Store, id string, fetchedAt time.Time) {
	t.Helper()
	err := s.WriteStation(context.Background(), models.StampedStation{
		Station: models.Station{
			ID: id, Name: "Seed " + id, Lat: 51.5, Lon: -0.1,
			StandardBikes: 3, EBikes: 1, TotalDocks: 10, RawEmptySpaces: 6,
			Installed: true,
		},
		FetchedAt: fetchedAt,
	})
	require.NoError(t, err)
}

func TestRunnerColdStartForceFetchesMissingTarget(t *testing.T) {
	mock := clock.NewMockClock(cycleStart)
	server, requests, lastTS := countingServer(t, http.StatusOK)
	st := newTestStore(t, mock)

	runner := NewRunner(RunnerConfig{
		Name: "phone_app", Kind: refresh.KindApp, CanFetch: true, SourceID: "phone-1",
		Store: st, Cache: cache.New(0, mock, nil), Fetcher: newTestFetcher(t, server, mock),
		Targets: staticTargets{"BikePoints_1"}, Clock: mock,
	})

	report := runner.RunOnce(context.Background())

	assert.Equal(t, "startup", report.Decision.Tier)
	assert.Equal(t, 120*time.Second, report.Decision.Interval)
	assert.Equal(t, 180*time.Second, report.Decision.Delay)
	assert.False(t, report.Decision.PostRefresh)

	assert.Equal(t, int32(1), requests.Load())
	assert.NotEmpty(t, lastTS.Load(), "a missing record warrants an authoritative fetch")

	stamped, ok, err := st.ReadStation(context.Background(), "BikePoints_1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, stamped.FetchedAt.Equal(mock.Now()))

	assert.Equal(t, DisplayData, report.View.State)
	require.Len(t, report.View.Stations, 1)
	require.Len(t, report.Fetched, 1)
}

func TestRunnerFreshDataSkipsFetch(t *testing.T) {
	mock := clock.NewMockClock(cycleStart)
	server, requests, _ := countingServer(t, http.StatusOK)
	st := newTestStore(t, mock)
	seedStation(t, st, "BikePoints_1", mock.Now())

	runner := NewRunner(RunnerConfig{
		Name: "phone_app", Kind: refresh.KindApp, CanFetch: true,
		Store: st, Cache: cache.New(0, mock, nil), Fetcher: newTestFetcher(t, server, mock),
		Targets: staticTargets{"BikePoints_1"}, Clock: mock,
	})

	report := runner.RunOnce(context.Background())

	assert.Equal(t, "fresh", report.Decision.Tier)
	assert.Equal(t, int32(0), requests.Load())
	assert.Empty(t, report.Fetched)
	assert.Equal(t, DisplayData, report.View.State)
}

func TestRunnerAgingDataRefetchedWithoutBust(t *testing.T) {
	mock := clock.NewMockClock(cycleStart)
	server, requests, lastTS := countingServer(t, http.StatusOK)
	st := newTestStore(t, mock)
	seedStation(t, st, "BikePoints_1", mock.Now().Add(-70*time.Second))

	runner := NewRunner(RunnerConfig{
		Name: "phone_app", Kind: refresh.KindApp, CanFetch: true,
		Store: st, Cache: cache.New(0, mock, nil), Fetcher: newTestFetcher(t, server, mock),
		Targets: staticTargets{"BikePoints_1"}, Clock: mock,
	})

	report := runner.RunOnce(context.Background())

	assert.Equal(t, "aging", report.Decision.Tier)
	assert.Equal(t, int32(1), requests.Load())
	assert.Empty(t, lastTS.Load().(string), "a routine refetch must stay cacheable")

	stamped, ok, err := st.ReadStation(context.Background(), "BikePoints_1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, stamped.FetchedAt.Equal(mock.Now()), "refetch replaces the aged record")
}

// A rate-limited upstream must not cost the user their data: the aged
// record keeps rendering and no error placeholder appears.
func TestRunnerRateLimitedKeepsLastKnownGoodRendering(t *testing.T) {
	mock := clock.NewMockClock(cycleStart)
	server, requests, _ := countingServer(t, http.StatusTooManyRequests)
	st := newTestStore(t, mock)
	seeded := mock.Now().Add(-200 * time.Second)
	seedStation(t, st, "BikePoints_Y", seeded)

	runner := NewRunner(RunnerConfig{
		Name: "phone_app", Kind: refresh.KindApp, CanFetch: true,
		Store: st, Cache: cache.New(0, mock, nil), Fetcher: newTestFetcher(t, server, mock),
		Targets: staticTargets{"BikePoints_Y"}, Clock: mock,
	})

	first := runner.RunOnce(context.Background())
	assert.Equal(t, "stale", first.Decision.Tier)
	assert.Equal(t, int32(1), requests.Load(), "429 is never retried")
	assert.Equal(t, DisplayData, first.View.State)
	require.Len(t, first.View.Stations, 1)
	assert.True(t, first.View.Stations[0].FetchedAt.Equal(seeded))

	// The failure surfaces in the next classification, not the view.
	second := runner.RunOnce(context.Background())
	assert.Equal(t, "error", second.Decision.Tier)
	assert.Equal(t, DisplayData, second.View.State)

	// Capable consumers fetch for themselves instead of posting.
	_, ok, err := st.ConsumeRefreshRequest(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRunnerServicesMailboxWithBustFetch(t *testing.T) {
	mock := clock.NewMockClock(cycleStart)
	server, requests, lastTS := countingServer(t, http.StatusOK)
	st := newTestStore(t, mock)
	seedStation(t, st, "BikePoints_1", mock.Now())

	require.NoError(t, st.RequestRefresh(context.Background(), models.RefreshRequest{
		Reason: "widget_no_data", SourceID: "widget-7",
	}))

	m := metrics.New()
	runner := NewRunner(RunnerConfig{
		Name: "phone_app", Kind: refresh.KindApp, CanFetch: true, SourceID: "phone-1",
		Store: st, Cache: cache.New(0, mock, nil), Fetcher: newTestFetcher(t, server, mock),
		Targets: staticTargets{"BikePoints_1"}, Clock: mock, Metrics: m,
	})

	report := runner.RunOnce(context.Background())

	assert.True(t, report.Serviced)
	assert.Equal(t, int32(1), requests.Load(), "fresh data is refetched anyway when servicing")
	assert.NotEmpty(t, lastTS.Load(), "serviced fetches are cache-busted")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RefreshRequestsServiced))

	// The mailbox holds at most one request; a second cycle finds it empty.
	report = runner.RunOnce(context.Background())
	assert.False(t, report.Serviced)
	assert.Equal(t, int32(1), requests.Load())
}

func TestRunnerWidgetPostsRefreshRequest(t *testing.T) {
	mock := clock.NewMockClock(cycleStart)
	st := newTestStore(t, mock)

	runner := NewRunner(RunnerConfig{
		Name: "widget_slot_2", Kind: refresh.KindWidget, SourceID: "widget-2",
		Store: st, Targets: staticTargets{"BikePoints_1"}, Clock: mock,
	})

	report := runner.RunOnce(context.Background())

	assert.Equal(t, "widget_no_data", report.Decision.Tier)
	assert.Equal(t, 15*time.Second, report.Decision.Interval)
	assert.Equal(t, 20*time.Second, report.Decision.Delay)
	assert.Empty(t, report.Fetched)
	assert.Equal(t, DisplayLoading, report.View.State)

	req, ok, err := st.ConsumeRefreshRequest(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "widget_no_data", req.Reason)
	assert.Equal(t, "widget-2", req.SourceID)
}

func TestRunnerUnboundWidgetUsesPlaceholderTier(t *testing.T) {
	mock := clock.NewMockClock(cycleStart)
	st := newTestStore(t, mock)

	runner := NewRunner(RunnerConfig{
		Name: "widget_slot_0", Kind: refresh.KindWidget, SourceID: "widget-0",
		Store: st, Targets: staticTargets{}, Clock: mock,
	})

	report := runner.RunOnce(context.Background())

	assert.Equal(t, "placeholder", report.Decision.Tier)
	assert.Equal(t, 5*time.Second, report.Decision.Interval)
	assert.Equal(t, 10*time.Second, report.Decision.Delay)
	assert.Equal(t, DisplayNotConfigured, report.View.State)

	_, ok, err := st.ConsumeRefreshRequest(context.Background())
	require.NoError(t, err)
	assert.True(t, ok, "a placeholder widget still asks for hydration")
}

func TestRunnerAppWithNoTargetsIdles(t *testing.T) {
	mock := clock.NewMockClock(cycleStart)
	server, requests, _ := countingServer(t, http.StatusOK)
	st := newTestStore(t, mock)

	runner := NewRunner(RunnerConfig{
		Name: "phone_app", Kind: refresh.KindApp, CanFetch: true,
		Store: st, Cache: cache.New(0, mock, nil), Fetcher: newTestFetcher(t, server, mock),
		Targets: staticTargets{}, Clock: mock,
	})

	report := runner.RunOnce(context.Background())

	assert.Equal(t, "fresh", report.Decision.Tier)
	assert.Equal(t, int32(0), requests.Load())
	assert.Equal(t, DisplayNotConfigured, report.View.State)
}

func TestRunnerFallsBackToLastKnownGood(t *testing.T) {
	mock := clock.NewMockClock(cycleStart)
	server, _, _ := countingServer(t, http.StatusInternalServerError)
	st := newTestStore(t, mock)
	ctx := context.Background()

	seedStation(t, st, "BikePoints_1", mock.Now())
	require.NoError(t, st.WriteFavorites(ctx, []models.Favorite{{ID: "BikePoints_1", Name: "Seed", SortOrder: 0}}))

	// Simulate a wiped stations table with the snapshot surviving.
	_, err := st.DB().ExecContext(ctx, `DELETE FROM stations`)
	require.NoError(t, err)
	mock.Advance(30 * time.Second)

	runner := NewRunner(RunnerConfig{
		Name: "phone_app", Kind: refresh.KindApp, CanFetch: true,
		Store: st, Cache: cache.New(0, mock, nil), Fetcher: newTestFetcher(t, server, mock),
		Targets: staticTargets{"BikePoints_1"}, Clock: mock,
	})

	report := runner.RunOnce(ctx)

	assert.Equal(t, DisplayFallback, report.View.State)
	require.Len(t, report.View.Stations, 1)
	assert.Equal(t, "BikePoints_1", report.View.Stations[0].ID)
}

func TestRunnerErrorPlaceholderOnlyWithoutAnyData(t *testing.T) {
	mock := clock.NewMockClock(cycleStart)
	server, _, _ := countingServer(t, http.StatusInternalServerError)
	st := newTestStore(t, mock)

	runner := NewRunner(RunnerConfig{
		Name: "phone_app", Kind: refresh.KindApp, CanFetch: true,
		Store: st, Cache: cache.New(0, mock, nil), Fetcher: newTestFetcher(t, server, mock),
		Targets: staticTargets{"BikePoints_1"}, Clock: mock,
	})

	report := runner.RunOnce(context.Background())
	assert.Equal(t, DisplayError, report.View.State)
	assert.Empty(t, report.View.Stations)
}

func TestRunnerStartRunsImmediatelyAndStops(t *testing.T) {
	mock := clock.NewMockClock(cycleStart)
	server, requests, _ := countingServer(t, http.StatusOK)
	st := newTestStore(t, mock)

	var rendered atomic.Int32
	runner := NewRunner(RunnerConfig{
		Name: "phone_app", Kind: refresh.KindApp, CanFetch: true,
		Store: st, Cache: cache.New(0, mock, nil), Fetcher: newTestFetcher(t, server, mock),
		Targets: staticTargets{"BikePoints_1"}, Clock: mock,
		OnRender: func(View) { rendered.Add(1) },
	})

	runner.Start()
	assert.Eventually(t, func() bool { return rendered.Load() >= 1 },
		2*time.Second, 5*time.Millisecond)
	runner.Stop()

	assert.GreaterOrEqual(t, requests.Load(), int32(1))
}

// The full favorites round trip: added on the phone, pulled by the
// watch over the companion channel, then force-fetched fresh because
// the watch has no data for it yet.
func TestFavoriteAddedOnPhoneReachesWatchAndFetchesFresh(t *testing.T) {
	mock := clock.NewMockClock(cycleStart)
	server, requests, lastTS := countingServer(t, http.StatusOK)
	ctx := context.Background()

	phoneStore := newTestStore(t, mock)
	watchStore := newTestStore(t, mock)

	phoneReg := favorites.NewRegistry(phoneStore, nil)
	require.NoError(t, phoneReg.Load(ctx))
	watchReg := favorites.NewRegistry(watchStore, nil)
	require.NoError(t, watchReg.Load(ctx))

	phoneEnd, watchEnd := companion.NewPair()
	companion.NewResponder(phoneEnd, phoneReg, nil).Start()
	syncer := companion.NewSyncer(companion.SyncerConfig{
		Transport: watchEnd,
		Mirror:    watchReg,
		Stations:  watchStore,
		Clock:     mock,
	})

	require.NoError(t, phoneReg.Add(ctx, "BikePoints_X", "Crossharbour"))

	require.NoError(t, syncer.SyncNow(ctx))
	synced := watchReg.List()
	require.Len(t, synced, 1)
	assert.Equal(t, "BikePoints_X", synced[0].ID)
	assert.Equal(t, "Crossharbour", synced[0].Name)
	assert.Equal(t, 0, synced[0].SortOrder)

	watchRunner := NewRunner(RunnerConfig{
		Name: "watch_app", Kind: refresh.KindApp, CanFetch: true, SourceID: "watch-1",
		Store: watchStore, Cache: cache.New(0, mock, nil), Fetcher: newTestFetcher(t, server, mock),
		Targets: AppTargets{Store: watchStore, Favorites: watchReg}, Clock: mock,
	})
	report := watchRunner.RunOnce(ctx)

	assert.Equal(t, int32(1), requests.Load())
	assert.NotEmpty(t, lastTS.Load(), "a cold favorite is fetched authoritatively")

	stamped, ok, err := watchStore.ReadStation(ctx, "BikePoints_X")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, stamped.FetchedAt.Equal(mock.Now()))
	assert.Equal(t, DisplayData, report.View.State)
}

func TestAppTargetsOrderAndDedup(t *testing.T) {
	mock := clock.NewMockClock(cycleStart)
	st := newTestStore(t, mock)
	ctx := context.Background()

	require.NoError(t, st.SetPrimaryStationID(ctx, "BikePoints_P"))
	reg := favorites.NewRegistry(st, nil)
	require.NoError(t, reg.Add(ctx, "BikePoints_A", "A"))
	require.NoError(t, reg.Add(ctx, "BikePoints_P", "P again"))
	require.NoError(t, reg.Add(ctx, "BikePoints_B", "B"))
	require.NoError(t, st.SetBinding(ctx, 1, "BikePoints_W"))
	require.NoError(t, st.SetBinding(ctx, 0, "BikePoints_A"))

	ids, err := AppTargets{Store: st, Favorites: reg}.TargetIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"BikePoints_P", "BikePoints_A", "BikePoints_B", "BikePoints_W"}, ids)
}
