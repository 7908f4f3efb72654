package store

import (
	"context"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"dockwatch.citycycles.org/internal/clock"
	"dockwatch.citycycles.org/internal/metrics"
	"dockwatch.citycycles.org/internal/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2025, 6, 14, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, mock *clock.MockClock, m *metrics.Metrics) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{
		Path:    filepath.Join(t.TempDir(), "dockwatch.db"),
		Clock:   mock,
		Metrics: m,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testStation(id string, docks int) models.Station {
	return models.Station{
		ID:             id,
		Name:           "Station " + id,
		Lat:            51.5,
		Lon:            -0.12,
		StandardBikes:  docks / 2,
		TotalDocks:     docks,
		RawEmptySpaces: docks - docks/2,
		Installed:      true,
	}
}

func TestWriteAndReadStation(t *testing.T) {
	mock := clock.NewMockClock(baseTime)
	s := newTestStore(t, mock, nil)
	ctx := context.Background()

	stamped := models.StampedStation{Station: testStation("BikePoints_1", 20), FetchedAt: baseTime}
	require.NoError(t, s.WriteStation(ctx, stamped))

	got, ok, err := s.ReadStation(ctx, "BikePoints_1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, stamped.Station, got.Station)
	assert.True(t, got.FetchedAt.Equal(baseTime))

	_, ok, err = s.ReadStation(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWriteStation_OlderRecordIsDiscarded(t *testing.T) {
	mock := clock.NewMockClock(baseTime)
	m := metrics.New()
	s := newTestStore(t, mock, m)
	ctx := context.Background()

	fresh := models.StampedStation{Station: testStation("BikePoints_1", 20), FetchedAt: baseTime.Add(time.Minute)}
	require.NoError(t, s.WriteStation(ctx, fresh))

	// A slow in-flight fetch delivers an older record.
	stale := fresh
	stale.Name = "Stale Name"
	stale.FetchedAt = baseTime
	require.NoError(t, s.WriteStation(ctx, stale))

	got, ok, err := s.ReadStation(ctx, "BikePoints_1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Station BikePoints_1", got.Name, "older write must not clobber fresher data")
	assert.True(t, got.FetchedAt.Equal(fresh.FetchedAt))

	assert.Equal(t, float64(1), testutil.ToFloat64(m.StoreWritesTotal.WithLabelValues(metrics.WriteSuperseded)))
}

func TestWriteStation_NewerRecordReplaces(t *testing.T) {
	mock := clock.NewMockClock(baseTime)
	s := newTestStore(t, mock, nil)
	ctx := context.Background()

	first := models.StampedStation{Station: testStation("BikePoints_1", 20), FetchedAt: baseTime}
	require.NoError(t, s.WriteStation(ctx, first))

	second := first
	second.StandardBikes = 3
	second.RawEmptySpaces = 17
	second.FetchedAt = baseTime.Add(30 * time.Second)
	require.NoError(t, s.WriteStation(ctx, second))

	got, ok, err := s.ReadStation(ctx, "BikePoints_1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, got.StandardBikes)
	assert.True(t, got.FetchedAt.Equal(second.FetchedAt))
}

func TestWriteStation_UnencodableRecordLeavesStateIntact(t *testing.T) {
	mock := clock.NewMockClock(baseTime)
	m := metrics.New()
	s := newTestStore(t, mock, m)
	ctx := context.Background()

	good := models.StampedStation{Station: testStation("BikePoints_1", 20), FetchedAt: baseTime}
	require.NoError(t, s.WriteStation(ctx, good))

	bad := good
	bad.Lat = math.NaN()
	bad.FetchedAt = baseTime.Add(time.Minute)
	require.Error(t, s.WriteStation(ctx, bad))

	got, ok, err := s.ReadStation(ctx, "BikePoints_1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, good.Station, got.Station, "failed write must leave prior record intact")
	assert.True(t, got.FetchedAt.Equal(baseTime))

	assert.Equal(t, float64(1), testutil.ToFloat64(m.StoreWritesTotal.WithLabelValues(metrics.WriteVerifyFailed)))
}

func TestFreshnessOf(t *testing.T) {
	mock := clock.NewMockClock(baseTime)
	s := newTestStore(t, mock, nil)
	ctx := context.Background()

	require.NoError(t, s.WriteStation(ctx, models.StampedStation{
		Station: testStation("BikePoints_1", 20), FetchedAt: baseTime,
	}))

	fetchedAt, ok, err := s.FreshnessOf(ctx, "BikePoints_1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, fetchedAt.Equal(baseTime))

	_, ok, err = s.FreshnessOf(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFavoritesRoundTrip(t *testing.T) {
	mock := clock.NewMockClock(baseTime)
	s := newTestStore(t, mock, nil)
	ctx := context.Background()

	empty, err := s.ReadFavorites(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty)

	favorites := []models.Favorite{
		{ID: "BikePoints_1", Name: "River Street", SortOrder: 0},
		{ID: "BikePoints_2", Name: "St. Chad's", SortOrder: 1},
	}
	require.NoError(t, s.WriteFavorites(ctx, favorites))

	got, err := s.ReadFavorites(ctx)
	require.NoError(t, err)
	assert.Equal(t, favorites, got)
}

func TestSnapshotAssembly(t *testing.T) {
	mock := clock.NewMockClock(baseTime)
	s := newTestStore(t, mock, nil)
	ctx := context.Background()

	for _, id := range []string{"fav_a", "fav_b", "primary_c"} {
		require.NoError(t, s.WriteStation(ctx, models.StampedStation{
			Station: testStation(id, 20), FetchedAt: baseTime,
		}))
	}
	require.NoError(t, s.WriteFavorites(ctx, []models.Favorite{
		{ID: "fav_a", Name: "A", SortOrder: 0},
		{ID: "fav_b", Name: "B", SortOrder: 1},
		{ID: "fav_missing", Name: "Never Fetched", SortOrder: 2},
	}))
	require.NoError(t, s.SetPrimaryStationID(ctx, "primary_c"))

	snap, err := s.ReadSnapshot(ctx)
	require.NoError(t, err)

	require.NotNil(t, snap.Primary)
	assert.Equal(t, "primary_c", snap.Primary.ID)

	require.Len(t, snap.FavoriteStations, 2, "never-fetched favorites are absent from the snapshot")
	assert.Equal(t, "fav_a", snap.FavoriteStations[0].ID)
	assert.Equal(t, "fav_b", snap.FavoriteStations[1].ID)

	assert.Len(t, snap.FetchedAt, 3)
	assert.True(t, snap.FetchedAt["primary_c"].Equal(baseTime))
}

func TestLastKnownGood(t *testing.T) {
	mock := clock.NewMockClock(baseTime)
	s := newTestStore(t, mock, nil)
	ctx := context.Background()

	require.NoError(t, s.WriteFavorites(ctx, []models.Favorite{{ID: "fav_a", Name: "A", SortOrder: 0}}))
	require.NoError(t, s.WriteStation(ctx, models.StampedStation{
		Station: testStation("fav_a", 20), FetchedAt: baseTime,
	}))

	snap, storedAt, ok, err := s.LastKnownGood(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, storedAt.Equal(baseTime))
	require.Len(t, snap.FavoriteStations, 1)
	assert.Equal(t, "fav_a", snap.FavoriteStations[0].ID)

	// Inside the validity window it still serves.
	mock.Advance(599 * time.Second)
	_, _, ok, err = s.LastKnownGood(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	// Past the window it does not.
	mock.Advance(2 * time.Second)
	_, _, ok, err = s.LastKnownGood(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRefreshRequestMailbox(t *testing.T) {
	mock := clock.NewMockClock(baseTime)
	s := newTestStore(t, mock, nil)
	ctx := context.Background()

	_, ok, err := s.ConsumeRefreshRequest(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "empty mailbox yields nothing")

	first := models.RefreshRequest{Reason: "widget_stale", RequestedAt: baseTime, SourceID: "widget-1"}
	require.NoError(t, s.RequestRefresh(ctx, first))

	// A second post overwrites the first; newest wins.
	second := models.RefreshRequest{Reason: "no_data", RequestedAt: baseTime.Add(time.Second), SourceID: "widget-2"}
	require.NoError(t, s.RequestRefresh(ctx, second))

	got, ok, err := s.ConsumeRefreshRequest(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "no_data", got.Reason)
	assert.Equal(t, "widget-2", got.SourceID)

	_, ok, err = s.ConsumeRefreshRequest(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "a consumed request is gone")
}

func TestConsumeRefreshRequest_ExactlyOnceAcrossInstances(t *testing.T) {
	mock := clock.NewMockClock(baseTime)
	path := filepath.Join(t.TempDir(), "dockwatch.db")

	open := func() *Store {
		s, err := Open(context.Background(), Config{Path: path, Clock: mock})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	}
	s1 := open()
	s2 := open()
	ctx := context.Background()

	require.NoError(t, s1.RequestRefresh(ctx, models.RefreshRequest{
		Reason: "widget_stale", RequestedAt: baseTime, SourceID: "widget-1",
	}))

	var wg sync.WaitGroup
	consumed := make([]bool, 2)
	for i, s := range []*Store{s1, s2} {
		wg.Add(1)
		go func(i int, s *Store) {
			defer wg.Done()
			_, ok, err := s.ConsumeRefreshRequest(ctx)
			require.NoError(t, err)
			consumed[i] = ok
		}(i, s)
	}
	wg.Wait()

	count := 0
	for _, ok := range consumed {
		if ok {
			count++
		}
	}
	assert.Equal(t, 1, count, "exactly one consumer gets the request")
}

func TestSharedAcrossInstances(t *testing.T) {
	mock := clock.NewMockClock(baseTime)
	path := filepath.Join(t.TempDir(), "dockwatch.db")
	ctx := context.Background()

	s1, err := Open(ctx, Config{Path: path, Clock: mock})
	require.NoError(t, err)
	defer func() { _ = s1.Close() }()

	s2, err := Open(ctx, Config{Path: path, Clock: mock})
	require.NoError(t, err)
	defer func() { _ = s2.Close() }()

	require.NoError(t, s1.WriteStation(ctx, models.StampedStation{
		Station: testStation("BikePoints_1", 20), FetchedAt: baseTime,
	}))

	got, ok, err := s2.ReadStation(ctx, "BikePoints_1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "BikePoints_1", got.ID)
}

func TestBindings(t *testing.T) {
	mock := clock.NewMockClock(baseTime)
	s := newTestStore(t, mock, nil)
	ctx := context.Background()

	_, ok, err := s.Binding(ctx, 0)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetBinding(ctx, 0, "BikePoints_1"))
	require.NoError(t, s.SetBinding(ctx, 3, "BikePoints_2"))

	id, ok, err := s.Binding(ctx, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "BikePoints_1", id)

	all, err := s.Bindings(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[int]string{0: "BikePoints_1", 3: "BikePoints_2"}, all)

	// Clearing removes the binding entirely.
	require.NoError(t, s.SetBinding(ctx, 0, ""))
	_, ok, err = s.Binding(ctx, 0)
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = s.Binding(ctx, -1)
	require.Error(t, err)
}

func TestPruneUnreferenced(t *testing.T) {
	mock := clock.NewMockClock(baseTime)
	s := newTestStore(t, mock, nil)
	ctx := context.Background()

	for _, id := range []string{"fav", "primary", "bound", "orphan"} {
		require.NoError(t, s.WriteStation(ctx, models.StampedStation{
			Station: testStation(id, 20), FetchedAt: baseTime,
		}))
	}
	require.NoError(t, s.WriteFavorites(ctx, []models.Favorite{{ID: "fav", Name: "F", SortOrder: 0}}))
	require.NoError(t, s.SetPrimaryStationID(ctx, "primary"))
	require.NoError(t, s.SetBinding(ctx, 0, "bound"))

	pruned, err := s.PruneUnreferenced(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	stations, err := s.Stations(ctx)
	require.NoError(t, err)
	assert.Len(t, stations, 3)
	for _, st := range stations {
		assert.NotEqual(t, "orphan", st.ID)
	}

	pruned, err = s.PruneUnreferenced(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pruned, "a second prune finds nothing")
}

func TestSubscribe(t *testing.T) {
	mock := clock.NewMockClock(baseTime)
	s := newTestStore(t, mock, nil)
	ctx := context.Background()

	var events []Event
	unsubscribe := s.Subscribe(func(ev Event) { events = append(events, ev) })

	require.NoError(t, s.WriteStation(ctx, models.StampedStation{
		Station: testStation("BikePoints_1", 20), FetchedAt: baseTime,
	}))
	require.NoError(t, s.WriteFavorites(ctx, []models.Favorite{{ID: "BikePoints_1", Name: "R", SortOrder: 0}}))
	require.NoError(t, s.SetBinding(ctx, 2, "BikePoints_1"))

	require.Len(t, events, 3)
	assert.Equal(t, EventStationWritten, events[0].Kind)
	assert.Equal(t, "BikePoints_1", events[0].StationID)
	assert.Equal(t, EventFavoritesChanged, events[1].Kind)
	assert.Equal(t, EventBindingChanged, events[2].Kind)
	assert.Equal(t, 2, events[2].Slot)

	// Superseded writes commit nothing, so no event fires.
	stale := models.StampedStation{Station: testStation("BikePoints_1", 20), FetchedAt: baseTime.Add(-time.Minute)}
	require.NoError(t, s.WriteStation(ctx, stale))
	assert.Len(t, events, 3)

	unsubscribe()
	require.NoError(t, s.SetBinding(ctx, 2, ""))
	assert.Len(t, events, 3, "unsubscribed handler sees no further events")
}
