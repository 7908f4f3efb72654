package nearest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dockwatch.citycycles.org/internal/bikeapi"
	"dockwatch.citycycles.org/internal/clock"
	"dockwatch.citycycles.org/internal/store"
)

func apiEntry(id, name string, lat, lon float64) string {
	return fmt.Sprintf(`{"id": %q, "name": %q, "lat": %g, "lon": %g, "properties": [
		{"key": "Installed", "value": "true"},
		{"key": "NbDocks", "value": "10"},
		{"key": "NbEmptyDocks", "value": "5"},
		{"key": "NbStandardBikes", "value": "4"},
		{"key": "NbEBikes", "value": "1"}]}`, id, name, lat, lon)
}

func TestResolverRepointsPrimary(t *testing.T) {
	mock := clock.NewMockClock(time.Date(2025, 6, 14, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/stations", r.URL.Path)
		list := []string{
			apiEntry("bikePoints_far", "Far Dock", 51.55, -0.2),
			apiEntry("bikePoints_home", "Home Dock", 51.5005, -0.1201),
			apiEntry("bikePoints_mid", "Mid Dock", 51.51, -0.13),
		}
		fmt.Fprint(w, "["+strings.Join(list, ",")+"]")
	}))
	defer server.Close()

	st, err := store.Open(ctx, store.Config{
		Path:  filepath.Join(t.TempDir(), "dockwatch.db"),
		Clock: mock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	fetcher := bikeapi.NewClient(bikeapi.Config{
		BaseURL:        server.URL,
		HTTPClient:     server.Client(),
		RequestSpacing: time.Millisecond,
		Clock:          mock,
	})

	resolver := NewResolver(st, fetcher, 51.5, -0.12, nil)
	require.NoError(t, resolver.Refresh(ctx))

	primary, ok, err := st.PrimaryStationID(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "bikePoints_home", primary)

	stamped, ok, err := st.ReadStation(ctx, "bikePoints_home")
	require.NoError(t, err)
	require.True(t, ok, "the resolved primary gets its record written")
	assert.Equal(t, "Home Dock", stamped.Name)
	assert.True(t, stamped.FetchedAt.Equal(mock.Now()))

	assert.Equal(t, 3, resolver.Index().Len())
}

func TestResolverKeepsPrimaryWhenFetchFails(t *testing.T) {
	mock := clock.NewMockClock(time.Date(2025, 6, 14, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	st, err := store.Open(ctx, store.Config{
		Path:  filepath.Join(t.TempDir(), "dockwatch.db"),
		Clock: mock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.SetPrimaryStationID(ctx, "bikePoints_existing"))

	fetcher := bikeapi.NewClient(bikeapi.Config{
		BaseURL:        server.URL,
		HTTPClient:     server.Client(),
		RequestSpacing: time.Millisecond,
		Clock:          mock,
	})

	resolver := NewResolver(st, fetcher, 51.5, -0.12, nil)
	require.ErrorIs(t, resolver.Refresh(ctx), bikeapi.ErrRateLimited)

	primary, ok, err := st.PrimaryStationID(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "bikePoints_existing", primary)
}
