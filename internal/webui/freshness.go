package webui

import (
	"context"
	"time"

	"dockwatch.citycycles.org/internal/models"
)

// StaleDetector classifies station records by age. The default
// threshold matches the point where the refresh policy escalates to
// its stale tier.
type StaleDetector struct {
	threshold time.Duration
}

func NewStaleDetector() *StaleDetector {
	return &StaleDetector{
		threshold: 120 * time.Second,
	}
}

func (d *StaleDetector) WithThreshold(threshold time.Duration) *StaleDetector {
	d.threshold = threshold
	return d
}

func (d *StaleDetector) Check(stamped *models.StampedStation, currentTime time.Time) bool {
	if stamped == nil {
		return true
	}

	if stamped.FetchedAt.IsZero() {
		return true
	}

	age := currentTime.Sub(stamped.FetchedAt)

	return age > d.threshold
}

func (d *StaleDetector) Age(stamped *models.StampedStation, currentTime time.Time) time.Duration {
	if stamped == nil || stamped.FetchedAt.IsZero() {
		return d.threshold + 1
	}

	return currentTime.Sub(stamped.FetchedAt)
}

// freshnessRow is one line of the freshness debug view.
type freshnessRow struct {
	ID        string
	Name      string
	FetchedAt time.Time
	Age       string
	Stale     bool
}

func (webUI *WebUI) freshnessReport(ctx context.Context) interface{} {
	stations, err := webUI.Store.Stations(ctx)
	if err != nil {
		return map[string]string{"error": err.Error()}
	}

	now := webUI.Clock.Now()
	detector := NewStaleDetector()

	rows := make([]freshnessRow, 0, len(stations))
	for i := range stations {
		stamped := &stations[i]
		rows = append(rows, freshnessRow{
			ID:        stamped.ID,
			Name:      stamped.Name,
			FetchedAt: stamped.FetchedAt,
			Age:       detector.Age(stamped, now).Round(time.Second).String(),
			Stale:     detector.Check(stamped, now),
		})
	}
	return rows
}
