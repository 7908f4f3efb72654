// Package models defines the value types shared by every process:
// station availability records, favorites, and the cross-process
// snapshot structures persisted in the shared store.
package models

import "time"

// Station is one dock's point-in-time availability as reported by the
// remote API. Values are immutable once created; a newer fetch
// supersedes the record rather than mutating it.
type Station struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Lat            float64 `json:"lat"`
	Lon            float64 `json:"lon"`
	StandardBikes  int     `json:"standardBikes"`
	EBikes         int     `json:"eBikes"`
	TotalDocks     int     `json:"totalDocks"`
	RawEmptySpaces int     `json:"rawEmptySpaces"`
	Installed      bool    `json:"installed"`
	Locked         bool    `json:"locked"`
}

// TotalBikes returns the number of bikes of any kind docked at the
// station.
func (s Station) TotalBikes() int {
	return s.StandardBikes + s.EBikes
}

// BrokenDocks returns the number of docks reported neither occupied
// nor empty. The upstream feed counts faulty hardware in TotalDocks
// but in neither of the other tallies, so the shortfall is the broken
// count. Never negative.
func (s Station) BrokenDocks() int {
	broken := s.TotalDocks - (s.TotalBikes() + s.RawEmptySpaces)
	if broken < 0 {
		return 0
	}
	return broken
}

// AvailableSpaces returns the number of usable empty docks. When the
// reported tallies sum to TotalDocks the raw value is trusted;
// otherwise it is recomputed from the totals so inconsistent upstream
// data self-corrects instead of propagating.
func (s Station) AvailableSpaces() int {
	if s.TotalBikes()+s.RawEmptySpaces+s.BrokenDocks() == s.TotalDocks {
		return s.RawEmptySpaces
	}
	spaces := s.TotalDocks - s.TotalBikes() - s.BrokenDocks()
	if spaces < 0 {
		return 0
	}
	return spaces
}

// IsAvailable reports whether the station is usable at all: installed
// and not administratively locked.
func (s Station) IsAvailable() bool {
	return s.Installed && !s.Locked
}

// StampedStation pairs a station record with the time it was fetched.
// The station's fields and methods are promoted.
type StampedStation struct {
	Station   `json:"station"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// Snapshot is the cross-process view assembled from the shared store:
// the primary (closest or user-chosen) station plus the records for
// every favorite, with per-station freshness timestamps.
type Snapshot struct {
	Primary          *StampedStation      `json:"primary,omitempty"`
	FavoriteStations []Station            `json:"favoriteStations"`
	FetchedAt        map[string]time.Time `json:"fetchedAt"`
}

// RefreshRequest is the single-slot mailbox payload: a constrained
// consumer asking a network-capable one to fetch on its behalf. The
// latest producer overwrites any unserviced request.
type RefreshRequest struct {
	Reason      string    `json:"reason"`
	RequestedAt time.Time `json:"requestedAt"`
	SourceID    string    `json:"sourceId"`
}
