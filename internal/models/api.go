package models

import (
	"fmt"
	"strconv"
	"strings"
)

// APIProperty is one (key, value) string pair from the remote station
// feed. All availability counts and flags arrive this way rather than
// as typed JSON fields.
type APIProperty struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// APIStation is the remote API's wire shape for one station.
type APIStation struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Lat        float64       `json:"lat"`
	Lon        float64       `json:"lon"`
	Properties []APIProperty `json:"properties"`
}

// Property keys the core depends on. The feed carries more; the rest
// are ignored.
const (
	propInstalled    = "Installed"
	propLocked       = "Locked"
	propNbDocks      = "NbDocks"
	propNbEmptyDocks = "NbEmptyDocks"
	propNbStandard   = "NbStandardBikes"
	propNbEBikes     = "NbEBikes"
)

// StationFromAPI maps one wire object onto a Station. Missing
// properties yield zero values and malformed numbers are treated as
// zero, since a partial record beats no record. A missing id is an
// error: nothing downstream can key on the record.
func StationFromAPI(api APIStation) (Station, error) {
	if api.ID == "" {
		return Station{}, fmt.Errorf("station object missing id")
	}

	props := make(map[string]string, len(api.Properties))
	for _, p := range api.Properties {
		props[p.Key] = p.Value
	}

	return Station{
		ID:             api.ID,
		Name:           api.Name,
		Lat:            api.Lat,
		Lon:            api.Lon,
		StandardBikes:  propInt(props, propNbStandard),
		EBikes:         propInt(props, propNbEBikes),
		TotalDocks:     propInt(props, propNbDocks),
		RawEmptySpaces: propInt(props, propNbEmptyDocks),
		Installed:      propBool(props, propInstalled),
		Locked:         propBool(props, propLocked),
	}, nil
}

func propInt(props map[string]string, key string) int {
	n, err := strconv.Atoi(strings.TrimSpace(props[key]))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func propBool(props map[string]string, key string) bool {
	return strings.EqualFold(strings.TrimSpace(props[key]), "true")
}
