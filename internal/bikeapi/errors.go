package bikeapi

import "errors"

// Fetch failures fall into one of five categories. Callers branch with
// errors.Is; wrapped values carry the station id and HTTP detail.
var (
	// ErrInvalidRequest means the request could not be built, usually
	// an empty or unusable station id.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrRateLimited means the upstream answered 429. Never retried;
	// the refresh policy stretches intervals instead.
	ErrRateLimited = errors.New("rate limited by upstream")

	// ErrNetwork covers transport failures and non-2xx statuses other
	// than 429, after retries are exhausted.
	ErrNetwork = errors.New("network failure")

	// ErrDecode means the response body arrived but could not be
	// parsed into station data.
	ErrDecode = errors.New("response decode failure")

	// ErrOffline means the connectivity probe reported no network, so
	// no request was attempted.
	ErrOffline = errors.New("device offline")
)
