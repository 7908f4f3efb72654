package models

// Favorite is one user-pinned station. Name is captured at favoriting
// time so the list can render offline before any station data arrives.
// SortOrder is dense and zero-based; the favorites registry renumbers
// after every mutation.
type Favorite struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	SortOrder int    `json:"sortOrder"`
}
