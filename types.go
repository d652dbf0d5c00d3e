package dictcache

import (
	"fmt"
	"net/url"
	"time"
)

// IsolationKey scopes dictionary visibility to a (frame origin, top-frame
// site) pair. Two frames with different isolation keys never observe each
// other's dictionaries.
type IsolationKey struct {
	FrameOrigin  string `json:"frame_origin"`
	TopFrameSite string `json:"top_frame_site"`
}

// Valid reports whether both parts of the key are present.
func (k IsolationKey) Valid() bool {
	return k.FrameOrigin != "" && k.TopFrameSite != ""
}

func (k IsolationKey) String() string {
	return k.FrameOrigin + " " + k.TopFrameSite
}

// Dictionary is one compression dictionary record. The identity of a
// record within the store is (isolation key, Host, Match); re-registering
// the same identity replaces the previous record.
//
// RowID is assigned by the store; it is zero on a not-yet-persisted record.
type Dictionary struct {
	RowID          int64     `json:"row_id,omitempty"`
	URL            string    `json:"url"`
	Match          string    `json:"match"`
	MatchDest      string    `json:"match_dest,omitempty"`
	ID             string    `json:"id,omitempty"`
	ResponseTime   time.Time `json:"response_time"`
	ExpirationTime time.Time `json:"expiration_time"`
	LastUsedTime   time.Time `json:"last_used_time"`
	Size           uint64    `json:"size"`
	Hash           Hash      `json:"hash"`
	Token          Token     `json:"token"`
}

// Host returns the scheme://host:port portion of the dictionary URL, which
// together with Match forms the scoped part of the record identity.
func (d Dictionary) Host() (string, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return "", fmt.Errorf("parsing dictionary url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("dictionary url %q missing scheme or host", d.URL)
	}
	return u.Scheme + "://" + u.Host, nil
}

// Expired reports whether the dictionary's expiration time has passed.
func (d Dictionary) Expired(now time.Time) bool {
	return !d.ExpirationTime.After(now)
}
