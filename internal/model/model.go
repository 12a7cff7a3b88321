// Package model declares the documents the service stores and exchanges.
package model

// ItemMeta records who may touch an item and who touched it last.
// Accessor lists hold coupon key strings, not decoded identities.
type ItemMeta struct {
	Writer   string   `json:"writer"`
	Updaters []string `json:"updaters,omitempty"`
	Readers  []string `json:"readers,omitempty"`
	Session  string   `json:"session,omitempty"`
	Modified int64    `json:"modified"`
}

// Item is a stored value plus its access metadata.
type Item struct {
	Data any      `json:"data"`
	Meta ItemMeta `json:"meta"`
}

// CanUpdate reports whether the key may update the item. The writer key
// always can; otherwise the key must be on the updaters list.
func (m ItemMeta) CanUpdate(key string) bool {
	if key == m.Writer {
		return true
	}
	for _, k := range m.Updaters {
		if k == key {
			return true
		}
	}
	return false
}

// CanRead reports whether the key may read the item. Anything that can
// update can also read.
func (m ItemMeta) CanRead(key string) bool {
	if m.CanUpdate(key) {
		return true
	}
	for _, k := range m.Readers {
		if k == key {
			return true
		}
	}
	return false
}

// Intent is a short-lived update lease on an item, granted to one session.
type Intent struct {
	ID      string `json:"id"`
	ItemID  string `json:"item"`
	Session string `json:"session"`
	Key     string `json:"key"`
	Created int64  `json:"created"`
	Expires int64  `json:"expires"`
}

// AliasTarget points an alias/key pair at an item.
type AliasTarget struct {
	ItemID string `json:"id"`
}

// SlotCounter is one limiter window's running state.
type SlotCounter struct {
	Slot int64 `json:"slot"`
	Used int64 `json:"used"`
}

// SlotLimits holds the counters for every limiter of one account, keyed by
// limiter name.
type SlotLimits struct {
	Counters map[string]SlotCounter `json:"counters"`
}

// Account is a tenant. The id is the base-32 rendering of its counter value
// and rides inside every coupon minted for the tenant.
type Account struct {
	ID         string `json:"id"`
	Plan       string `json:"plan"`
	Active     bool   `json:"active"`
	Created    int64  `json:"created"`
	Modified   int64  `json:"modified"`
	ExpiryDate int64  `json:"expiry,omitempty"`
}

// Counters is the singleton allocation document for account ids.
type Counters struct {
	Accounts int64 `json:"accounts"`
}

// Boss records a minted boss coupon so it can be listed and revoked.
type Boss struct {
	Coupon    string `json:"coupon"`
	AccountID string `json:"accountid"`
	Plan      string `json:"plan"`
	Created   int64  `json:"created"`
	Expires   int64  `json:"expires"`
}

// Watchable is a registered observation on an item. It survives alias
// repointing: when an alias migrates, its watchables move with it.
type Watchable struct {
	ID      string `json:"id"`
	ItemID  string `json:"item"`
	Alias   string `json:"alias,omitempty"`
	Session string `json:"session,omitempty"`
	Event   string `json:"event"`
	URL     string `json:"url,omitempty"`
	Created int64  `json:"created"`
	NextNr  int64  `json:"nextnr"`
}

// Watchable event kinds.
const (
	EventUpdate = "update"
	EventDelete = "delete"
)

// EventPacket is one logged occurrence of a watched event.
type EventPacket struct {
	WatchableID string `json:"watchable"`
	ItemID      string `json:"item"`
	Alias       string `json:"alias,omitempty"`
	Event       string `json:"event"`
	Session     string `json:"session,omitempty"`
	Nr          int64  `json:"nr"`
	Occurred    int64  `json:"occurred"`
}
