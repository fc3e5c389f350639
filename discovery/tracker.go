package discovery

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Announcement is what a ledger node multicasts about itself.
type Announcement struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

// Encode returns the JSON form put in Discover.Info.
func (a Announcement) Encode() []byte {
	b, _ := json.Marshal(a)
	return b
}

// Tracker keeps the set of peers heard from recently, one per address.
// OnJoin is called the first time an address is heard and OnExpire when it
// has been silent for TTL. A new identity announced from a known address
// replaces the old one without a join. Callbacks run on the goroutine
// calling Observe or Expire.
type Tracker struct {
	Self     string
	TTL      time.Duration
	OnJoin   func(Announcement)
	OnExpire func(Announcement)
	Logger   *slog.Logger

	mu   sync.Mutex
	seen map[string]sighting
}

type sighting struct {
	Announcement
	last time.Time
}

// Observe records an entry received from Discover.
func (t *Tracker) Observe(entry Entry) {
	var a Announcement
	if err := json.Unmarshal(entry.Info, &a); err != nil {
		t.logger().Debug("ignoring announcement", "err", err)
		return
	}
	if a.ID == "" || a.Address == "" || a.ID == t.Self {
		return
	}
	t.mu.Lock()
	if t.seen == nil {
		t.seen = make(map[string]sighting)
	}
	previous, known := t.seen[a.Address]
	t.seen[a.Address] = sighting{Announcement: a, last: entry.Time}
	t.mu.Unlock()
	switch {
	case !known:
		t.logger().Info("discovered peer", "id", a.ID, "address", a.Address)
		if t.OnJoin != nil {
			t.OnJoin(a)
		}
	case previous.ID != a.ID:
		t.logger().Info("peer identity changed", "address", a.Address, "old", previous.ID, "new", a.ID)
	}
}

// Expire forgets the peers not heard from since now minus TTL.
func (t *Tracker) Expire(now time.Time) {
	if t.TTL <= 0 {
		return
	}
	var expired []Announcement
	t.mu.Lock()
	for addr, s := range t.seen {
		if now.Sub(s.last) > t.TTL {
			expired = append(expired, s.Announcement)
			delete(t.seen, addr)
		}
	}
	t.mu.Unlock()
	for _, a := range expired {
		t.logger().Info("peer expired", "id", a.ID, "address", a.Address)
		if t.OnExpire != nil {
			t.OnExpire(a)
		}
	}
}

// Peers returns the live peers sorted by id.
func (t *Tracker) Peers() []Announcement {
	t.mu.Lock()
	defer t.mu.Unlock()
	peers := make([]Announcement, 0, len(t.seen))
	for _, s := range t.seen {
		peers = append(peers, s.Announcement)
	}
	slices.SortFunc(peers, func(a, b Announcement) int {
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return peers
}

// Run observes entries and expires silent peers until ctx ends or entries
// is closed.
func (t *Tracker) Run(ctx context.Context, entries <-chan Entry) {
	interval := t.TTL / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-entries:
			if !ok {
				return
			}
			t.Observe(entry)
		case now := <-ticker.C:
			t.Expire(now)
		}
	}
}

func (t *Tracker) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}
