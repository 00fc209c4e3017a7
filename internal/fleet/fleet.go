// Package fleet keeps the server-side roster of clients observed on the
// connected and response topics, the devices seen on data topics and the
// broker's own connected-client count.
package fleet

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// ipMarker separates the client name from its address in a connected announcement.
const ipMarker = ", ip_address: "

// Client is the roster entry for one client name.
type Client struct {
	Name          string    `json:"name"`
	IP            string    `json:"ip,omitempty"`
	FirstSeen     time.Time `json:"firstSeen"`
	LastSeen      time.Time `json:"lastSeen"`
	Announcements uint64    `json:"announcements"`
	Responses     uint64    `json:"responses"`
}

// Roster is safe for concurrent use.
type Roster struct {
	mu      sync.RWMutex
	clients map[string]*Client
	devices map[deviceKey]*Device
	now     func() time.Time

	brokerClients     int
	brokerClientsSeen bool
}

func NewRoster() *Roster {
	return &Roster{
		clients: make(map[string]*Client),
		devices: make(map[deviceKey]*Device),
		now:     time.Now,
	}
}

// FormatAnnouncement builds the connected-announcement payload. An empty
// ip yields the bare name.
func FormatAnnouncement(name, ip string) string {
	if ip == "" {
		return name
	}
	return name + ipMarker + ip
}

// ParseAnnouncement splits a connected-announcement payload into name and ip.
func ParseAnnouncement(payload string) (name, ip string) {
	payload = strings.TrimSpace(payload)
	if i := strings.Index(payload, ipMarker); i >= 0 {
		return strings.TrimSpace(payload[:i]), strings.TrimSpace(payload[i+len(ipMarker):])
	}
	return payload, ""
}

// ObserveConnected records a connected announcement. It returns false
// when the payload carries no client name.
func (r *Roster) ObserveConnected(payload []byte) bool {
	name, ip := ParseAnnouncement(string(payload))
	if name == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.touch(name)
	if ip != "" {
		c.IP = ip
	}
	c.Announcements++
	return true
}

// ObserveResponse records a command response; the payload is the client name.
func (r *Roster) ObserveResponse(payload []byte) bool {
	name := strings.TrimSpace(string(payload))
	if name == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.touch(name).Responses++
	return true
}

// touch returns the entry for name, creating it if needed. Callers hold mu.
func (r *Roster) touch(name string) *Client {
	now := r.now().UTC()
	c, ok := r.clients[name]
	if !ok {
		c = &Client{Name: name, FirstSeen: now}
		r.clients[name] = c
	}
	c.LastSeen = now
	return c
}

// Snapshot returns a copy of all entries sorted by name.
func (r *Roster) Snapshot() []Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Count returns the number of distinct clients seen.
func (r *Roster) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
