package fleet

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"
)

// devicesSegment sits between the group and the device name in a data topic.
const devicesSegment = "devices"

// DataTypes are the last topic segments accepted as device data.
var DataTypes = []string{
	"status",
	"meters-data",
	"modbus-data",
	"cmd-resp",
	"cmd-req",
	"update-trigger",
	"update-response",
	"publish",
	"heartbeat",
	"command",
}

var knownDataTypes = func() map[string]struct{} {
	m := make(map[string]struct{}, len(DataTypes))
	for _, t := range DataTypes {
		m[t] = struct{}{}
	}
	return m
}()

// Device is the registry entry for one device seen on its data topics.
type Device struct {
	Group      string      `json:"group"`
	Name       string      `json:"name"`
	LastSync   time.Time   `json:"lastSyncTime"`
	DataTopics []DataTopic `json:"dataTopics"`
}

// DataTopic tracks one data type of a device. Latest is the last payload,
// kept as JSON; payloads that are not JSON are stored as a string.
type DataTopic struct {
	Name     string          `json:"name"`
	LastSync time.Time       `json:"lastSyncTime"`
	Messages uint64          `json:"messages"`
	Latest   json.RawMessage `json:"latest,omitempty"`
}

// Report is the full server-side view served on /clients. BrokerClients
// is nil until the broker has reported a count.
type Report struct {
	BrokerClients *int     `json:"brokerClients,omitempty"`
	Clients       []Client `json:"clients"`
	Devices       []Device `json:"devices"`
}

type deviceKey struct {
	group string
	name  string
}

// ParseDeviceTopic splits a topic shaped [...]<group>/devices/<device>/<type>.
// Only the last four segments are inspected.
func ParseDeviceTopic(topic string) (group, device, dataType string, ok bool) {
	segments := strings.Split(topic, "/")
	n := len(segments)
	if n < 4 || segments[n-3] != devicesSegment {
		return "", "", "", false
	}
	group, device, dataType = segments[n-4], segments[n-2], segments[n-1]
	if group == "" || device == "" {
		return "", "", "", false
	}
	if _, known := knownDataTypes[dataType]; !known {
		return "", "", "", false
	}
	return group, device, dataType, true
}

// ObserveDeviceData records a message on a device data topic. It returns
// false when the topic does not have the device shape.
func (r *Roster) ObserveDeviceData(topic string, payload []byte) bool {
	group, name, dataType, ok := ParseDeviceTopic(topic)
	if !ok {
		return false
	}
	latest := latestPayload(payload)

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	key := deviceKey{group: group, name: name}
	d, exists := r.devices[key]
	if !exists {
		d = &Device{Group: group, Name: name}
		r.devices[key] = d
	}
	d.LastSync = now

	for i := range d.DataTopics {
		if d.DataTopics[i].Name == dataType {
			d.DataTopics[i].LastSync = now
			d.DataTopics[i].Messages++
			d.DataTopics[i].Latest = latest
			return true
		}
	}
	d.DataTopics = append(d.DataTopics, DataTopic{
		Name:     dataType,
		LastSync: now,
		Messages: 1,
		Latest:   latest,
	})
	return true
}

func latestPayload(payload []byte) json.RawMessage {
	if len(payload) == 0 {
		return nil
	}
	if json.Valid(payload) {
		return append(json.RawMessage(nil), payload...)
	}
	raw, err := json.Marshal(string(payload))
	if err != nil {
		return nil
	}
	return raw
}

// ObserveBrokerClients records the broker's connected-client count. It
// returns false when the payload is not a non-negative integer.
func (r *Roster) ObserveBrokerClients(payload []byte) bool {
	n, err := strconv.Atoi(strings.TrimSpace(string(payload)))
	if err != nil || n < 0 {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.brokerClients = n
	r.brokerClientsSeen = true
	return true
}

// BrokerClients returns the last count reported by the broker.
func (r *Roster) BrokerClients() (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.brokerClients, r.brokerClientsSeen
}

// Devices returns a copy of all devices sorted by group, then name. Data
// topics keep their first-seen order.
func (r *Roster) Devices() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		c := *d
		c.DataTopics = append([]DataTopic(nil), d.DataTopics...)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Group != out[j].Group {
			return out[i].Group < out[j].Group
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Report returns clients, devices and the broker count in one value.
func (r *Roster) Report() Report {
	rep := Report{
		Clients: r.Snapshot(),
		Devices: r.Devices(),
	}
	if n, ok := r.BrokerClients(); ok {
		rep.BrokerClients = &n
	}
	return rep
}
