// Package topics maps the logical roles of the pulse protocol to the
// configured topic names.
//
// The Registry is a pure value computed once from configuration. It
// answers two questions: which topics a profile subscribes to (in order),
// and which topic each outbound role publishes on.
package topics

import (
	"mqtt-pulse/config"
)

// Role identifies a logical topic.
type Role string

const (
	RoleCommand   Role = "command"
	RoleResponse  Role = "response"
	RoleConnected Role = "connected"
	RoleHeartbeat Role = "heartbeat"
	RoleSync      Role = "sync"

	// Optional server roles, subscribed only when configured.
	RoleBrokerClients Role = "broker_clients"
	RoleDevices       Role = "devices"
)

// Registry resolves topics for one profile.
type Registry struct {
	profile config.Profile
	names   map[Role]string
}

// subscriptionOrder lists the roles each profile subscribes to.
var subscriptionOrder = map[config.Profile][]Role{
	config.ProfileClient: {RoleCommand},
	config.ProfileServer: {RoleHeartbeat, RoleConnected, RoleResponse, RoleCommand, RoleSync},
}

// optionalRoles are appended after subscriptionOrder when their topic is set.
var optionalRoles = map[config.Profile][]Role{
	config.ProfileServer: {RoleBrokerClients, RoleDevices},
}

// outboundRoles lists the roles each profile publishes on.
var outboundRoles = map[config.Profile][]Role{
	config.ProfileClient: {RoleConnected, RoleResponse},
	config.ProfileServer: {RoleHeartbeat, RoleCommand},
}

// NewRegistry builds the registry for the configured profile.
func NewRegistry(cfg *config.Config) Registry {
	names := map[Role]string{
		RoleCommand:   cfg.Topics.Command,
		RoleResponse:  cfg.Topics.Response,
		RoleConnected: cfg.Topics.Connected,
		RoleHeartbeat: cfg.Topics.Heartbeat,
		RoleSync:      cfg.Topics.Sync,
		RoleDevices:   cfg.Fleet.DeviceFilter,
	}
	if cfg.Fleet.TrackBrokerClients {
		names[RoleBrokerClients] = config.DefaultBrokerClientsTopic
	}
	return Registry{
		profile: cfg.Profile,
		names:   names,
	}
}

// Profile returns the profile the registry was built for.
func (r Registry) Profile() config.Profile {
	return r.profile
}

// Subscriptions returns the topics to subscribe to, in subscription order.
// Duplicate names (two roles configured with the same topic) are
// subscribed once, at the position of their first role.
//
// Optional roles follow the fixed ones and are skipped when unset.
func (r Registry) Subscriptions() []string {
	roles := subscriptionOrder[r.profile]
	for _, role := range optionalRoles[r.profile] {
		if r.names[role] != "" {
			roles = append(roles[:len(roles):len(roles)], role)
		}
	}

	seen := make(map[string]struct{}, len(roles))
	out := make([]string, 0, len(roles))
	for _, role := range roles {
		name := r.names[role]
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

// Outbound returns the roles this profile publishes on.
func (r Registry) Outbound() []Role {
	return append([]Role(nil), outboundRoles[r.profile]...)
}

// Topic returns the topic name configured for role.
func (r Registry) Topic(role Role) string {
	return r.names[role]
}

func (r Registry) Command() string   { return r.names[RoleCommand] }
func (r Registry) Response() string  { return r.names[RoleResponse] }
func (r Registry) Connected() string { return r.names[RoleConnected] }
func (r Registry) Heartbeat() string { return r.names[RoleHeartbeat] }
func (r Registry) Sync() string      { return r.names[RoleSync] }

// BrokerClients and Devices are empty when not enabled.
func (r Registry) BrokerClients() string { return r.names[RoleBrokerClients] }
func (r Registry) Devices() string       { return r.names[RoleDevices] }
