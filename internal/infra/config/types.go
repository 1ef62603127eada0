package config

import "strings"

// Environment identifies the runtime environment mt5desk operates in.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// ChannelMode selects the transport the session talks over.
type ChannelMode string

const (
	// ModeWebsocket connects to the remote API.
	ModeWebsocket ChannelMode = "websocket"
	// ModeOffline answers every request from the in-process fake remote.
	ModeOffline ChannelMode = "offline"
)

func normalizeSubAccountType(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
