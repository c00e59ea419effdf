package realtime

import (
	"os"
	"strings"
	"time"
)

const (
	// TransportWebRTC negotiates a media+data transport; the control
	// channel rides the SCTP data channel.
	TransportWebRTC = "webrtc"
	// TransportWebSocket carries the same JSON protocol over a single
	// bearer-authenticated WebSocket.
	TransportWebSocket = "websocket"
)

type Config struct {
	// Endpoint receives the SDP offer (WebRTC) or the socket dial
	// (WebSocket). Model is passed as a query parameter.
	Endpoint string
	Model    string

	Transport string

	ICEServers []ICEServerConfig

	NegotiateTimeout   time.Duration
	ConfigureTimeout   time.Duration
	ChannelOpenTimeout time.Duration

	BufferSizes BufferSizes
}

type ICEServerConfig struct {
	URLs       []string
	Username   string
	Credential string
}

type BufferSizes struct {
	AudioFrames int
	Events      int
}

func (c Config) Normalize() Config {
	if c.Transport == "" {
		c.Transport = TransportWebRTC
	}
	if c.NegotiateTimeout <= 0 {
		c.NegotiateTimeout = 30 * time.Second
	}
	if c.ConfigureTimeout <= 0 {
		c.ConfigureTimeout = 20 * time.Second
	}
	if c.ChannelOpenTimeout <= 0 {
		c.ChannelOpenTimeout = 10 * time.Second
	}
	if c.BufferSizes.AudioFrames <= 0 {
		c.BufferSizes.AudioFrames = 128
	}
	if c.BufferSizes.Events <= 0 {
		c.BufferSizes.Events = 64
	}
	if len(c.ICEServers) == 0 {
		c.ICEServers = []ICEServerConfig{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	return c
}

// ConfigFromEnv reads transport settings from the environment, for hosts
// that prefer not to thread them programmatically.
func ConfigFromEnv() Config {
	return Config{
		Endpoint:   getEnv("VOICE_ENDPOINT", ""),
		Model:      getEnv("VOICE_MODEL", ""),
		Transport:  getEnv("VOICE_TRANSPORT", TransportWebRTC),
		ICEServers: parseICEServers(getEnv("VOICE_ICE_SERVERS", "")),
	}.Normalize()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseICEServers(envValue string) []ICEServerConfig {
	if envValue == "" {
		return nil
	}

	var servers []ICEServerConfig
	for _, url := range strings.Split(envValue, ",") {
		url = strings.TrimSpace(url)
		if url != "" {
			servers = append(servers, ICEServerConfig{URLs: []string{url}})
		}
	}
	return servers
}
