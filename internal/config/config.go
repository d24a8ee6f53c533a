// Package config holds the CLI-flag-populated configuration for the
// acoustictun binary, with an optional JSON file override — the same
// two-tier shape the teacher uses for its client and server configs.
package config

import (
	"encoding/json"
	"os"
	"time"
)

// Mode selects which side of the link this process runs as.
type Mode string

const (
	ModeSender   Mode = "sender"
	ModeReceiver Mode = "receiver"
	ModeMonitor  Mode = "monitor"
)

// Config collects every tunable named across spec §3/§4/§5: audio
// framing, the ARQ timers, the handshake budget, the send-window
// offsets, and logging.
type Config struct {
	Mode string `json:"mode"`

	// Label is a human-readable tag for this session, shown alongside
	// the key fingerprint for out-of-band verification; unlike the
	// teacher's KCPTUN_KEY it carries no cryptographic weight, since
	// this protocol's shared secret is derived by ephemeral ECDH, not a
	// pre-shared value.
	Label string `json:"label"`

	// Audio framing (component B/C).
	FrameSamples int `json:"frame_samples"`
	Volume       int `json:"volume"`

	// ARQ (component D).
	ResendTimeoutMS int `json:"resend_timeout_ms"`
	AbortRetries    int `json:"abort_retries"`
	AbortTimeoutMS  int `json:"abort_timeout_ms"`

	// Handshake (component D).
	ReconnectIntervalMS int `json:"reconnect_interval_ms"`
	HandshakeRetries    int `json:"handshake_retries"`

	// Send-window scheduler (component C/§5).
	InitiatorWindowLoMS int `json:"initiator_window_lo_ms"`
	InitiatorWindowHiMS int `json:"initiator_window_hi_ms"`
	ResponderWindowLoMS int `json:"responder_window_lo_ms"`
	ResponderWindowHiMS int `json:"responder_window_hi_ms"`
	MaxReceivingTimeMS  int `json:"max_receiving_time_ms"`
	PostDecodeSettleMS  int `json:"post_decode_settle_ms"`

	// Session (component E).
	ChunkSize        int `json:"chunk_size"`
	ReceiveTimeoutMS int `json:"receive_timeout_ms"`

	// Logging (component G).
	LogLevel   string `json:"log_level"`
	LogFile    string `json:"log_file"`
	DisableLog bool   `json:"disable_log"`
}

// Default returns the spec-mandated defaults (spec §4.D, §4.E, §5).
func Default() Config {
	return Config{
		Mode: string(ModeSender),

		FrameSamples: 1024,
		Volume:       100,

		ResendTimeoutMS: 3000,
		AbortRetries:    5,
		AbortTimeoutMS:  15000,

		ReconnectIntervalMS: 1500,
		HandshakeRetries:    3,

		InitiatorWindowLoMS: 200,
		InitiatorWindowHiMS: 300,
		ResponderWindowLoMS: 700,
		ResponderWindowHiMS: 800,
		MaxReceivingTimeMS:  6000,
		PostDecodeSettleMS:  150,

		ChunkSize:        126,
		ReceiveTimeoutMS: 600000,

		LogLevel: "info",
	}
}

func (c Config) ResendTimeout() time.Duration {
	return time.Duration(c.ResendTimeoutMS) * time.Millisecond
}

func (c Config) AbortTimeout() time.Duration {
	return time.Duration(c.AbortTimeoutMS) * time.Millisecond
}

func (c Config) ReconnectInterval() time.Duration {
	return time.Duration(c.ReconnectIntervalMS) * time.Millisecond
}

func (c Config) InitiatorWindowLo() time.Duration {
	return time.Duration(c.InitiatorWindowLoMS) * time.Millisecond
}

func (c Config) InitiatorWindowHi() time.Duration {
	return time.Duration(c.InitiatorWindowHiMS) * time.Millisecond
}

func (c Config) ResponderWindowLo() time.Duration {
	return time.Duration(c.ResponderWindowLoMS) * time.Millisecond
}

func (c Config) ResponderWindowHi() time.Duration {
	return time.Duration(c.ResponderWindowHiMS) * time.Millisecond
}

func (c Config) MaxReceivingTime() time.Duration {
	return time.Duration(c.MaxReceivingTimeMS) * time.Millisecond
}

func (c Config) PostDecodeSettle() time.Duration {
	return time.Duration(c.PostDecodeSettleMS) * time.Millisecond
}

func (c Config) ReceiveTimeout() time.Duration {
	return time.Duration(c.ReceiveTimeoutMS) * time.Millisecond
}

// parseJSONConfig decodes path's JSON contents into config, overwriting
// whatever fields the file sets. LoadJSON applies it on top of
// Default(); cmd/acoustictun then uses the loaded Config in place of
// the flag values.
func parseJSONConfig(config *Config, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return json.NewDecoder(file).Decode(config)
}

// LoadJSON reads a JSON config file on top of Default().
func LoadJSON(path string) (Config, error) {
	cfg := Default()
	if err := parseJSONConfig(&cfg, path); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
