// Package config loads and validates the manager's JSON configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"cartbridge/internal/respbuf"
	"cartbridge/internal/transfer"
)

// DiscoveryConfig controls the optional UDP LAN discovery responder.
//
// When enabled, the manager listens on UDP (default: 0.0.0.0:6462)
// for CBD1 discovery packets and replies with enough information for
// the browser-side helper to find the bridge and open the file
// manager. Meant for LAN/WLAN use only; if LanOnly is true (default),
// requests from non-private IPs are ignored.
type DiscoveryConfig struct {
	Enabled bool `json:"enabled"`
	// UDPPort is the UDP port to listen on (default: 6462).
	UDPPort int `json:"udp_port"`
	// LanOnly ignores discovery packets coming from non-LAN IPs.
	LanOnly bool `json:"lan_only"`
	// RateLimitPerSec is a simple per-source-IP limit to reduce spam (default: 5).
	RateLimitPerSec int `json:"rate_limit_per_sec"`
}

// Config controls the manager's behavior.
type Config struct {
	// Listen address, e.g. ":8080" or "127.0.0.1:8080".
	Listen string `json:"listen"`

	// BusListen is the UDP endpoint receiving captured bus addresses
	// from the cartridge bridge front-end, one 32-bit little-endian
	// address per 4 bytes. Empty disables the host command decoder
	// input.
	BusListen string `json:"bus_listen"`

	// Root is the storage root exposed to the file manager (the SD card).
	Root string `json:"root"`

	// Chunk strides advertised to clients. Defaults match the firmware.
	UploadChunkSize   int `json:"upload_chunk_size"`
	DownloadChunkSize int `json:"download_chunk_size"`

	// ResponseBufSize is the shared JSON response buffer capacity.
	ResponseBufSize int `json:"response_buf_size"`

	// Path limits enforced before filesystem access.
	MaxPath int `json:"max_path"`
	MaxName int `json:"max_name"`

	// Abandoned transfer sessions are released (and partial uploads
	// deleted) after this many seconds of inactivity. 0 disables expiry.
	ContextIdleTimeoutSec  int `json:"context_idle_timeout_sec"`
	MaintenanceIntervalSec int `json:"maintenance_interval_sec"`

	// FetchStartDelaySec is the grace period between a /download.cgi
	// request and the first connection attempt, so the progress page is
	// up before the transfer starts.
	FetchStartDelaySec int `json:"fetch_start_delay_sec"`

	// HandoffCommand is executed when the host computer sends the
	// mode-switch command. Empty means just stop the poll loop.
	HandoffCommand string `json:"handoff_command"`

	// LogRequests controls whether per-request records are kept for the
	// live log stream.
	LogRequests bool   `json:"log_requests"`
	LogLevel    string `json:"log_level"`

	Discovery DiscoveryConfig `json:"discovery"`
}

func Default() Config {
	return Config{
		Listen:                 ":8080",
		BusListen:              "127.0.0.1:6463",
		Root:                   "./cartbridge-data",
		UploadChunkSize:        transfer.UploadChunkSize,
		DownloadChunkSize:      transfer.DownloadChunkSize,
		ResponseBufSize:        respbuf.DefaultCapacity,
		MaxPath:                255,
		MaxName:                64,
		ContextIdleTimeoutSec:  10 * 60,
		MaintenanceIntervalSec: 60,
		FetchStartDelaySec:     3,
		HandoffCommand:         "",
		LogRequests:            true,
		LogLevel:               "info",
		Discovery: DiscoveryConfig{
			Enabled:         true,
			UDPPort:         6462,
			LanOnly:         true,
			RateLimitPerSec: 5,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if strings.TrimSpace(c.Root) == "" {
		return fmt.Errorf("root must be set")
	}
	if c.UploadChunkSize <= 0 {
		c.UploadChunkSize = transfer.UploadChunkSize
	}
	if c.DownloadChunkSize <= 0 {
		c.DownloadChunkSize = transfer.DownloadChunkSize
	}
	if c.ResponseBufSize <= 0 {
		c.ResponseBufSize = respbuf.DefaultCapacity
	}
	// The download chunk must survive base64 expansion plus JSON
	// framing inside the response buffer, or chunk responses would be
	// truncated with no error signal.
	encoded := (c.DownloadChunkSize+2)/3*4 + downloadFramingBytes
	if encoded > c.ResponseBufSize {
		return fmt.Errorf("download_chunk_size %d does not fit response_buf_size %d (needs %d)",
			c.DownloadChunkSize, c.ResponseBufSize, encoded)
	}
	if c.MaxPath <= 0 {
		c.MaxPath = 255
	}
	if c.MaxName <= 0 {
		c.MaxName = 64
	}
	if c.ContextIdleTimeoutSec < 0 {
		return fmt.Errorf("context_idle_timeout_sec must be >= 0")
	}
	if c.MaintenanceIntervalSec <= 0 {
		c.MaintenanceIntervalSec = 60
	}
	if c.FetchStartDelaySec < 0 {
		return fmt.Errorf("fetch_start_delay_sec must be >= 0")
	}
	if c.Discovery.UDPPort <= 0 || c.Discovery.UDPPort > 65535 {
		c.Discovery.UDPPort = 6462
	}
	if c.Discovery.RateLimitPerSec <= 0 {
		c.Discovery.RateLimitPerSec = 5
	}
	return nil
}

// downloadFramingBytes is the worst-case JSON envelope around a chunk:
// {"status":"chunk","length":NNNNNNN,"data":"..."}.
const downloadFramingBytes = 64
