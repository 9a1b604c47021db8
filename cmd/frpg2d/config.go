package main

import (
	"encoding/hex"
	"fmt"

	"github.com/jinzhu/configor"
)

// Configuration is the server configuration, loaded from an optional YAML
// file with environment-variable overrides via configor.
type Configuration struct {
	// ListenAddr is the UDP address the transport binds.
	ListenAddr string `default:":50050"`

	// APIPort serves the JSON status endpoint.
	APIPort int `default:"50051"`

	// CwcKeyHex is the session cipher key as hex. The default is the
	// all-zero test vector; production deployments exchange a real key
	// out of band.
	CwcKeyHex string `default:"00000000000000000000000000000000"`

	// MaxStreams caps concurrent streams; 0 or below means unlimited.
	MaxStreams int `default:"256"`

	// MaxConnsPerMinute rate-limits new streams per remote address;
	// 0 disables.
	MaxConnsPerMinute int `default:"0"`

	// BannedPeers lists peer identities refused at connect time.
	BannedPeers []string

	// LogLevel selects the zerolog level: trace, debug, info, warn,
	// error.
	LogLevel string `default:"info"`

	// DisassemblePackets enables the per-packet debug dump.
	DisassemblePackets bool `default:"false"`
}

// loadConfiguration reads the configuration, tolerating a missing file so
// the server runs on defaults out of the box.
func loadConfiguration(path string) (*Configuration, error) {
	var cfg Configuration
	loader := configor.New(&configor.Config{ErrorOnUnmatchedKeys: true})

	var err error
	if path != "" {
		err = loader.Load(&cfg, path)
	} else {
		err = loader.Load(&cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	if _, err := hex.DecodeString(cfg.CwcKeyHex); err != nil {
		return nil, fmt.Errorf("cwc key is not valid hex: %w", err)
	}
	return &cfg, nil
}

// cwcKey decodes the configured cipher key.
func (c *Configuration) cwcKey() []byte {
	key, _ := hex.DecodeString(c.CwcKeyHex)
	return key
}
