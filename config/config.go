package config

import (
	"fmt"
	"log"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

const (
	// suggested values for a config file. Validate does not fill them in:
	// it rejects a zero DialTimeout, BarrierTimeout, AdmissionRetryDelay or
	// DrainGrace. A zero EventChannelLength is replaced with 1024 by
	// arbiter.NewArbiter.
	EventChannelLength  uint16        = 1024
	DialTimeout         time.Duration = time.Second * 3
	BarrierTimeout      time.Duration = time.Second * 5
	AdmissionRetryDelay time.Duration = time.Millisecond * 200
	DrainGrace          time.Duration = time.Second * 2
)

// Config is validated once at startup and then treated as immutable for
// the lifetime of a Cluster.
type Config struct {
	Host               string
	InstanceToken      string // minted with uuid.NewString() if left blank
	EventChannelLength uint16

	// ListenAddress is where this node accepts inbound peer connections
	// and joiner handshakes.
	ListenAddress string

	// ContactHost/ContactPort select joiner bootstrap. Leave both empty
	// to start as the founder of a brand-new cluster.
	ContactHost string
	ContactPort uint16

	DialTimeout         uint16 // seconds
	BarrierTimeout      uint16 // seconds
	AdmissionRetryDelay uint16 // milliseconds
	DrainGrace          uint16 // seconds

	MetricsAddress string // empty disables the metrics HTTP server

	LogPrefix string
	LogDebug  bool
}

func (c *Config) Validate() error {
	if c == nil {
		err := fmt.Errorf("nil config")
		log.Printf("%s", err.Error())
		return err
	}

	if c.Host == "" {
		err := fmt.Errorf("invalid Host=%s", c.Host)
		log.Printf("%s", err.Error())
		return err
	}

	if c.InstanceToken == "" {
		c.InstanceToken = uuid.NewString()
	}

	if c.ListenAddress == "" {
		err := fmt.Errorf("invalid ListenAddress=%s", c.ListenAddress)
		log.Printf("%s", err.Error())
		return err
	}

	if (c.ContactHost == "") != (c.ContactPort == 0) {
		err := fmt.Errorf("ContactHost=%s and ContactPort=%d must both be set or both be empty", c.ContactHost, c.ContactPort)
		log.Printf("%s", err.Error())
		return err
	}

	if c.DialTimeout == 0 {
		err := fmt.Errorf("invalid DialTimeout=%d", c.DialTimeout)
		log.Printf("%s", err.Error())
		return err
	}

	if c.BarrierTimeout == 0 {
		err := fmt.Errorf("invalid BarrierTimeout=%d", c.BarrierTimeout)
		log.Printf("%s", err.Error())
		return err
	}

	if c.AdmissionRetryDelay == 0 {
		err := fmt.Errorf("invalid AdmissionRetryDelay=%d", c.AdmissionRetryDelay)
		log.Printf("%s", err.Error())
		return err
	}

	if c.DrainGrace == 0 {
		err := fmt.Errorf("invalid DrainGrace=%d", c.DrainGrace)
		log.Printf("%s", err.Error())
		return err
	}

	if c.LogPrefix == "" {
		c.LogPrefix = fmt.Sprintf("cluster[%s/%s]", c.Host, c.InstanceToken)
	}

	return nil
}

// IsFounder reports whether this node should bootstrap as the sole
// initial member instead of contacting an existing cluster.
func (c *Config) IsFounder() bool {
	return c.ContactHost == ""
}

// Load decodes a TOML config file at filePath into a fresh Config and
// validates it.
func Load(filePath string) (*Config, error) {
	var c Config
	_, err := toml.DecodeFile(filePath, &c)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", filePath, err)
	}

	err = c.Validate()
	if err != nil {
		return nil, err
	}
	return &c, nil
}
