package opcua

import (
	"errors"
	"time"
)

// Config captures the runtime details required to open an OPC UA session.
type Config struct {
	Endpoint        string `yaml:"endpoint"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	SecurityMode    string `yaml:"security_mode"`
	SecurityPolicy  string `yaml:"security_policy"`
	CertificateFile string `yaml:"certificate_file"`
	PrivateKeyFile  string `yaml:"private_key_file"`
	ApplicationName string `yaml:"application_name"`

	PublishInterval time.Duration `yaml:"publish_interval"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`

	// MaxReferencesPerNode caps one browse response. Zero lets the server decide.
	MaxReferencesPerNode uint32 `yaml:"max_references_per_node"`
	// MaxNodesPerRead caps the nodes in one attribute read.
	MaxNodesPerRead int `yaml:"max_nodes_per_read"`
	// EventFields are extra BaseEventType fields selected in event history reads.
	EventFields []string `yaml:"event_fields"`
}

func (c *Config) ApplyDefaults() {
	if c.SecurityMode == "" {
		c.SecurityMode = "None"
	}
	if c.SecurityPolicy == "" {
		c.SecurityPolicy = "None"
	}
	if c.ApplicationName == "" {
		c.ApplicationName = "AegisBridge"
	}
	if c.PublishInterval <= 0 {
		c.PublishInterval = 500 * time.Millisecond
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.MaxNodesPerRead <= 0 {
		c.MaxNodesPerRead = 100
	}
}

func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	if (c.CertificateFile == "") != (c.PrivateKeyFile == "") {
		return errors.New("certificate_file and private_key_file must be set together")
	}
	return nil
}
