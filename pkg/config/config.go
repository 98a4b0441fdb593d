// Package config loads the orchestrator's fixed-shape YAML configuration
// file, covering the broker, store, docker-node and notification-hook
// settings enumerated by the external interface contract.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// HookAuth is optional basic-auth credentials for one notification hook.
type HookAuth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// NotificationHook is one configured terminal-batch notification target.
type NotificationHook struct {
	URL  string    `yaml:"url"`
	Auth *HookAuth `yaml:"auth,omitempty"`
}

// NodeHardware declares a node's static capacity and the GPU ids this
// orchestrator must never reserve on it (e.g. devices reserved for the
// host itself). Containerd, unlike the Docker Engine API, has no
// SystemInfo-style call reporting host RAM/CPU totals, so total capacity
// is declared here rather than probed.
type NodeHardware struct {
	RAMMB        int   `yaml:"ram_mb"`
	CPUs         int   `yaml:"cpus"`
	GPUBlacklist []int `yaml:"gpu_blacklist,omitempty"`
}

// DockerNode is one configured worker node's container-runtime connection
// settings.
type DockerNode struct {
	BaseURL     string            `yaml:"base_url"`
	TLS         map[string]string `yaml:"tls,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty"`
	Network     string            `yaml:"network,omitempty"`
	Hardware    NodeHardware      `yaml:"hardware"`
}

// DockerConfig configures the container-driver layer shared by every node
// proxy.
type DockerConfig struct {
	Nodes                     map[string]DockerNode `yaml:"nodes"`
	AllowInsecureCapabilities bool                  `yaml:"allow_insecure_capabilities"`
	ImagePruneDuration        time.Duration         `yaml:"image_prune_duration"`
}

// ControllerConfig configures the scheduler/proxy daemon itself.
type ControllerConfig struct {
	BindSocketPath    string             `yaml:"bind_socket_path"`
	Docker            DockerConfig       `yaml:"docker"`
	NotificationHooks []NotificationHook `yaml:"notification_hooks,omitempty"`
}

// BrokerAuth configures the secret broker's own login-throttling policy;
// this orchestrator is a broker client, not the broker, so these fields are
// passed through for documentation/visibility rather than enforced here.
type BrokerAuth struct {
	NumLoginAttempts     int `yaml:"num_login_attempts"`
	BlockForSeconds      int `yaml:"block_for_seconds"`
	TokensValidForSeconds int `yaml:"tokens_valid_for_seconds"`
}

// BrokerConfig holds the secret broker's auth section; it is parsed and
// passed through, and nothing in this process reads it.
type BrokerConfig struct {
	Auth BrokerAuth `yaml:"auth"`
}

// TrusteeConfig is the secret broker's connection settings.
type TrusteeConfig struct {
	InternalURL string `yaml:"internal_url"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
}

// StoreConfig configures the embedded store backing this rewrite's
// concrete implementation of the opaque document/blob store described by
// the external interface contract.
type StoreConfig struct {
	DataDir string `yaml:"data_dir"`
}

// Config is the orchestrator's top-level configuration document.
type Config struct {
	Broker     BrokerConfig     `yaml:"broker"`
	Controller ControllerConfig `yaml:"controller"`
	Trustee    TrusteeConfig    `yaml:"trustee"`
	Store      StoreConfig      `yaml:"mongo"` // field name kept for continuity with the external interface's "mongo" section name
}

// Load reads and parses the YAML configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return &cfg, nil
}

// Validate checks that the configuration is internally consistent enough
// to start the daemon.
func (c *Config) Validate() error {
	if len(c.Controller.Docker.Nodes) == 0 {
		return fmt.Errorf("controller.docker.nodes must configure at least one node")
	}
	for name, node := range c.Controller.Docker.Nodes {
		if node.BaseURL == "" {
			return fmt.Errorf("node %q: base_url is required", name)
		}
	}
	if c.Trustee.InternalURL == "" {
		return fmt.Errorf("trustee.internal_url is required")
	}
	if c.Store.DataDir == "" {
		return fmt.Errorf("mongo.data_dir is required (embedded store data directory)")
	}
	return nil
}
