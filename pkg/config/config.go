// Package config loads the control plane's YAML configuration file.
// Default supplies the intervals, timeouts and development keys used
// throughout the control plane, and Load starts from it.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the top-level control-plane configuration file shape.
type Config struct {
	NodeID   string `yaml:"node_id"`
	BindAddr string `yaml:"bind_addr"`
	DataDir  string `yaml:"data_dir"`

	AgentAPIAddr string `yaml:"agent_api_addr"`
	UserAPIAddr  string `yaml:"user_api_addr"`
	AdminAddr    string `yaml:"admin_addr"`

	Redis RedisConfig `yaml:"redis"`

	Timeouts  Timeouts  `yaml:"timeouts"`
	Intervals Intervals `yaml:"intervals"`

	// InstanceConfig is the instance-wide JSON blob exposed verbatim by
	// GET /instance_config. Left as a free-form map so operators
	// can carry whatever fields their deployment needs without a schema
	// change here.
	InstanceConfig map[string]interface{} `yaml:"instance_config"`

	// ClusterSecret seeds pkg/secrets.DeriveClusterKey. In production
	// this is provisioned out of band; a zero-value Config derives a
	// key from the empty string, which is fine for a single process
	// under test but never for a real deployment.
	ClusterSecret string `yaml:"cluster_secret"`

	// JWTSigningKey signs pkg/auth tokens (agent/user/admin credentials
	// and queue consumer-credential handles). Default supplies a fixed
	// development key; the empty key of a zero-value Config is rejected
	// by auth.NewIssuer.
	JWTSigningKey string `yaml:"jwt_signing_key"`

	// LatestAgentVersion is the agent build nodes are expected to run;
	// nodes reporting a different version are flagged for reimage.
	// Empty disables the check.
	LatestAgentVersion string `yaml:"latest_agent_version"`
}

// RedisConfig addresses the Queue Abstraction's reference backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Timeouts collects the heartbeat and external-call deadlines the
// processors, protocol handlers, and periodic drivers
// use.
type Timeouts struct {
	NodeHeartbeat    time.Duration `yaml:"node_heartbeat"`
	TaskHeartbeat    time.Duration `yaml:"task_heartbeat"`
	BusyWithoutWork  time.Duration `yaml:"busy_without_work"`
	JobNeverStarted  time.Duration `yaml:"job_never_started"`
	RecordStoreCall  time.Duration `yaml:"record_store_call"`
	QueueCall        time.Duration `yaml:"queue_call"`
	CloudAdapterCall time.Duration `yaml:"cloud_adapter_call"`
	RequestSoftDead  time.Duration `yaml:"request_soft_deadline"`
}

// Intervals collects the six periodic driver cadences plus the
// scheduler's own tick.
type Intervals struct {
	Scheduler time.Duration `yaml:"scheduler"`
	Workers   time.Duration `yaml:"workers"`
	Tasks     time.Duration `yaml:"tasks"`
	Proxy     time.Duration `yaml:"proxy"`
	Repro     time.Duration `yaml:"repro"`
	Daily     time.Duration `yaml:"daily"`
	Retention time.Duration `yaml:"retention"`
}

// Default returns a Config runnable as-is for a single-process
// developer instance.
func Default() Config {
	return Config{
		NodeID:       "node-1",
		BindAddr:     "127.0.0.1:7000",
		DataDir:      "./onefuzz-data",
		AgentAPIAddr: "127.0.0.1:8080",
		UserAPIAddr:  "127.0.0.1:8081",
		AdminAddr:    "127.0.0.1:8082",
		Redis: RedisConfig{
			Addr: "127.0.0.1:6379",
		},
		Timeouts: Timeouts{
			NodeHeartbeat:    15 * time.Minute,
			TaskHeartbeat:    30 * time.Minute,
			BusyWithoutWork:  30 * time.Minute,
			JobNeverStarted:  30 * time.Minute,
			RecordStoreCall:  10 * time.Second,
			QueueCall:        10 * time.Second,
			CloudAdapterCall: 60 * time.Second,
			RequestSoftDead:  30 * time.Second,
		},
		Intervals: Intervals{
			Scheduler: 15 * time.Second,
			Workers:   90 * time.Second,
			Tasks:     15 * time.Second,
			Proxy:     30 * time.Second,
			Repro:     30 * time.Second,
			Daily:     24 * time.Hour,
			Retention: 20 * time.Hour,
		},
		ClusterSecret: "dev-only-cluster-secret",
		JWTSigningKey: "dev-only-jwt-signing-key",
	}
}

// Load reads and parses a YAML configuration file, applying Default's
// values for anything the file leaves zero.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read config file")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "parse config file")
	}
	return cfg, nil
}
