package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8000"`
	DataPath     string `envconfig:"DATA_PATH" default:"/app/data"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"/app/data/dbharbor.db"`
	LogPath      string `envconfig:"LOG_PATH" default:""`

	// KubeconfigPath overrides the default ~/.kube/config fallback used when
	// a cluster carries no explicit credential blob.
	KubeconfigPath string `envconfig:"KUBECONFIG_PATH" default:""`

	// ClusterSeedFile optionally points at a YAML file of predefined
	// clusters registered at startup.
	ClusterSeedFile string `envconfig:"CLUSTER_SEED_FILE" default:""`

	// Local port range tunnels may bind on.
	PortRangeFrom int `envconfig:"PORT_RANGE_FROM" default:"40000"`
	PortRangeTo   int `envconfig:"PORT_RANGE_TO" default:"40999"`

	// Tunnel lifecycle tuning.
	ForwardReadyTimeout time.Duration `envconfig:"FORWARD_READY_TIMEOUT" default:"15s"`
	HealthSweepInterval time.Duration `envconfig:"HEALTH_SWEEP_INTERVAL" default:"30s"`
	IdleMarkAfter       time.Duration `envconfig:"IDLE_MARK_AFTER" default:"2m"`
	IdleTimeout         time.Duration `envconfig:"IDLE_TIMEOUT" default:"10m"`
	IdleSweepSpec       string        `envconfig:"IDLE_SWEEP_SPEC" default:"@every 5m"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("DBHARBOR", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
