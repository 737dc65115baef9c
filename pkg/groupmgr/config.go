package groupmgr

import (
	"github.com/spf13/viper"

	"github.com/vectornorth/npud-offload/pkg/rpcclient"
)

// Config is the recognized configuration surface of the group manager.
type Config struct {
	// DaemonAddr is the npud address, "unix:<path>" or "host:port".
	DaemonAddr string
	// CoreGroupSizes is the topology specification, see ParseTopology.
	CoreGroupSizes string
	// DisableShm opts out of shared-memory tensor transfer.
	DisableShm bool
	// ProfileDir enables profiling when set; profile artifacts land there.
	ProfileDir string
}

// ConfigFromViper reads the manager configuration from the process-wide
// viper instance.
func ConfigFromViper() Config {
	cfg := Config{
		DaemonAddr:     viper.GetString("daemonAddr"),
		CoreGroupSizes: viper.GetString("coreGroupSizes"),
		DisableShm:     viper.GetBool("disableShm"),
		ProfileDir:     viper.GetString("profileDir"),
	}
	if cfg.DaemonAddr == "" {
		cfg.DaemonAddr = rpcclient.DefaultDaemonAddress
	}
	return cfg
}
