package config

import (
	"os"
	"path/filepath"
)

const DefaultInstance = "default"

// InstancePaths contains all paths for a photond instance.
type InstancePaths struct {
	Home     string // Instance home directory
	ConfigDB string // SQLite configuration store path
	Lock     string // Daemon lock file path
	Logs     string // Logs directory
	NodesDir string // Root for per-network/per-wallet node data directories
}

// GetInstancePaths returns all paths for a given instance.
// Empty instance name defaults to "default".
func GetInstancePaths(instanceName string) InstancePaths {
	if instanceName == "" {
		instanceName = DefaultInstance
	}

	instanceDir := filepath.Join(GetPhotonHome(), "instances", instanceName)

	return InstancePaths{
		Home:     instanceDir,
		ConfigDB: filepath.Join(instanceDir, "config.db"),
		Lock:     filepath.Join(instanceDir, "daemon.lock"),
		Logs:     filepath.Join(instanceDir, "logs"),
		NodesDir: filepath.Join(instanceDir, "nodes"),
	}
}

// NodeDir returns the working directory for a locally spawned node,
// scoped by network and wallet identifier so that separate wallets never
// share chain or wallet state.
func (p InstancePaths) NodeDir(network, walletID string) string {
	if network == "" {
		network = "mainnet"
	}
	if walletID == "" {
		walletID = "wallet"
	}
	return filepath.Join(p.NodesDir, network, walletID)
}

// GetPhotonHome returns the photond home directory (~/.photon).
func GetPhotonHome() string {
	userHome, _ := os.UserHomeDir()
	return filepath.Join(userHome, ".photon")
}

// ExpandPath expands ~ to the user home directory.
func ExpandPath(path string) string {
	if len(path) == 0 {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) == 1 {
			return home
		}
		if path[1] == '/' || path[1] == os.PathSeparator {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// EnsureInstanceDirs creates the directory structure for the given instance
// if it does not exist.
func EnsureInstanceDirs(instanceName string) (InstancePaths, error) {
	paths := GetInstancePaths(instanceName)

	dirs := []string{
		paths.Home,
		paths.Logs,
		paths.NodesDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return paths, err
		}
	}

	return paths, nil
}
