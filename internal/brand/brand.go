// Package brand provides the product name and default locations, read from
// the embedded brand.json.
package brand

import (
	_ "embed"
	"encoding/json"
	"os"
	"path/filepath"
)

//go:embed brand.json
var brandJSON []byte

// Brand is the product identity and its filesystem defaults.
type Brand struct {
	Name             string `json:"name"`
	LowerName        string `json:"lowerName"`
	Description      string `json:"description"`
	ConfigEnvPrefix  string `json:"configEnvPrefix"`
	DefaultConfigDir string `json:"defaultConfigDir"`
	DefaultStateDir  string `json:"defaultStateDir"`
	BinaryName       string `json:"binaryName"`
	ConfigFileName   string `json:"configFileName"`
	HistoryFileName  string `json:"historyFileName"`
	DotenvFileName   string `json:"dotenvFileName"`
}

var b = mustLoad()

// Identity fields, copied out of brand.json for convenience.
var (
	Name             = b.Name
	LowerName        = b.LowerName
	Description      = b.Description
	ConfigEnvPrefix  = b.ConfigEnvPrefix
	DefaultConfigDir = b.DefaultConfigDir
	DefaultStateDir  = b.DefaultStateDir
	BinaryName       = b.BinaryName
	ConfigFileName   = b.ConfigFileName
	HistoryFileName  = b.HistoryFileName
	DotenvFileName   = b.DotenvFileName
)

// Build metadata, overridden with -ldflags "-X".
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func mustLoad() Brand {
	var v Brand
	if err := json.Unmarshal(brandJSON, &v); err != nil {
		panic("brand.json: " + err.Error())
	}
	return v
}

// Get returns the full Brand struct.
func Get() Brand {
	return b
}

// UserAgent is sent on the WebSocket transport handshake.
func UserAgent(version string) string {
	if version == "" {
		version = "dev"
	}
	return Name + "/" + version
}

// GetStateDir returns OUTPOST_STATE_DIR, then OUTPOST_PREFIX/state, then
// DefaultStateDir.
func GetStateDir() string {
	return lookupDir("_STATE_DIR", "state", DefaultStateDir)
}

// GetConfigDir returns OUTPOST_CONFIG_DIR, then OUTPOST_PREFIX/config, then
// DefaultConfigDir.
func GetConfigDir() string {
	return lookupDir("_CONFIG_DIR", "config", DefaultConfigDir)
}

func lookupDir(envSuffix, sub, fallback string) string {
	if dir := os.Getenv(ConfigEnvPrefix + envSuffix); dir != "" {
		return dir
	}
	if prefix := os.Getenv(ConfigEnvPrefix + "_PREFIX"); prefix != "" {
		return filepath.Join(prefix, sub)
	}
	return fallback
}

// ConfigPath is the config file read when --config is not given.
func ConfigPath() string {
	return filepath.Join(GetConfigDir(), ConfigFileName)
}

// HistoryPath is the default history database.
func HistoryPath() string {
	return filepath.Join(GetStateDir(), HistoryFileName)
}
