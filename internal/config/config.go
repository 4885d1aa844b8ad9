package config

import (
	"time"

	"grimm.is/outpost/internal/driver"
	"grimm.is/outpost/internal/logging"
	"grimm.is/outpost/internal/provider"
)

// DefaultEndpoint is where the requestor looks for a provider.
const DefaultEndpoint = "unix:///tmp/outpost-provider.sock"

// DefaultPackages are the published unit images used when a task block
// names no package.
var DefaultPackages = map[driver.TaskKind]string{
	driver.TaskProgress: "hash:sha3:1b93678011c94a883605634eb4636a27a2ac6459816f48647b6ab968:http://yacn.dev.golem.network:8000/progress-reporter-0.1.1",
	driver.TaskInteract: "hash:sha3:8f09d137a837c376cd7c2b9c47e5390b1774c8895ac83bb5f9144d88:http://yacn.dev.golem.network:8000/progress-reporter-0.2.12",
}

// Config is the top-level configuration.
type Config struct {
	Subnet           string `hcl:"subnet,optional" json:"subnet"`
	AppKey           string `hcl:"app_key,optional" json:"-"`
	Endpoint         string `hcl:"endpoint,optional" json:"endpoint"`
	NodeName         string `hcl:"node_name,optional" json:"node_name"`
	Runtime          string `hcl:"runtime,optional" json:"runtime"`
	HistoryDB        string `hcl:"history_db,optional" json:"history_db,omitempty"`
	MetricsListen    string `hcl:"metrics_listen,optional" json:"metrics_listen,omitempty"`
	LivenessInterval string `hcl:"liveness_interval,optional" json:"liveness_interval,omitempty"`

	Negotiation *NegotiationConfig `hcl:"negotiation,block" json:"negotiation,omitempty"`
	Output      *OutputConfig      `hcl:"output,block" json:"output,omitempty"`
	Log         *LogConfig         `hcl:"log,block" json:"log,omitempty"`
	Tasks       []TaskConfig       `hcl:"task,block" json:"tasks,omitempty"`
	Provider    *ProviderConfig    `hcl:"provider,block" json:"provider,omitempty"`
}

// NegotiationConfig bounds the offer race and the session lifetime.
type NegotiationConfig struct {
	Expiration     string `hcl:"expiration,optional" json:"expiration,omitempty"`
	Timeout        string `hcl:"timeout,optional" json:"timeout,omitempty"`
	MaxAgreements  int    `hcl:"max_agreements,optional" json:"max_agreements,omitempty"`
	DrainTimeout   string `hcl:"drain_timeout,optional" json:"drain_timeout,omitempty"`
	DestroyTimeout string `hcl:"destroy_timeout,optional" json:"destroy_timeout,omitempty"`
}

// OutputConfig enables capture of unit output to files.
type OutputConfig struct {
	Dir      string `hcl:"dir,optional" json:"dir,omitempty"`
	DebugDir string `hcl:"debug_dir,optional" json:"debug_dir,omitempty"`
	// Plain disables the progress bar in favour of line output.
	Plain bool `hcl:"plain,optional" json:"plain,omitempty"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level   string            `hcl:"level,optional" json:"level,omitempty"`
	JSON    bool              `hcl:"json,optional" json:"json,omitempty"`
	Filters map[string]string `hcl:"filters,optional" json:"filters,omitempty"`
}

// TaskConfig overrides the built-in definition of one task kind.
type TaskConfig struct {
	Kind      string   `hcl:"kind,label" json:"kind"`
	Package   string   `hcl:"package,optional" json:"package,omitempty"`
	Binary    string   `hcl:"binary,optional" json:"binary,omitempty"`
	Args      []string `hcl:"args,optional" json:"args,omitempty"`
	StartArgs []string `hcl:"start_args,optional" json:"start_args,omitempty"`
	Location  string   `hcl:"location,optional" json:"location,omitempty"`
}

// ProviderConfig configures the local provider daemon.
type ProviderConfig struct {
	Name          string       `hcl:"name,optional" json:"name,omitempty"`
	Listen        []string     `hcl:"listen,optional" json:"listen,omitempty"`
	OfferDelay    string       `hcl:"offer_delay,optional" json:"offer_delay,omitempty"`
	WorkDir       string       `hcl:"work_dir,optional" json:"work_dir,omitempty"`
	FetchPackages bool         `hcl:"fetch_packages,optional" json:"fetch_packages,omitempty"`
	MaxConns      int          `hcl:"max_conns,optional" json:"max_conns,omitempty"`
	Heartbeat     string       `hcl:"heartbeat,optional" json:"heartbeat,omitempty"`
	Units         []UnitConfig `hcl:"unit,block" json:"units,omitempty"`
}

// UnitConfig maps an entry point to a host command.
type UnitConfig struct {
	Path    string            `hcl:"path,label" json:"path"`
	Command []string          `hcl:"command" json:"command"`
	Tty     bool              `hcl:"tty,optional" json:"tty,omitempty"`
	Env     map[string]string `hcl:"env,optional" json:"env,omitempty"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	d := driver.DefaultOptions()
	p := provider.DefaultOptions()
	return &Config{
		Subnet:   d.Subnet,
		Endpoint: DefaultEndpoint,
		NodeName: d.NodeName,
		Runtime:  d.Runtime,
		Negotiation: &NegotiationConfig{
			Expiration:     d.Expiration.String(),
			Timeout:        d.NegotiationTimeout.String(),
			MaxAgreements:  d.MaxAgreements,
			DrainTimeout:   d.DrainTimeout.String(),
			DestroyTimeout: d.DestroyTimeout.String(),
		},
		Output: &OutputConfig{},
		Log:    &LogConfig{Level: "info"},
		Provider: &ProviderConfig{
			Name:       p.Name,
			Listen:     []string{DefaultEndpoint},
			OfferDelay: p.OfferDelay.String(),
			WorkDir:    p.WorkDir,
			MaxConns:   p.MaxConns,
			Heartbeat:  p.Heartbeat.String(),
		},
	}
}

// applyDefaults fills every unset value from DefaultConfig.
func (c *Config) applyDefaults() {
	def := DefaultConfig()
	setString(&c.Subnet, def.Subnet)
	setString(&c.Endpoint, def.Endpoint)
	setString(&c.NodeName, def.NodeName)
	setString(&c.Runtime, def.Runtime)

	if c.Negotiation == nil {
		c.Negotiation = def.Negotiation
	} else {
		n, dn := c.Negotiation, def.Negotiation
		setString(&n.Expiration, dn.Expiration)
		setString(&n.Timeout, dn.Timeout)
		setString(&n.DrainTimeout, dn.DrainTimeout)
		setString(&n.DestroyTimeout, dn.DestroyTimeout)
		if n.MaxAgreements == 0 {
			n.MaxAgreements = dn.MaxAgreements
		}
	}
	if c.Output == nil {
		c.Output = def.Output
	}
	if c.Log == nil {
		c.Log = def.Log
	} else {
		setString(&c.Log.Level, def.Log.Level)
	}
	if c.Provider == nil {
		c.Provider = def.Provider
	} else {
		p, dp := c.Provider, def.Provider
		setString(&p.Name, dp.Name)
		setString(&p.OfferDelay, dp.OfferDelay)
		setString(&p.WorkDir, dp.WorkDir)
		setString(&p.Heartbeat, dp.Heartbeat)
		if len(p.Listen) == 0 {
			p.Listen = dp.Listen
		}
		if p.MaxConns == 0 {
			p.MaxConns = dp.MaxConns
		}
	}
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

// parseDuration parses an optional duration; empty means zero.
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// mustDuration is used after Validate has accepted every duration.
func mustDuration(s string) time.Duration {
	d, _ := parseDuration(s)
	return d
}

// DriverOptions returns the session parameters. Call it on a validated
// config.
func (c *Config) DriverOptions() driver.Options {
	opts := driver.DefaultOptions()
	opts.NodeName = c.NodeName
	opts.Subnet = c.Subnet
	opts.Runtime = c.Runtime
	opts.LivenessInterval = mustDuration(c.LivenessInterval)
	if n := c.Negotiation; n != nil {
		opts.Expiration = mustDuration(n.Expiration)
		opts.NegotiationTimeout = mustDuration(n.Timeout)
		opts.MaxAgreements = n.MaxAgreements
		opts.DrainTimeout = mustDuration(n.DrainTimeout)
		opts.DestroyTimeout = mustDuration(n.DestroyTimeout)
	}
	if o := c.Output; o != nil {
		opts.OutputDir = o.Dir
		opts.DebugDir = o.DebugDir
	}
	return opts
}

// Task returns the definition of kind with any task block applied.
func (c *Config) Task(kind driver.TaskKind) (driver.Task, error) {
	t, err := driver.DefaultTask(kind)
	if err != nil {
		return driver.Task{}, err
	}
	for _, tc := range c.Tasks {
		if tc.Kind != string(kind) {
			continue
		}
		if tc.Package != "" {
			t.PackageRef = tc.Package
		}
		if tc.Binary != "" {
			t.Binary = tc.Binary
		}
		if tc.Args != nil {
			t.Args = tc.Args
		}
		if tc.StartArgs != nil {
			t.StartArgs = tc.StartArgs
		}
		if tc.Location != "" {
			t.Location = tc.Location
		}
	}
	if t.PackageRef == "" {
		t.PackageRef = DefaultPackages[kind]
	}
	return t, nil
}

// ProviderOptions returns the provider daemon options. Call it on a
// validated config.
func (c *Config) ProviderOptions() provider.Options {
	opts := provider.DefaultOptions()
	opts.Runtime = c.Runtime
	opts.Subnet = c.Subnet
	opts.Token = c.AppKey
	if p := c.Provider; p != nil {
		opts.Name = p.Name
		opts.OfferDelay = mustDuration(p.OfferDelay)
		opts.WorkDir = p.WorkDir
		opts.FetchPackages = p.FetchPackages
		opts.MaxConns = p.MaxConns
		opts.Heartbeat = mustDuration(p.Heartbeat)
		opts.Units = make(map[string]provider.Unit, len(p.Units))
		for _, u := range p.Units {
			opts.Units[u.Path] = provider.Unit{Command: u.Command, Tty: u.Tty, Env: u.Env}
		}
	}
	return opts
}

// LoggingConfig returns the logger configuration. Call it on a validated
// config.
func (c *Config) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	if c.Log == nil {
		return cfg
	}
	if lvl, err := logging.ParseLevel(c.Log.Level); err == nil {
		cfg.Level = lvl
	}
	cfg.JSON = c.Log.JSON
	if len(c.Log.Filters) > 0 {
		cfg.Filters = make(map[string]logging.Level, len(c.Log.Filters))
		for component, level := range c.Log.Filters {
			if lvl, err := logging.ParseLevel(level); err == nil {
				cfg.Filters[component] = lvl
			}
		}
	}
	return cfg
}
