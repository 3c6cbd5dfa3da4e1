// Package config loads and validates the YAML configuration: monitored
// sources, fetch/diff/match/email tuning, and the subscriber roster.
// All of it is read-only to the pipeline; edits happen out of band.
package config

import (
	_ "embed"
	"fmt"
	"net/mail"
	"net/url"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

//go:embed subscribers.yaml
var DefaultSubscribersYAML []byte

// Source kinds.
const (
	KindHTML = "html"
	KindFeed = "feed"
)

// Subscriber statuses.
const (
	StatusActive = "active"
	StatusPaused = "paused"
)

// Modified-pairing policies for the differ.
const (
	ModifiedPolicySourceTitle = "source_title"
	ModifiedPolicyOff         = "off"
)

// Keyword match modes.
const (
	MatchSubstring = "substring"
	MatchToken     = "token"
)

type Config struct {
	Sources         []Source `yaml:"sources"`
	SubscribersFile string   `yaml:"subscribers_file"`
	Fetch           Fetch    `yaml:"fetch"`
	Diff            Diff     `yaml:"diff"`
	Match           Match    `yaml:"match"`
	Email           Email    `yaml:"email"`
	Server          Server   `yaml:"server"`
	Output          Output   `yaml:"output"`

	// path the config was loaded from; resolves relative subscriber files.
	loadedFrom string
}

// Source is one monitored agenda page or feed.
type Source struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	URL         string `yaml:"url"`
	Kind        string `yaml:"kind"`         // html or feed, defaults to html
	Selector    string `yaml:"selector"`     // optional CSS selector for item nodes
	ItemPattern string `yaml:"item_pattern"` // optional regex; each match becomes an item
}

type Fetch struct {
	TimeoutSeconds        int `yaml:"timeout_seconds"`
	MaxAttempts           int `yaml:"max_attempts"`
	MinDomainDelaySeconds int `yaml:"min_domain_delay_seconds"`
	SnapshotRetentionDays int `yaml:"snapshot_retention_days"`
}

type Diff struct {
	ModifiedPolicy string `yaml:"modified_policy"` // source_title or off
}

type Match struct {
	Mode string `yaml:"mode"` // substring or token
}

type Email struct {
	APIURL         string `yaml:"api_url"`
	APIKeyEnv      string `yaml:"api_key_env"`
	From           string `yaml:"from"`
	MaxAttempts    int    `yaml:"max_attempts"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type Server struct {
	Port int `yaml:"port"`
}

type Output struct {
	DataDir string `yaml:"data_dir"`
}

// Subscriber is one notification recipient with keyword and source
// preferences. Empty keyword or source lists act as wildcards.
type Subscriber struct {
	ID        string   `yaml:"id"`
	Email     string   `yaml:"email"`
	Keywords  []string `yaml:"keywords"`
	Sources   []string `yaml:"sources"`
	Frequency string   `yaml:"frequency"`
	Status    string   `yaml:"status"`
}

type subscribersFile struct {
	Subscribers []Subscriber `yaml:"subscribers"`
}

// ConfigDir returns the XDG config directory for agendawatch.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "agendawatch")
}

// DataDir returns the XDG data directory for agendawatch.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "agendawatch")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/agendawatch/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'agendawatch init' to create a default config",
		xdgConfig,
	)
}

// Load reads, parses, and validates a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}
	cfg.loadedFrom = path
	return cfg, nil
}

// parse parses YAML bytes into a Config, applying defaults and failing fast
// on malformed entries rather than letting bad records reach the pipeline.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		Fetch: Fetch{
			TimeoutSeconds:        30,
			MaxAttempts:           3,
			MinDomainDelaySeconds: 2,
			SnapshotRetentionDays: 7,
		},
		Diff:   Diff{ModifiedPolicy: ModifiedPolicySourceTitle},
		Match:  Match{Mode: MatchSubstring},
		Email:  Email{APIKeyEnv: "AGENDAWATCH_MAIL_KEY", MaxAttempts: 3, TimeoutSeconds: 30},
		Server: Server{Port: 8000},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.Sources) == 0 {
		return fmt.Errorf("config: at least one source is required")
	}

	seen := make(map[string]bool)
	for i, src := range c.Sources {
		if src.ID == "" {
			return fmt.Errorf("config: source %d is missing an id", i)
		}
		if seen[src.ID] {
			return fmt.Errorf("config: duplicate source id %q", src.ID)
		}
		seen[src.ID] = true

		u, err := url.Parse(src.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config: source %q has invalid url %q", src.ID, src.URL)
		}
		switch src.Kind {
		case "", KindHTML, KindFeed:
		default:
			return fmt.Errorf("config: source %q has unknown kind %q", src.ID, src.Kind)
		}
	}

	switch c.Diff.ModifiedPolicy {
	case ModifiedPolicySourceTitle, ModifiedPolicyOff:
	default:
		return fmt.Errorf("config: unknown modified_policy %q", c.Diff.ModifiedPolicy)
	}

	switch c.Match.Mode {
	case MatchSubstring, MatchToken:
	default:
		return fmt.Errorf("config: unknown match mode %q", c.Match.Mode)
	}

	return nil
}

// EffectiveKind returns the source kind, defaulting to html.
func (s Source) EffectiveKind() string {
	if s.Kind == "" {
		return KindHTML
	}
	return s.Kind
}

// LoadSubscribers reads and validates the subscriber roster. The path comes
// from subscribers_file, resolved relative to the config file, defaulting to
// subscribers.yaml beside it. References to unknown source ids fail
// validation so typos surface at load time instead of silently matching
// nothing.
func (c *Config) LoadSubscribers() ([]Subscriber, error) {
	path := c.SubscribersFile
	if path == "" {
		path = "subscribers.yaml"
	}
	if !filepath.IsAbs(path) && c.loadedFrom != "" {
		path = filepath.Join(filepath.Dir(c.loadedFrom), path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading subscribers: %w", err)
	}
	return c.parseSubscribers(data)
}

func (c *Config) parseSubscribers(data []byte) ([]Subscriber, error) {
	var file subscribersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing subscribers: %w", err)
	}

	known := make(map[string]bool, len(c.Sources))
	for _, src := range c.Sources {
		known[src.ID] = true
	}

	seen := make(map[string]bool)
	for i, sub := range file.Subscribers {
		if sub.ID == "" {
			return nil, fmt.Errorf("subscribers: entry %d is missing an id", i)
		}
		if seen[sub.ID] {
			return nil, fmt.Errorf("subscribers: duplicate id %q", sub.ID)
		}
		seen[sub.ID] = true

		if _, err := mail.ParseAddress(sub.Email); err != nil {
			return nil, fmt.Errorf("subscribers: %q has invalid email %q", sub.ID, sub.Email)
		}
		switch sub.Status {
		case StatusActive, StatusPaused:
		default:
			return nil, fmt.Errorf("subscribers: %q has unknown status %q", sub.ID, sub.Status)
		}
		for _, sourceID := range sub.Sources {
			if !known[sourceID] {
				return nil, fmt.Errorf("subscribers: %q references unknown source %q", sub.ID, sourceID)
			}
		}
	}

	return file.Subscribers, nil
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
