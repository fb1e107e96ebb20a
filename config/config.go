// Package config loads a node's settings from a YAML file, then applies
// BVERIFY_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"bverify.dev/custody/model"
)

type Config struct {
	// Self is this node's account id; Counterpart receives its proposals.
	Self        string     `yaml:"self"`
	Role        model.Role `yaml:"role"`
	Counterpart string     `yaml:"counterpart"`

	// Listen is the peer gRPC address. Empty disables the server.
	Listen string `yaml:"listen"`
	// Peers maps account ids to gRPC targets.
	Peers map[string]string `yaml:"peers"`

	KeysDir           string `yaml:"keys_dir"`
	RequireSignatures bool   `yaml:"require_signatures"`

	Feed       Feed       `yaml:"feed"`
	Checkpoint Checkpoint `yaml:"checkpoint"`
	Directory  Directory  `yaml:"directory"`
	Protocol   Protocol   `yaml:"protocol"`
	Log        Log        `yaml:"log"`
}

type Feed struct {
	// Backend is one of memory, file, kafka.
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
	Kafka   Kafka  `yaml:"kafka"`
}

type Kafka struct {
	Brokers   []string `yaml:"brokers"`
	Topic     string   `yaml:"topic"`
	Partition int      `yaml:"partition"`
}

type Checkpoint struct {
	// Backends names casregistry backends. Several backends replicate every
	// checkpoint; none disables checkpoints.
	Backends []string `yaml:"backends"`
	Dir      string   `yaml:"dir"`
	Every    uint64   `yaml:"every"`
}

type Directory struct {
	File      string        `yaml:"file"`
	Redis     Redis         `yaml:"redis"`
	CacheSize int           `yaml:"cache_size"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type Protocol struct {
	ProposalTimeout time.Duration `yaml:"proposal_timeout"`
	SendAttempts    int           `yaml:"send_attempts"`
	SendTimeout     time.Duration `yaml:"send_timeout"`
	Backoff         time.Duration `yaml:"backoff"`
}

type Log struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

const (
	FeedMemory = "memory"
	FeedFile   = "file"
	FeedKafka  = "kafka"
)

// Default returns the settings used for anything the file leaves out.
func Default() Config {
	return Config{
		Role: model.RoleWarehouse,
		Feed: Feed{Backend: FeedFile, Path: "data/statements.log"},
		Checkpoint: Checkpoint{
			Dir:   "data/checkpoints",
			Every: 100,
		},
		Directory: Directory{CacheSize: 256, CacheTTL: time.Minute},
		Protocol: Protocol{
			ProposalTimeout: 2 * time.Minute,
			SendAttempts:    3,
			SendTimeout:     5 * time.Second,
			Backoff:         200 * time.Millisecond,
		},
		Log: Log{Level: "info"},
	}
}

// LoadDotEnv loads .env style files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("config: load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads path (optional), applies environment overrides and validates.
func Load(path string) (Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Read is Load without validation, for tools that only need part of the
// settings.
func Read(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from BVERIFY_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("BVERIFY_SELF", &c.Self)
	str("BVERIFY_COUNTERPART", &c.Counterpart)
	str("BVERIFY_LISTEN", &c.Listen)
	str("BVERIFY_KEYS_DIR", &c.KeysDir)
	str("BVERIFY_FEED_BACKEND", &c.Feed.Backend)
	str("BVERIFY_FEED_PATH", &c.Feed.Path)
	str("BVERIFY_KAFKA_TOPIC", &c.Feed.Kafka.Topic)
	str("BVERIFY_CHECKPOINT_DIR", &c.Checkpoint.Dir)
	str("BVERIFY_DIRECTORY_FILE", &c.Directory.File)
	str("BVERIFY_REDIS_ADDR", &c.Directory.Redis.Addr)
	str("BVERIFY_REDIS_PASSWORD", &c.Directory.Redis.Password)
	str("BVERIFY_LOG_LEVEL", &c.Log.Level)

	if v, ok := lookup("BVERIFY_ROLE"); ok && v != "" {
		c.Role = model.Role(v)
	}
	if v, ok := lookup("BVERIFY_KAFKA_BROKERS"); ok && v != "" {
		c.Feed.Kafka.Brokers = splitList(v)
	}
	if v, ok := lookup("BVERIFY_CHECKPOINT_BACKENDS"); ok {
		c.Checkpoint.Backends = splitList(v)
	}
	// BVERIFY_PEERS is "id=target,id=target".
	if v, ok := lookup("BVERIFY_PEERS"); ok && v != "" {
		peers := make(map[string]string)
		for _, kv := range splitList(v) {
			id, target, found := strings.Cut(kv, "=")
			if !found || id == "" || target == "" {
				return fmt.Errorf("config: BVERIFY_PEERS entry %q is not id=target", kv)
			}
			peers[id] = target
		}
		c.Peers = peers
	}
	if v, ok := lookup("BVERIFY_PROPOSAL_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: BVERIFY_PROPOSAL_TIMEOUT: %w", err)
		}
		c.Protocol.ProposalTimeout = d
	}
	if v, ok := lookup("BVERIFY_REQUIRE_SIGNATURES"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: BVERIFY_REQUIRE_SIGNATURES: %w", err)
		}
		c.RequireSignatures = b
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c Config) Validate() error {
	if c.Self == "" {
		return errors.New("config: self is required")
	}
	if c.Counterpart == "" {
		return errors.New("config: counterpart is required")
	}
	if c.Counterpart == c.Self {
		return errors.New("config: counterpart must differ from self")
	}
	if !c.Role.Valid() {
		return fmt.Errorf("config: invalid role %q", c.Role)
	}
	switch c.Feed.Backend {
	case FeedMemory:
	case FeedFile:
		if c.Feed.Path == "" {
			return errors.New("config: feed.path is required for the file feed")
		}
	case FeedKafka:
		if len(c.Feed.Kafka.Brokers) == 0 || c.Feed.Kafka.Topic == "" {
			return errors.New("config: feed.kafka needs brokers and a topic")
		}
	default:
		return fmt.Errorf("config: invalid feed backend %q", c.Feed.Backend)
	}
	if len(c.Checkpoint.Backends) > 0 && c.Checkpoint.Dir == "" {
		return errors.New("config: checkpoint.dir is required when checkpoints are enabled")
	}
	seen := make(map[string]struct{}, len(c.Checkpoint.Backends))
	for _, b := range c.Checkpoint.Backends {
		if _, dup := seen[b]; dup {
			return fmt.Errorf("config: duplicate checkpoint backend %q", b)
		}
		seen[b] = struct{}{}
	}
	if c.Directory.File == "" && c.Directory.Redis.Addr == "" {
		return errors.New("config: directory.file or directory.redis.addr is required")
	}
	if c.Directory.CacheSize < 0 {
		return errors.New("config: directory.cache_size must not be negative")
	}
	if c.Protocol.SendAttempts < 0 {
		return errors.New("config: protocol.send_attempts must not be negative")
	}
	for id, target := range c.Peers {
		if id == "" || target == "" {
			return fmt.Errorf("config: peer %q has no target", id)
		}
	}
	return nil
}
