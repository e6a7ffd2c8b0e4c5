// pkg/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/andrej220/fleetmigrate/pkg/config/configstore"
	"github.com/andrej220/fleetmigrate/pkg/config/filestore"
	"github.com/go-playground/validator/v10"
)

const (
	DefaultAPIVersion     = "v7"
	DefaultSSHUser        = "root"
	DefaultSSHPort        = 22222
	DefaultSSHTimeout     = 10 * time.Second
	DefaultPollAttempts   = 7
	DefaultPollInterval   = time.Minute
	DefaultConcurrency    = 1
	DefaultOutputDir      = "./configFiles"
	DefaultBootConfigPath = "/mnt/boot/config.json"
	DefaultRemoteConfig   = "/tmp/config.json"
	DefaultRemoteScript   = "/tmp/migrate.sh"
	DefaultRemoteLog      = "/tmp/migrate.log"
	DefaultBatonPath      = "/tmp/baton"

	TransferSCP  = "scp"
	TransferSFTP = "sftp"
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingAPIKey = errors.New("missing api key")
)

var validate = validator.New()

// Environment describes one instance of the device-management cloud.
type Environment struct {
	Endpoint   string `yaml:"endpoint" json:"endpoint" validate:"required,hostname_rfc1123|hostname_port"`
	APIKey     string `yaml:"apiKey" json:"-"`
	APIKeyEnv  string `yaml:"apiKeyEnv" json:"apiKeyEnv"`
	APIVersion string `yaml:"apiVersion" json:"apiVersion"`
	Insecure   bool   `yaml:"insecure" json:"insecure"`
}

// Target extends Environment with where migrated devices land.
type Target struct {
	Environment        `yaml:",inline"`
	Owner              string `yaml:"owner" json:"owner" validate:"required"`
	CreateMissingFleet bool   `yaml:"createMissingFleet" json:"createMissingFleet"`
}

type SSHConfig struct {
	User           string        `yaml:"user" json:"user" validate:"required"`
	Port           int           `yaml:"port" json:"port" validate:"min=1,max=65535"`
	KeyFiles       []string      `yaml:"keyFiles" json:"keyFiles"`
	UseAgent       bool          `yaml:"useAgent" json:"useAgent"`
	KnownHostsFile string        `yaml:"knownHostsFile" json:"knownHostsFile"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout"`
	Transfer       string        `yaml:"transfer" json:"transfer" validate:"oneof=scp sftp"`
}

// RemotePaths are the well-known locations on the device host OS.
type RemotePaths struct {
	BootConfig string `yaml:"bootConfig" json:"bootConfig" validate:"required"`
	Config     string `yaml:"config" json:"config" validate:"required"`
	Script     string `yaml:"script" json:"script" validate:"required"`
	Log        string `yaml:"log" json:"log" validate:"required"`
	Baton      string `yaml:"baton" json:"baton" validate:"required"`
}

type PollConfig struct {
	Attempts int           `yaml:"attempts" json:"attempts" validate:"min=1"`
	Interval time.Duration `yaml:"interval" json:"interval"`
}

type MongoConfig struct {
	URI      string `yaml:"uri,omitempty" json:"uri"`
	DBName   string `yaml:"dbName,omitempty" json:"dbName" validate:"required_with=URI"`
	CollName string `yaml:"collName,omitempty" json:"collName" validate:"required_with=URI"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers,omitempty" json:"brokers"`
	Topic   string   `yaml:"topic,omitempty" json:"topic" validate:"required_with=Brokers"`
}

type JournalConfig struct {
	ReportFile string      `yaml:"reportFile" json:"reportFile"`
	Mongo      MongoConfig `yaml:"mongo" json:"mongo"`
	Kafka      KafkaConfig `yaml:"kafka" json:"kafka"`
}

// MigrationConfig is the full configuration of one migration run.
type MigrationConfig struct {
	Source          Environment   `yaml:"source" json:"source"`
	Target          Target        `yaml:"target" json:"target"`
	Fleets          []string      `yaml:"fleets" json:"fleets" validate:"required,min=1,dive,required"`
	Template        string        `yaml:"template" json:"template" validate:"required"`
	OutputDir       string        `yaml:"outputDir" json:"outputDir" validate:"required"`
	FieldsToMigrate []string      `yaml:"fieldsToMigrate" json:"fieldsToMigrate" validate:"dive,required"`
	DeviceScript    string        `yaml:"deviceScript" json:"deviceScript" validate:"required"`
	SSH             SSHConfig     `yaml:"ssh" json:"ssh"`
	Remote          RemotePaths   `yaml:"remote" json:"remote"`
	Poll            PollConfig    `yaml:"poll" json:"poll"`
	Concurrency     int           `yaml:"concurrency" json:"concurrency" validate:"min=1"`
	DryRun          bool          `yaml:"dryRun" json:"dryRun"`
	Journal         JournalConfig `yaml:"journal" json:"journal"`
}

func NewMigrationConfig() *MigrationConfig {
	cfg := &MigrationConfig{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills every unset field with its default.
func (c *MigrationConfig) ApplyDefaults() {
	if c.Source.APIVersion == "" {
		c.Source.APIVersion = DefaultAPIVersion
	}
	if c.Source.APIKeyEnv == "" {
		c.Source.APIKeyEnv = "BALENA_CLOUD_KEY"
	}
	if c.Target.APIVersion == "" {
		c.Target.APIVersion = DefaultAPIVersion
	}
	if c.Target.APIKeyEnv == "" {
		c.Target.APIKeyEnv = "BALENA_STAGING_KEY"
	}
	if c.OutputDir == "" {
		c.OutputDir = DefaultOutputDir
	}
	if len(c.FieldsToMigrate) == 0 {
		c.FieldsToMigrate = []string{"uuid"}
	}
	if c.SSH.User == "" {
		c.SSH.User = DefaultSSHUser
	}
	if c.SSH.Port == 0 {
		c.SSH.Port = DefaultSSHPort
	}
	if c.SSH.Timeout == 0 {
		c.SSH.Timeout = DefaultSSHTimeout
	}
	if c.SSH.Transfer == "" {
		c.SSH.Transfer = TransferSCP
	}
	if c.Remote.BootConfig == "" {
		c.Remote.BootConfig = DefaultBootConfigPath
	}
	if c.Remote.Config == "" {
		c.Remote.Config = DefaultRemoteConfig
	}
	if c.Remote.Script == "" {
		c.Remote.Script = DefaultRemoteScript
	}
	if c.Remote.Log == "" {
		c.Remote.Log = DefaultRemoteLog
	}
	if c.Remote.Baton == "" {
		c.Remote.Baton = DefaultBatonPath
	}
	if c.Poll.Attempts == 0 {
		c.Poll.Attempts = DefaultPollAttempts
	}
	if c.Poll.Interval == 0 {
		c.Poll.Interval = DefaultPollInterval
	}
	if c.Concurrency == 0 {
		c.Concurrency = DefaultConcurrency
	}
	// required_with counts an empty, non-nil slice as set
	if len(c.Journal.Kafka.Brokers) == 0 {
		c.Journal.Kafka.Brokers = nil
	}
}

// Validate checks struct constraints and resolves API keys from the environment.
func (c *MigrationConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := c.Source.resolveKey(); err != nil {
		return fmt.Errorf("source: %w", err)
	}
	if err := c.Target.resolveKey(); err != nil {
		return fmt.Errorf("target: %w", err)
	}
	return nil
}

func (e *Environment) resolveKey() error {
	if e.APIKey != "" {
		return nil
	}
	e.APIKey = strings.TrimSpace(os.Getenv(e.APIKeyEnv))
	if e.APIKey == "" {
		return fmt.Errorf("%w: set %s or apiKey for %s", ErrMissingAPIKey, e.APIKeyEnv, e.Endpoint)
	}
	return nil
}

// APIHost is the API hostname for the environment, e.g. api.balena-cloud.com.
// Endpoints given as host:port are used verbatim.
func (e Environment) APIHost() string {
	if strings.HasPrefix(e.Endpoint, "api.") || strings.Contains(e.Endpoint, ":") {
		return e.Endpoint
	}
	return "api." + e.Endpoint
}

// BaseURL is the scheme and API host.
func (e Environment) BaseURL() string {
	scheme := "https"
	if e.Insecure {
		scheme = "http"
	}
	return scheme + "://" + e.APIHost()
}

// Override adjusts a loaded config before it is validated.
type Override func(*MigrationConfig)

// Load reads the YAML config at path, applies defaults and validates it.
func Load(path string, overrides ...Override) (*MigrationConfig, error) {
	return LoadFrom(filestore.New(path), filepath.Dir(path), overrides...)
}

// LoadFrom decodes from store. Relative file references are resolved
// against baseDir.
func LoadFrom(store configstore.ConfigStore, baseDir string, overrides ...Override) (*MigrationConfig, error) {
	cfg := &MigrationConfig{}
	if err := store.Load(cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	cfg.Template = resolvePath(baseDir, cfg.Template)
	cfg.DeviceScript = resolvePath(baseDir, cfg.DeviceScript)
	cfg.OutputDir = resolvePath(baseDir, cfg.OutputDir)
	cfg.Journal.ReportFile = resolvePath(baseDir, cfg.Journal.ReportFile)
	for i, k := range cfg.SSH.KeyFiles {
		cfg.SSH.KeyFiles[i] = expandHome(k)
	}
	cfg.SSH.KnownHostsFile = expandHome(cfg.SSH.KnownHostsFile)
	for _, o := range overrides {
		o(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WriteExample stores a starter config at path. An existing file is an error.
func WriteExample(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s: %w", path, os.ErrExist)
	}
	cfg := NewMigrationConfig()
	cfg.Source.Endpoint = "balena-cloud.com"
	cfg.Target.Endpoint = "balena-staging.com"
	cfg.Target.Owner = "my_org"
	cfg.Fleets = []string{"my_org/my_fleet"}
	cfg.Template = "template.config.json"
	cfg.DeviceScript = "device_migrate.sh"
	return filestore.New(path).Save(cfg)
}

func resolvePath(baseDir, p string) string {
	if p == "" {
		return p
	}
	p = expandHome(p)
	if filepath.IsAbs(p) || baseDir == "" {
		return p
	}
	return filepath.Join(baseDir, p)
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}
