// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"

	"github.com/cardinalhq/stageloader/internal/cloudstorage"
	"github.com/cardinalhq/stageloader/internal/copyserializer"
	"github.com/cardinalhq/stageloader/internal/debugging"
	"github.com/cardinalhq/stageloader/internal/fly"
	"github.com/cardinalhq/stageloader/internal/healthcheck"
	"github.com/cardinalhq/stageloader/internal/record"
	"github.com/cardinalhq/stageloader/internal/warehouse"
)

// Config aggregates configuration for the application.
// Each section is owned by the package that consumes it.
type Config struct {
	Kafka     fly.Config         `mapstructure:"kafka"`
	Sink      SinkConfig         `mapstructure:"sink"`
	Storage   StorageConfig      `mapstructure:"storage"`
	Warehouse WarehouseConfig    `mapstructure:"warehouse"`
	Health    healthcheck.Config `mapstructure:"health"`
	Pprof     debugging.Config   `mapstructure:"pprof"`
}

// SinkConfig names the source topic, the staging area and the destination.
type SinkConfig struct {
	Topic         string `mapstructure:"topic"`
	S3Bucket      string `mapstructure:"s3bucket"`
	ConnectionURL string `mapstructure:"connectionurl"`
	Table         string `mapstructure:"table"`
	// Fields is a comma-separated projection; "*" takes every field of the
	// first record's schema.
	Fields     string `mapstructure:"fields"`
	TableField string `mapstructure:"tablefield"`
	StagingDir string `mapstructure:"stagingdir"`

	AWSAccessKeyID     string `mapstructure:"awsaccesskeyid"`
	AWSSecretAccessKey string `mapstructure:"awssecretaccesskey"`
	IAMRole            string `mapstructure:"iamrole"`

	ValueFormat        string        `mapstructure:"valueformat"`
	CheckpointInterval time.Duration `mapstructure:"checkpointinterval"`
	RetryBackoff       time.Duration `mapstructure:"retrybackoff"`
	MaxRetries         int           `mapstructure:"maxretries"`
	// LagPollInterval of zero disables the consumer lag monitor.
	LagPollInterval time.Duration `mapstructure:"lagpollinterval"`
}

// StorageConfig selects the object store that holds staged files.
type StorageConfig struct {
	Provider    string `mapstructure:"provider"`
	Region      string `mapstructure:"region"`
	Endpoint    string `mapstructure:"endpoint"`
	PathStyle   bool   `mapstructure:"pathstyle"`
	InsecureTLS bool   `mapstructure:"insecuretls"`
	Role        string `mapstructure:"role"`
	FileBase    string `mapstructure:"filebase"`
}

// WarehouseConfig picks the database/sql driver used for COPY.
type WarehouseConfig struct {
	Driver string `mapstructure:"driver"`
}

// DefaultSinkConfig returns the sink defaults.
func DefaultSinkConfig() SinkConfig {
	return SinkConfig{
		Fields:             copyserializer.AllFields,
		TableField:         "tableName",
		StagingDir:         "/tmp/stageloader",
		ValueFormat:        "json",
		CheckpointInterval: time.Minute,
		RetryBackoff:       5 * time.Second,
		MaxRetries:         10,
		LagPollInterval:    30 * time.Second,
	}
}

// Load reads configuration from files and environment variables.
// Environment variables use the prefix "STAGELOADER" and the dot character
// in keys is replaced by an underscore. For example, "sink.s3bucket" becomes
// "STAGELOADER_SINK_S3BUCKET". An empty configFile searches for config.yaml
// in the working directory.
func Load(configFile string) (*Config, error) {
	cfg := &Config{
		Kafka:     *fly.DefaultConfig(),
		Sink:      DefaultSinkConfig(),
		Storage:   StorageConfig{Provider: "s3"},
		Warehouse: WarehouseConfig{Driver: warehouse.DriverPGX},
		Health:    healthcheck.Config{Port: healthcheck.DefaultPort},
		Pprof:     debugging.Config{Port: debugging.DefaultPprofPort},
	}

	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("STAGELOADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if b := v.GetString("kafka.brokers"); b != "" {
		cfg.Kafka.Brokers = splitList(b)
	}
	return cfg, nil
}

// bindEnvs registers all keys within cfg so that viper will look up
// corresponding environment variables when unmarshalling.
func bindEnvs(v *viper.Viper, cfg any, parts ...string) {
	val := reflect.ValueOf(cfg)
	typ := reflect.TypeOf(cfg)
	if typ.Kind() == reflect.Ptr {
		val = val.Elem()
		typ = typ.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		key := append(append([]string{}, parts...), tag)
		if f.Type.Kind() == reflect.Struct {
			bindEnvs(v, val.Field(i).Interface(), key...)
			continue
		}
		_ = v.BindEnv(strings.Join(key, "."))
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// FieldList returns the projection as a list. A lone "*" is kept as-is.
func (s SinkConfig) FieldList() []string {
	return splitList(s.Fields)
}

// Credentials returns what the COPY statement authenticates with.
func (s SinkConfig) Credentials() warehouse.Credentials {
	return warehouse.Credentials{
		AccessKeyID:     s.AWSAccessKeyID,
		SecretAccessKey: s.AWSSecretAccessKey,
		IAMRole:         s.IAMRole,
	}
}

// StorageClientConfig builds the object store configuration. The sink's
// access keys are shared with the upload client.
func (c *Config) StorageClientConfig() cloudstorage.Config {
	return cloudstorage.Config{
		Provider:        c.Storage.Provider,
		Region:          c.Storage.Region,
		Endpoint:        c.Storage.Endpoint,
		PathStyle:       c.Storage.PathStyle,
		InsecureTLS:     c.Storage.InsecureTLS,
		Role:            c.Storage.Role,
		AccessKeyID:     c.Sink.AWSAccessKeyID,
		SecretAccessKey: c.Sink.AWSSecretAccessKey,
		FileBase:        c.Storage.FileBase,
	}
}

// LoaderConfig builds the warehouse configuration for the given COPY options.
func (c *Config) LoaderConfig(copyOptions string) warehouse.Config {
	return warehouse.Config{
		Driver:        c.Warehouse.Driver,
		ConnectionURL: c.Sink.ConnectionURL,
		Credentials:   c.Sink.Credentials(),
		CopyOptions:   copyOptions,
	}
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	add := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	if err := c.Kafka.Validate(); err != nil {
		add("kafka: %w", err)
	}

	s := c.Sink
	if s.Topic == "" {
		add("sink.topic is required")
	}
	if s.S3Bucket == "" {
		add("sink.s3bucket is required")
	}
	if s.ConnectionURL == "" {
		add("sink.connectionurl is required")
	}
	if s.Table == "" {
		add("sink.table is required")
	}
	if s.StagingDir == "" {
		add("sink.stagingdir is required")
	}
	if len(s.FieldList()) == 0 {
		add("sink.fields must name at least one field or be %q", copyserializer.AllFields)
	}
	if (s.AWSAccessKeyID == "") != (s.AWSSecretAccessKey == "") {
		add("sink.awsaccesskeyid and sink.awssecretaccesskey must be set together")
	}
	if s.IAMRole == "" && s.AWSAccessKeyID == "" {
		add("either sink.iamrole or sink.awsaccesskeyid is required for COPY")
	}
	if _, err := record.NewDecoder(s.ValueFormat); err != nil {
		add("sink.valueformat: %w", err)
	}
	if s.CheckpointInterval <= 0 {
		add("sink.checkpointinterval must be positive")
	}
	if s.RetryBackoff < 0 {
		add("sink.retrybackoff must not be negative")
	}
	if s.MaxRetries < 0 {
		add("sink.maxretries must not be negative")
	}

	switch strings.ToLower(c.Storage.Provider) {
	case "", "s3", "aws":
	case "file":
		if c.Storage.FileBase == "" {
			add("storage.filebase is required for the file provider")
		}
	default:
		add("storage.provider %q is not supported", c.Storage.Provider)
	}

	switch c.Warehouse.Driver {
	case "", warehouse.DriverPGX, warehouse.DriverPQ:
	default:
		add("warehouse.driver %q is not supported", c.Warehouse.Driver)
	}

	return result.ErrorOrNil()
}
