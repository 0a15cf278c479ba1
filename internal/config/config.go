// Package config loads service settings from a YAML file, CIVIC_* environment
// variables and command-line flags, in increasing order of precedence.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/Brownie44l1/civic-classifier/internal/logging"
	"github.com/Brownie44l1/civic-classifier/internal/model"
	"github.com/Brownie44l1/civic-classifier/internal/preprocess"
)

// EnvPrefix is prepended to every environment override, e.g. CIVIC_MODELS_DIR.
const EnvPrefix = "CIVIC"

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Models     ModelsConfig     `mapstructure:"models"`
	ONNX       ONNXConfig       `mapstructure:"onnx"`
	Preprocess PreprocessConfig `mapstructure:"preprocess"`
	Log        LogConfig        `mapstructure:"log"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	MaxUploadMB     int64         `mapstructure:"max_upload_mb"`
	MaxConcurrent   int64         `mapstructure:"max_concurrent"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type ModelsConfig struct {
	Dir             string      `mapstructure:"dir"`
	Category        ModelConfig `mapstructure:"category"`
	ChildSeverity   ModelConfig `mapstructure:"child_severity"`
	RoadSeverity    ModelConfig `mapstructure:"road_severity"`
	GarbageSeverity ModelConfig `mapstructure:"garbage_severity"`
}

// ModelConfig overrides the defaults of one model. Zero values keep them.
type ModelConfig struct {
	Path        string  `mapstructure:"path"`
	OutputName  string  `mapstructure:"output_name"`
	OutputShape []int64 `mapstructure:"output_shape"`
}

type ONNXConfig struct {
	SharedLibrary  string `mapstructure:"shared_library"`
	IntraOpThreads int    `mapstructure:"intra_op_threads"`
}

type PreprocessConfig struct {
	Interpolation string `mapstructure:"interpolation"`
	MaxPixels     int64  `mapstructure:"max_pixels"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// SetDefaults registers every key so that environment overrides apply even
// when no config file sets them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.max_upload_mb", 10)
	v.SetDefault("server.max_concurrent", 4)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("models.dir", "models")
	for _, role := range model.Roles {
		v.SetDefault("models."+string(role)+".path", "")
		v.SetDefault("models."+string(role)+".output_name", "")
		v.SetDefault("models."+string(role)+".output_shape", []int64{})
	}
	v.SetDefault("onnx.shared_library", "")
	v.SetDefault("onnx.intra_op_threads", 0)
	v.SetDefault("preprocess.interpolation", preprocess.DefaultInterpolation)
	v.SetDefault("preprocess.max_pixels", preprocess.DefaultMaxPixels)
	v.SetDefault("log.level", "info")
}

// Load reads configuration into a Config. cfgFile may be empty, in which case
// classifier.yaml is looked up in ./config, $HOME/.civic-classifier and the
// working directory; a missing file is not an error.
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Plain PORT is honoured for platforms that inject it.
	if err := v.BindEnv("server.port", EnvPrefix+"_SERVER_PORT", "PORT"); err != nil {
		return nil, errors.Wrap(err, "bind port env")
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("classifier")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".civic-classifier"))
		}
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	cfg.Models.Dir = resolveModelDir(cfg.Models.Dir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolveModelDir anchors a relative model directory at the project root when
// the binary is started from cmd/server.
func resolveModelDir(dir string) string {
	if dir == "" || filepath.IsAbs(dir) {
		return dir
	}
	wd, err := os.Getwd()
	if err != nil {
		return dir
	}
	if filepath.Base(wd) == "server" && filepath.Base(filepath.Dir(wd)) == "cmd" {
		return filepath.Join(wd, "..", "..", dir)
	}
	return dir
}

// Validate checks values that would otherwise fail late at request time.
func (c *Config) Validate() error {
	port, err := strconv.Atoi(c.Server.Port)
	if err != nil || port <= 0 || port > 65535 {
		return errors.Errorf("server.port %q is not a valid port", c.Server.Port)
	}
	if c.Server.MaxUploadMB <= 0 {
		return errors.Errorf("server.max_upload_mb must be positive, got %d", c.Server.MaxUploadMB)
	}
	if c.Server.MaxConcurrent <= 0 {
		return errors.Errorf("server.max_concurrent must be positive, got %d", c.Server.MaxConcurrent)
	}
	if c.Server.ShutdownTimeout < 0 {
		return errors.Errorf("server.shutdown_timeout must not be negative, got %s", c.Server.ShutdownTimeout)
	}
	if c.ONNX.IntraOpThreads < 0 {
		return errors.Errorf("onnx.intra_op_threads must not be negative, got %d", c.ONNX.IntraOpThreads)
	}
	if _, err := preprocess.New(c.Preprocess.Interpolation); err != nil {
		return errors.Wrap(err, "preprocess.interpolation")
	}
	if c.Preprocess.MaxPixels <= 0 {
		return errors.Errorf("preprocess.max_pixels must be positive, got %d", c.Preprocess.MaxPixels)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	for _, spec := range c.ModelSpecs() {
		if err := spec.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) modelConfig(role model.Role) ModelConfig {
	switch role {
	case model.RoleCategory:
		return c.Models.Category
	case model.RoleChildSeverity:
		return c.Models.ChildSeverity
	case model.RoleRoadSeverity:
		return c.Models.RoadSeverity
	case model.RoleGarbageSeverity:
		return c.Models.GarbageSeverity
	default:
		return ModelConfig{}
	}
}

// ModelSpecs returns one spec per role. Relative paths are resolved against
// models.dir.
func (c *Config) ModelSpecs() []model.Spec {
	specs := make([]model.Spec, 0, len(model.Roles))
	for _, role := range model.Roles {
		spec := model.DefaultSpec(role, c.Models.Dir)
		mc := c.modelConfig(role)
		if mc.Path != "" {
			spec.Path = mc.Path
			if !filepath.IsAbs(mc.Path) {
				spec.Path = filepath.Join(c.Models.Dir, mc.Path)
			}
		}
		if mc.OutputName != "" {
			spec.OutputName = mc.OutputName
		}
		if len(mc.OutputShape) > 0 {
			spec.OutputShape = append([]int64(nil), mc.OutputShape...)
		}
		specs = append(specs, spec)
	}
	return specs
}

// ModelOptions returns the runtime options for model.Load.
func (c *Config) ModelOptions() model.Options {
	return model.Options{
		SharedLibraryPath: c.ONNX.SharedLibrary,
		IntraOpThreads:    c.ONNX.IntraOpThreads,
	}
}
