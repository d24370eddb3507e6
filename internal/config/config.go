package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds every runtime setting of the service. Values come from the
// environment, optionally seeded from a .env file.
type Config struct {
	Server ServerConfig
	Model  ModelConfig
	Image  ImageConfig
	App    AppConfig
	Store  StoreConfig
	Redis  RedisConfig
	S3     S3Config
}

type ServerConfig struct {
	Host            string
	Port            string
	GRPCPort        string
	ShutdownTimeout time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	LogLevel        string
}

// Addr returns the HTTP listen address.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// GRPCAddr returns the gRPC health listen address.
func (s ServerConfig) GRPCAddr() string {
	return s.Host + ":" + s.GRPCPort
}

type ModelConfig struct {
	Source            string
	InputName         string
	OutputName        string
	SharedLibraryPath string
	LoadTimeout       time.Duration
	MaxArtifactBytes  int64
	InferenceTimeout  time.Duration
}

type ImageConfig struct {
	Size          int
	Interpolation string
	MaxPixels     int
}

type AppConfig struct {
	MaxUploadBytes int64
	IDScheme       string
	UploadDir      string
	UploadRetain   int
}

type StoreConfig struct {
	Driver string
	DSN    string
}

type RedisConfig struct {
	Addr string
	TTL  time.Duration
}

type S3Config struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"

	IDSchemeUUID = "uuid"
	IDSchemeTime = "time"

	InterpolationBilinear = "bilinear"
	InterpolationNearest  = "nearest"
)

// Load reads configuration from the environment.
func Load() (*Config, error) {
	// A missing .env file is the normal case outside local development.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	cfg := &Config{
		Server: ServerConfig{
			Host:            v.GetString("SERVER_HOST"),
			Port:            v.GetString("SERVER_PORT"),
			GRPCPort:        v.GetString("GRPC_PORT"),
			ShutdownTimeout: v.GetDuration("SHUTDOWN_TIMEOUT"),
			ReadTimeout:     v.GetDuration("SERVER_READ_TIMEOUT"),
			WriteTimeout:    v.GetDuration("SERVER_WRITE_TIMEOUT"),
			LogLevel:        v.GetString("LOG_LEVEL"),
		},
		Model: ModelConfig{
			Source:            v.GetString("MODEL_SOURCE"),
			InputName:         v.GetString("MODEL_INPUT_NAME"),
			OutputName:        v.GetString("MODEL_OUTPUT_NAME"),
			SharedLibraryPath: v.GetString("ONNXRUNTIME_LIB"),
			LoadTimeout:       v.GetDuration("MODEL_LOAD_TIMEOUT"),
			MaxArtifactBytes:  v.GetInt64("MODEL_MAX_ARTIFACT_BYTES"),
			InferenceTimeout:  v.GetDuration("INFERENCE_TIMEOUT"),
		},
		Image: ImageConfig{
			Size:          v.GetInt("IMAGE_SIZE"),
			Interpolation: v.GetString("IMAGE_INTERPOLATION"),
			MaxPixels:     v.GetInt("IMAGE_MAX_PIXELS"),
		},
		App: AppConfig{
			MaxUploadBytes: v.GetInt64("APP_MAX_UPLOAD_BYTES"),
			IDScheme:       v.GetString("APP_ID_SCHEME"),
			UploadDir:      v.GetString("UPLOAD_DIR"),
			UploadRetain:   v.GetInt("UPLOAD_RETAIN"),
		},
		Store: StoreConfig{
			Driver: v.GetString("STORE_DRIVER"),
			DSN:    v.GetString("DATABASE_DSN"),
		},
		Redis: RedisConfig{
			Addr: v.GetString("REDIS_ADDR"),
			TTL:  v.GetDuration("REDIS_TTL"),
		},
		S3: S3Config{
			Endpoint:        v.GetString("S3_ENDPOINT"),
			Region:          v.GetString("S3_REGION"),
			AccessKeyID:     v.GetString("S3_ACCESS_KEY_ID"),
			SecretAccessKey: v.GetString("S3_SECRET_ACCESS_KEY"),
			UsePathStyle:    v.GetBool("S3_USE_PATH_STYLE"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("SERVER_HOST", "")
	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("GRPC_PORT", "50051")
	v.SetDefault("SHUTDOWN_TIMEOUT", 15*time.Second)
	v.SetDefault("SERVER_READ_TIMEOUT", 30*time.Second)
	v.SetDefault("SERVER_WRITE_TIMEOUT", 30*time.Second)
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("MODEL_SOURCE", "file://models/model.onnx")
	v.SetDefault("MODEL_INPUT_NAME", "input")
	v.SetDefault("MODEL_OUTPUT_NAME", "output")
	v.SetDefault("ONNXRUNTIME_LIB", "")
	v.SetDefault("MODEL_LOAD_TIMEOUT", time.Minute)
	v.SetDefault("MODEL_MAX_ARTIFACT_BYTES", 256<<20)
	v.SetDefault("INFERENCE_TIMEOUT", 10*time.Second)

	v.SetDefault("IMAGE_SIZE", 224)
	v.SetDefault("IMAGE_INTERPOLATION", InterpolationBilinear)
	v.SetDefault("IMAGE_MAX_PIXELS", 40_000_000)

	v.SetDefault("APP_MAX_UPLOAD_BYTES", 1000000)
	v.SetDefault("APP_ID_SCHEME", IDSchemeUUID)
	v.SetDefault("UPLOAD_DIR", "")
	v.SetDefault("UPLOAD_RETAIN", 100)

	v.SetDefault("STORE_DRIVER", StoreDriverPostgres)
	v.SetDefault("DATABASE_DSN", "host=postgres user=postgres password=postgres dbname=predictions port=5432 sslmode=disable")

	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_TTL", 10*time.Minute)

	v.SetDefault("S3_ENDPOINT", "")
	v.SetDefault("S3_REGION", "us-east-1")
	v.SetDefault("S3_ACCESS_KEY_ID", "")
	v.SetDefault("S3_SECRET_ACCESS_KEY", "")
	v.SetDefault("S3_USE_PATH_STYLE", true)
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	if c.Model.Source == "" {
		return fmt.Errorf("MODEL_SOURCE is required")
	}
	if c.App.MaxUploadBytes <= 0 {
		return fmt.Errorf("APP_MAX_UPLOAD_BYTES must be positive, got %d", c.App.MaxUploadBytes)
	}
	if c.Image.MaxPixels <= 0 {
		return fmt.Errorf("IMAGE_MAX_PIXELS must be positive, got %d", c.Image.MaxPixels)
	}
	if c.Image.Size <= 0 {
		return fmt.Errorf("IMAGE_SIZE must be positive, got %d", c.Image.Size)
	}
	if c.Model.MaxArtifactBytes <= 0 {
		return fmt.Errorf("MODEL_MAX_ARTIFACT_BYTES must be positive, got %d", c.Model.MaxArtifactBytes)
	}
	if c.Model.LoadTimeout <= 0 || c.Model.InferenceTimeout <= 0 {
		return fmt.Errorf("MODEL_LOAD_TIMEOUT and INFERENCE_TIMEOUT must be positive")
	}

	switch c.Image.Interpolation {
	case InterpolationBilinear, InterpolationNearest:
	default:
		return fmt.Errorf("IMAGE_INTERPOLATION must be %q or %q, got %q", InterpolationBilinear, InterpolationNearest, c.Image.Interpolation)
	}
	switch c.App.IDScheme {
	case IDSchemeUUID, IDSchemeTime:
	default:
		return fmt.Errorf("APP_ID_SCHEME must be %q or %q, got %q", IDSchemeUUID, IDSchemeTime, c.App.IDScheme)
	}
	switch c.Store.Driver {
	case StoreDriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("DATABASE_DSN is required for the postgres store")
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreDriverPostgres, StoreDriverMemory, c.Store.Driver)
	}
	return nil
}
