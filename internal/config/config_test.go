package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "8080", cfg.Server.Port)
	require.Equal(t, ":8080", cfg.Server.Addr())
	require.Equal(t, int64(1000000), cfg.App.MaxUploadBytes)
	require.Equal(t, 224, cfg.Image.Size)
	require.Equal(t, InterpolationBilinear, cfg.Image.Interpolation)
	require.Equal(t, 40_000_000, cfg.Image.MaxPixels)
	require.Equal(t, IDSchemeUUID, cfg.App.IDScheme)
	require.Equal(t, StoreDriverPostgres, cfg.Store.Driver)
	require.Equal(t, time.Minute, cfg.Model.LoadTimeout)
	require.Empty(t, cfg.Redis.Addr)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("APP_MAX_UPLOAD_BYTES", "2048")
	t.Setenv("IMAGE_INTERPOLATION", "nearest")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("MODEL_SOURCE", "s3://models/cancer.onnx")
	t.Setenv("INFERENCE_TIMEOUT", "250ms")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "9090", cfg.Server.Port)
	require.Equal(t, int64(2048), cfg.App.MaxUploadBytes)
	require.Equal(t, InterpolationNearest, cfg.Image.Interpolation)
	require.Equal(t, StoreDriverMemory, cfg.Store.Driver)
	require.Equal(t, "s3://models/cancer.onnx", cfg.Model.Source)
	require.Equal(t, 250*time.Millisecond, cfg.Model.InferenceTimeout)
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	cases := map[string]map[string]string{
		"interpolation": {"IMAGE_INTERPOLATION": "lanczos"},
		"id scheme":     {"APP_ID_SCHEME": "sequence"},
		"store driver":  {"STORE_DRIVER": "firestore"},
		"upload limit":  {"APP_MAX_UPLOAD_BYTES": "0"},
		"image size":    {"IMAGE_SIZE": "-1"},
		"max pixels":    {"IMAGE_MAX_PIXELS": "0"},
	}

	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
		})
	}
}
