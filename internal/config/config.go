// Package config loads process configuration from the environment, with a
// .env file honored when present. Catalog directories and the artifact
// backend come from here; per-command flags stay with the commands.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env              string
	RunsDir          string
	ModelsDir        string
	PipelinesDir     string
	Backend          string // file | memory | postgres | s3
	DatabaseURL      string
	Artifact         ArtifactConfig
	InferenceTimeout time.Duration
}

type ArtifactConfig struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	env := strings.TrimSpace(os.Getenv("APP_ENV"))
	if env == "" {
		env = "local"
	}

	dataDir := firstNonEmpty(strings.TrimSpace(os.Getenv("ORCHESTRA_DATA_DIR")), "data")
	backend := strings.ToLower(firstNonEmpty(strings.TrimSpace(os.Getenv("ORCHESTRA_STORE")), "file"))

	return &Config{
		Env:              env,
		RunsDir:          firstNonEmpty(strings.TrimSpace(os.Getenv("ORCHESTRA_RUNS_DIR")), dataDir+"/runs"),
		ModelsDir:        firstNonEmpty(strings.TrimSpace(os.Getenv("ORCHESTRA_MODELS_DIR")), dataDir+"/models"),
		PipelinesDir:     firstNonEmpty(strings.TrimSpace(os.Getenv("ORCHESTRA_PIPELINES_DIR")), dataDir+"/pipelines"),
		Backend:          backend,
		DatabaseURL:      strings.TrimSpace(os.Getenv("DATABASE_URL")),
		Artifact:         loadArtifactConfig(env),
		InferenceTimeout: resolveInferenceTimeout(),
	}, nil
}

func loadArtifactConfig(env string) ArtifactConfig {
	return ArtifactConfig{
		Endpoint:  resolveArtifactEndpoint(env),
		Region:    firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_S3_REGION")), "us-east-1"),
		AccessKey: firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_S3_ACCESS_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_USER"))),
		SecretKey: firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_S3_SECRET_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_PASSWORD"))),
		Bucket:    firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_S3_BUCKET")), "orchestra-artifacts"),
		UseSSL:    resolveArtifactUseSSL(env),
	}
}

func resolveArtifactEndpoint(env string) string {
	if strings.EqualFold(strings.TrimSpace(env), "local") {
		return firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_MINIO_ENDPOINT")), "minio:9000")
	}
	return strings.TrimSpace(os.Getenv("ARTIFACT_S3_ENDPOINT"))
}

func resolveArtifactUseSSL(env string) bool {
	if strings.EqualFold(strings.TrimSpace(env), "local") {
		return false
	}
	raw := strings.TrimSpace(os.Getenv("ARTIFACT_S3_USE_SSL"))
	if raw == "" {
		return true
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return true
	}
	return v
}

func resolveInferenceTimeout() time.Duration {
	raw := strings.TrimSpace(os.Getenv("ORCHESTRA_INFERENCE_TIMEOUT"))
	if raw == "" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0
	}
	return d
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
