// Package config loads ServerConfig from the environment, mirroring the
// teacher's envconfig-per-concern layout (api/pkg/config/config.go).
package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type ServerConfig struct {
	HTTP         HTTP
	Postgres     Postgres
	ObjectStore  ObjectStore
	WorkingCopy  WorkingCopy
	Checkpointer Checkpointer
	Auth         Auth
	NATS         NATS
	FramesetJob  FramesetJob
}

func Load() (ServerConfig, error) {
	var cfg ServerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

type HTTP struct {
	Addr string `envconfig:"HTTP_ADDR" default:":8080"`
}

type Postgres struct {
	Host        string `envconfig:"POSTGRES_HOST" default:"localhost"`
	Port        int    `envconfig:"POSTGRES_PORT" default:"5432"`
	Username    string `envconfig:"POSTGRES_USERNAME" default:"postgres"`
	Password    string `envconfig:"POSTGRES_PASSWORD"`
	Database    string `envconfig:"POSTGRES_DATABASE" default:"captionsync"`
	SSLMode     string `envconfig:"POSTGRES_SSLMODE" default:"disable"`
	AutoMigrate bool   `envconfig:"POSTGRES_AUTOMIGRATE" default:"true"`
}

// ObjectStore configures the C1 Object-Store Gateway backend. Driver
// selects between the production S3-compatible backend (Wasabi et al.)
// and the GCS backend kept alive behind the same interface.
type ObjectStore struct {
	Driver string `envconfig:"OBJECT_STORE_DRIVER" default:"s3"` // s3 | gcs | fs

	S3Bucket          string `envconfig:"OBJECT_STORE_S3_BUCKET"`
	S3Region          string `envconfig:"OBJECT_STORE_S3_REGION" default:"us-east-1"`
	S3Endpoint        string `envconfig:"OBJECT_STORE_S3_ENDPOINT"` // set for Wasabi-compatible endpoints
	S3AccessKeyID     string `envconfig:"OBJECT_STORE_S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `envconfig:"OBJECT_STORE_S3_SECRET_ACCESS_KEY"`

	GCSBucket             string `envconfig:"OBJECT_STORE_GCS_BUCKET"`
	GCSServiceAccountFile string `envconfig:"OBJECT_STORE_GCS_SERVICE_ACCOUNT_FILE"`

	LocalPath string `envconfig:"OBJECT_STORE_LOCAL_PATH" default:"./data/objects"`
}

type WorkingCopy struct {
	Dir string `envconfig:"WORKING_COPY_DIR" default:"./data/working-copies"`
}

type Checkpointer struct {
	ScanPeriod        time.Duration `envconfig:"CHECKPOINTER_SCAN_PERIOD" default:"30s"`
	IdleMinutes       int           `envconfig:"CHECKPOINTER_IDLE_MINUTES" default:"5"`
	CheckpointMinutes int           `envconfig:"CHECKPOINTER_CHECKPOINT_MINUTES" default:"15"`
	MaxParallel       int           `envconfig:"CHECKPOINTER_MAX_PARALLEL" default:"8"`
}

type Auth struct {
	JWTSigningSecret string `envconfig:"AUTH_JWT_SIGNING_SECRET" required:"true"`
	WebhookSecret    string `envconfig:"AUTH_WEBHOOK_SECRET" required:"true"`
}

type NATS struct {
	URL     string `envconfig:"NATS_URL" default:"nats://localhost:4222"`
	Enabled bool   `envconfig:"NATS_ENABLED" default:"false"`
}

// FramesetJob configures the external cropping/transcoding job the
// Versioned Frameset Flow (C8) invokes to produce chunk output. The job
// itself runs outside this process; this is only how we reach it.
type FramesetJob struct {
	Endpoint string        `envconfig:"FRAMESET_JOB_ENDPOINT"`
	Timeout  time.Duration `envconfig:"FRAMESET_JOB_TIMEOUT" default:"10m"`
}
