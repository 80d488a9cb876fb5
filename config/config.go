// Package config loads and validates the settings a ddp.Session and its
// backing collection.Store need to come up: the server endpoint, the
// protocol version, heartbeat tunables, and the local database path.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Options is the top-level configuration for a DDP client process,
// analogous to the teacher's Config but scoped to what ddp.Options and
// collection.Store need.
type Options struct {
	URL               string        `json:"url" validate:"required,ddp_url"`
	Origin            string        `json:"origin" validate:"omitempty,url"`
	Version           string        `json:"version" validate:"required"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval" validate:"min=0"`
	HeartbeatTimeout  time.Duration `json:"heartbeat_timeout" validate:"min=0"`
	DatabasePath      string        `json:"database_path" validate:"required"`
}

// Load builds Options from environment variables, falling back to
// defaults the same way the teacher's LoadConfig does.
func Load() Options {
	return Options{
		URL:               getEnv("DDP_URL", "ws://localhost:3000/websocket"),
		Origin:            getEnv("DDP_ORIGIN", ""),
		Version:           getEnv("DDP_VERSION", "1"),
		HeartbeatInterval: getEnvDuration("DDP_HEARTBEAT_INTERVAL", 0),
		HeartbeatTimeout:  getEnvDuration("DDP_HEARTBEAT_TIMEOUT", 0),
		DatabasePath:      getEnv("DDP_DATABASE_PATH", "./ddpkit.db"),
	}
}

// Validate checks Options against its struct tags and the business rule
// that a timeout only makes sense alongside a nonzero interval.
func (o Options) Validate() error {
	validate := validator.New()
	if err := validate.RegisterValidation("ddp_url", validateDDPURL); err != nil {
		return fmt.Errorf("register ddp_url validator: %w", err)
	}

	if err := validate.Struct(o); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			var msgs []string
			for _, e := range validationErrors {
				msgs = append(msgs, formatValidationError(e))
			}
			return fmt.Errorf("validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
		}
		return fmt.Errorf("validation failed: %w", err)
	}

	if o.HeartbeatTimeout > 0 && o.HeartbeatInterval == 0 {
		return fmt.Errorf("heartbeat timeout set without a heartbeat interval")
	}
	if o.HeartbeatTimeout > 0 && o.HeartbeatTimeout <= o.HeartbeatInterval {
		return fmt.Errorf("heartbeat timeout must be greater than heartbeat interval")
	}

	return nil
}

// validateDDPURL accepts only ws:// and wss:// schemes — an http(s) URL
// here is almost always a copy-paste mistake, not a valid endpoint.
func validateDDPURL(fl validator.FieldLevel) bool {
	v := fl.Field().String()
	return strings.HasPrefix(v, "ws://") || strings.HasPrefix(v, "wss://")
}

func formatValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()
	param := e.Param()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, param)
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, param)
	case "ddp_url":
		return fmt.Sprintf("%s must start with ws:// or wss://", field)
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	default:
		return fmt.Sprintf("%s failed %s validation", field, tag)
	}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Millisecond
	}
	return defaultValue
}
