package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

const configFileName = "restore-archived-project.yaml"

var (
	ErrMissingTaskID    = errors.New("TASK_ID is not set")
	ErrMissingProjectID = errors.New("project id is not set (modal.state.slyProjectId)")
	ErrMissingServer    = errors.New("SERVER_ADDRESS is not set")
	ErrMissingToken     = errors.New("API_TOKEN is not set")
)

// Env carries the task parameters the platform injects into the container.
type Env struct {
	TaskID       int
	ProjectID    int
	ServerAddr   string
	APIToken     string
	DownloadMode bool
	DataDir      string
}

// Tunables are operator-adjustable knobs, read from an optional YAML file.
type Tunables struct {
	MaxRetries          int           `yaml:"maxRetries,omitempty"`
	InitialTimeout      time.Duration `yaml:"initialTimeout,omitempty"`
	MaxTimeout          time.Duration `yaml:"maxTimeout,omitempty"`
	RetryShortDelay     time.Duration `yaml:"retryShortDelay,omitempty"`
	RetryLongDelay      time.Duration `yaml:"retryLongDelay,omitempty"`
	GenericRetries      int           `yaml:"genericRetries,omitempty"`
	ArchiveConnections  int           `yaml:"archiveConnections,omitempty"`
	CheckpointInterval  time.Duration `yaml:"checkpointInterval,omitempty"`
	MissedHashTolerance int           `yaml:"missedHashTolerance,omitempty"`
}

type Config struct {
	Env      Env
	Tunables Tunables
}

// FromEnv reads the task parameters from the environment. The platform sets
// modal.state.* keys for values coming from the launch dialog.
func FromEnv() (Env, error) {
	var env Env

	taskID := os.Getenv("TASK_ID")
	if taskID == "" {
		return env, ErrMissingTaskID
	}

	id, err := strconv.Atoi(taskID)
	if err != nil {
		return env, fmt.Errorf("invalid TASK_ID %q: %w", taskID, err)
	}

	env.TaskID = id

	projectID := os.Getenv("modal.state.slyProjectId")
	if projectID == "" {
		projectID = os.Getenv("SLY_PROJECT_ID")
	}

	if projectID == "" {
		return env, ErrMissingProjectID
	}

	pid, err := strconv.Atoi(projectID)
	if err != nil {
		return env, fmt.Errorf("invalid project id %q: %w", projectID, err)
	}

	env.ProjectID = pid

	env.ServerAddr = os.Getenv("SERVER_ADDRESS")
	if env.ServerAddr == "" {
		return env, ErrMissingServer
	}

	env.APIToken = os.Getenv("API_TOKEN")
	if env.APIToken == "" {
		return env, ErrMissingToken
	}

	env.DownloadMode = parseBool(os.Getenv("modal.state.downloadMode"))

	env.DataDir = os.Getenv("SLY_APP_DATA")
	if env.DataDir == "" {
		env.DataDir = "."
	}

	return env, nil
}

// GetTunables reads the tunables file and merges it over defaults.
// A missing or empty file yields the defaults.
func GetTunables() (Tunables, error) {
	configFilePath := filepath.Join(xdg.ConfigHome, configFileName)
	defaults := DefaultTunables()

	b, err := os.ReadFile(configFilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return defaults, nil
		}

		return Tunables{}, err
	}

	if len(b) == 0 {
		return defaults, nil
	}

	var t Tunables

	err = yaml.Unmarshal(b, &t)
	if err != nil {
		return Tunables{}, err
	}

	return Tunables{
		MaxRetries:          zeroOr(t.MaxRetries, defaults.MaxRetries),
		InitialTimeout:      zeroOr(t.InitialTimeout, defaults.InitialTimeout),
		MaxTimeout:          zeroOr(t.MaxTimeout, defaults.MaxTimeout),
		RetryShortDelay:     zeroOr(t.RetryShortDelay, defaults.RetryShortDelay),
		RetryLongDelay:      zeroOr(t.RetryLongDelay, defaults.RetryLongDelay),
		GenericRetries:      zeroOr(t.GenericRetries, defaults.GenericRetries),
		ArchiveConnections:  zeroOr(t.ArchiveConnections, defaults.ArchiveConnections),
		CheckpointInterval:  zeroOr(t.CheckpointInterval, defaults.CheckpointInterval),
		MissedHashTolerance: zeroOr(t.MissedHashTolerance, defaults.MissedHashTolerance),
	}, nil
}

func DefaultTunables() Tunables {
	return Tunables{
		MaxRetries:          maxRetries,
		InitialTimeout:      initialTimeout,
		MaxTimeout:          maxTimeout,
		RetryShortDelay:     retryShortDelay,
		RetryLongDelay:      retryLongDelay,
		GenericRetries:      genericRetries,
		ArchiveConnections:  archiveConnections,
		CheckpointInterval:  checkpointInterval,
		MissedHashTolerance: missedHashTolerance,
	}
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false
	}

	return b
}

// zeroOr returns def if v is the zero value for its type.
func zeroOr[T any](v, def T) T {
	if reflect.ValueOf(v).IsZero() {
		return def
	}

	return v
}
