package statewriter

import (
	"encoding/json"
	"errors"

	"github.com/carverauto/hearth/pkg/config"
	"github.com/carverauto/hearth/pkg/logger"
	"github.com/carverauto/hearth/pkg/models"
)

var (
	ErrMissingListenAddr     = errors.New("listen_addr is required")
	ErrMissingNATSURL        = errors.New("nats_url is required")
	ErrMissingStreamName     = errors.New("stream_name is required")
	ErrMissingConsumerName   = errors.New("consumer_name is required")
	ErrMissingDatabaseConfig = errors.New("database configuration is required")
	ErrInvalidJSON           = errors.New("failed to unmarshal JSON configuration")
)

// StateWriterConfig holds configuration for the state history writer.
type StateWriterConfig struct {
	ListenAddr   string                 `json:"listen_addr"`
	NATSURL      string                 `json:"nats_url"`
	StreamName   string                 `json:"stream_name"`
	ConsumerName string                 `json:"consumer_name"`
	Subjects     []string               `json:"subjects,omitempty"`
	Domain       string                 `json:"domain,omitempty"`
	Security     *models.SecurityConfig `json:"security,omitempty"`
	Database     models.PostgresConfig  `json:"database"`
	Logging      *logger.Config         `json:"logging,omitempty"`
}

// UnmarshalJSON ensures TLS paths are normalized.
func (c *StateWriterConfig) UnmarshalJSON(data []byte) error {
	type Alias StateWriterConfig

	var alias struct{ Alias }

	alias.Alias = Alias{}

	if err := json.Unmarshal(data, &alias); err != nil {
		return errors.Join(ErrInvalidJSON, err)
	}

	*c = StateWriterConfig(alias.Alias)

	if c.Security != nil && c.Security.CertDir != "" {
		config.NormalizeTLSPaths(&c.Security.TLS, c.Security.CertDir)
	}

	if c.Database.Security != nil && c.Database.Security.CertDir != "" {
		config.NormalizeTLSPaths(&c.Database.Security.TLS, c.Database.Security.CertDir)
	}

	return nil
}

// Validate checks the configuration for required fields and fills in the
// default subject filter.
func (c *StateWriterConfig) Validate() error {
	var errs []error

	if c.ListenAddr == "" {
		errs = append(errs, ErrMissingListenAddr)
	}

	if c.NATSURL == "" {
		errs = append(errs, ErrMissingNATSURL)
	}

	if c.StreamName == "" {
		errs = append(errs, ErrMissingStreamName)
	}

	if c.ConsumerName == "" {
		errs = append(errs, ErrMissingConsumerName)
	}

	if c.Database.Host == "" || c.Database.Database == "" {
		errs = append(errs, ErrMissingDatabaseConfig)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	if len(c.Subjects) == 0 {
		c.Subjects = []string{"events.device.*", "events.command.*"}
	}

	return nil
}
