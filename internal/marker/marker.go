// Package marker writes the completion marker that tells a device
// management agent a provisioning task finished cleanly.
package marker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/breeze-rmm/provision/internal/config"
	"github.com/breeze-rmm/provision/internal/logging"
	"github.com/breeze-rmm/provision/internal/workerpool"
)

// ErrUnsupported is returned by sinks that cannot work on this platform.
var ErrUnsupported = errors.New("marker sink not supported on this platform")

// Marker is the success signal for one label. Writing the same label and
// version twice lands in the same place.
type Marker struct {
	Label       string    `yaml:"label" json:"label"`
	Version     string    `yaml:"version" json:"version"`
	CompletedAt time.Time `yaml:"completedAt" json:"completedAt"`
	Hostname    string    `yaml:"hostname" json:"hostname"`
	Platform    string    `yaml:"platform,omitempty" json:"platform,omitempty"`
	RunID       string    `yaml:"runId" json:"runId"`
	Applied     []string  `yaml:"applied" json:"applied"`
}

// Reporter persists a marker somewhere a management agent can read it.
type Reporter interface {
	Name() string
	Report(ctx context.Context, m Marker) error
}

// VersionStamp returns configured when set, otherwise the UTC date of now as
// YYYYMMDD.
func VersionStamp(configured string, now time.Time) string {
	if v := strings.TrimSpace(configured); v != "" {
		return v
	}
	return now.UTC().Format("20060102")
}

// ObjectKey is the object-store key for a marker:
// <prefix>/<hostname>/<label>.yaml.
func ObjectKey(prefix, hostname, label string) string {
	return path.Join(strings.Trim(prefix, "/"), hostname, label+".yaml")
}

// Encode renders the marker document written by file and object sinks.
func Encode(m Marker) ([]byte, error) {
	if m.Applied == nil {
		m.Applied = []string{}
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode marker: %w", err)
	}
	return data, nil
}

// Decode parses a marker document.
func Decode(data []byte) (Marker, error) {
	var m Marker
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Marker{}, fmt.Errorf("decode marker: %w", err)
	}
	return m, nil
}

// Multi fans a marker out to every sink concurrently. All sinks are
// attempted; failures are joined.
type Multi struct {
	sinks  []Reporter
	logger *slog.Logger
}

// NewMulti wraps sinks. A nil logger uses the "marker" component logger.
func NewMulti(logger *slog.Logger, sinks ...Reporter) *Multi {
	return &Multi{sinks: sinks, logger: logging.Or(logger, "marker")}
}

// Name lists the wrapped sinks.
func (m *Multi) Name() string {
	names := make([]string, 0, len(m.sinks))
	for _, s := range m.sinks {
		names = append(names, s.Name())
	}
	return strings.Join(names, ",")
}

// Report writes mk to every sink.
func (m *Multi) Report(ctx context.Context, mk Marker) error {
	pool := workerpool.New(len(m.sinks), m.logger)
	for _, s := range m.sinks {
		pool.Submit(ctx, s.Name(), func(ctx context.Context) error {
			if err := s.Report(ctx, mk); err != nil {
				m.logger.Error("marker sink failed", "sink", s.Name(), "label", mk.Label, logging.KeyError, err)
				return err
			}
			m.logger.Debug("marker written", "sink", s.Name(), "label", mk.Label, "version", mk.Version)
			return nil
		})
	}
	return pool.Wait()
}

// Close releases any sink that holds a client.
func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if c, ok := s.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

// New builds the configured sinks. cfg is expected to have passed
// config validation, so sink names are already normalized.
func New(ctx context.Context, cfg config.MarkerConfig, logger *slog.Logger) (*Multi, error) {
	var sinks []Reporter
	for _, name := range cfg.Sinks {
		var (
			sink Reporter
			err  error
		)
		switch name {
		case config.SinkRegistry:
			sink = NewRegistrySink(cfg.RegistryKey)
		case config.SinkFile:
			sink = NewFileSink(cfg.Dir)
		case config.SinkS3:
			sink, err = NewS3Sink(ctx, cfg)
		case config.SinkAzure:
			sink, err = NewAzureSink(cfg)
		case config.SinkGCS:
			sink, err = NewGCSSink(ctx, cfg)
		case config.SinkB2:
			sink, err = NewB2Sink(cfg)
		default:
			err = fmt.Errorf("unknown sink %q", name)
		}
		if err != nil {
			closeAll(sinks)
			return nil, fmt.Errorf("marker sink %s: %w", name, err)
		}
		sinks = append(sinks, sink)
	}
	if len(sinks) == 0 {
		return nil, errors.New("no marker sinks configured")
	}
	return NewMulti(logger, sinks...), nil
}

func closeAll(sinks []Reporter) {
	for _, s := range sinks {
		if c, ok := s.(io.Closer); ok {
			c.Close()
		}
	}
}
