package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/itinerary-weather/internal/models"
	"github.com/kjstillabower/itinerary-weather/internal/observability"
)

// DefaultEnvelopeKey is the single key holding the weather envelope.
const DefaultEnvelopeKey = "weatherDataCache"

// EnvelopeStore persists the weather envelope under one key of a Cache.
type EnvelopeStore struct {
	cache  Cache
	key    string
	logger *zap.Logger
}

// NewEnvelopeStore returns a store writing to key (DefaultEnvelopeKey when empty).
func NewEnvelopeStore(c Cache, key string, logger *zap.Logger) *EnvelopeStore {
	if key == "" {
		key = DefaultEnvelopeKey
	}
	return &EnvelopeStore{cache: c, key: key, logger: observability.OrNop(logger)}
}

// emptyEnvelope is what callers see when nothing usable is stored: no data, zero timestamp (stale).
func emptyEnvelope() models.WeatherEnvelope {
	return models.WeatherEnvelope{Version: models.EnvelopeVersion, Data: models.WeatherMap{}}
}

// Load returns the stored envelope. A miss, a read error, unparseable JSON, a
// schema version mismatch or a series with unequal sequence lengths all yield
// an empty stale envelope; the last three also delete the stored entry so it
// is rebuilt on the next save.
func (s *EnvelopeStore) Load(ctx context.Context) models.WeatherEnvelope {
	raw, ok, err := s.cache.Get(ctx, s.key)
	if err != nil {
		observability.EnvelopeOperationsTotal.WithLabelValues("load", "error").Inc()
		s.logger.Warn("weather cache read failed", zap.Error(err))
		return emptyEnvelope()
	}
	if !ok {
		observability.EnvelopeOperationsTotal.WithLabelValues("load", "miss").Inc()
		return emptyEnvelope()
	}

	var env models.WeatherEnvelope
	err = json.Unmarshal(raw, &env)
	if err != nil || env.Version != models.EnvelopeVersion || !env.Data.Aligned() {
		observability.EnvelopeOperationsTotal.WithLabelValues("load", "discarded").Inc()
		s.logger.Info("discarding weather cache",
			zap.Int("version", env.Version),
			zap.Int("want_version", models.EnvelopeVersion),
			zap.Bool("aligned", env.Data.Aligned()),
			zap.NamedError("parse_error", err))
		if delErr := s.cache.Delete(ctx, s.key); delErr != nil {
			s.logger.Warn("weather cache delete failed", zap.Error(delErr))
		}
		return emptyEnvelope()
	}
	if env.Data == nil {
		env.Data = models.WeatherMap{}
	}
	observability.EnvelopeOperationsTotal.WithLabelValues("load", "hit").Inc()
	return env
}

// Save overwrites the envelope with data stamped at ts.
func (s *EnvelopeStore) Save(ctx context.Context, data models.WeatherMap, ts time.Time) error {
	raw, err := json.Marshal(models.WeatherEnvelope{
		Version:   models.EnvelopeVersion,
		Data:      data,
		Timestamp: ts,
	})
	if err != nil {
		observability.EnvelopeOperationsTotal.WithLabelValues("save", "error").Inc()
		return fmt.Errorf("encode weather cache: %w", err)
	}
	if err := s.cache.Set(ctx, s.key, raw); err != nil {
		observability.EnvelopeOperationsTotal.WithLabelValues("save", "error").Inc()
		return fmt.Errorf("write weather cache: %w", err)
	}
	observability.EnvelopeOperationsTotal.WithLabelValues("save", "success").Inc()
	return nil
}

// Clear deletes the envelope.
func (s *EnvelopeStore) Clear(ctx context.Context) error {
	if err := s.cache.Delete(ctx, s.key); err != nil {
		observability.EnvelopeOperationsTotal.WithLabelValues("clear", "error").Inc()
		return fmt.Errorf("clear weather cache: %w", err)
	}
	observability.EnvelopeOperationsTotal.WithLabelValues("clear", "success").Inc()
	return nil
}
