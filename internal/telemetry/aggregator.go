package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/telemyapp/aegis-sessions/internal/apperr"
	"github.com/telemyapp/aegis-sessions/internal/logger"
	"github.com/telemyapp/aegis-sessions/internal/metrics"
	"github.com/telemyapp/aegis-sessions/internal/model"
	"github.com/telemyapp/aegis-sessions/internal/store"
	"github.com/telemyapp/aegis-sessions/internal/tracing"
)

// Round-trip times outside (minRTT, maxRTT) seconds are treated as probe noise.
const (
	minRTT = 0.0
	maxRTT = 5.0
)

type Store interface {
	GetSession(ctx context.Context, id string) (*model.Session, error)
	RecordStats(ctx context.Context, in store.RecordStatsInput) error
}

// Aggregator keeps the per-user, per-region rolling RTT window and the raw
// stats log.
type Aggregator struct {
	store      Store
	log        *logger.Logger
	metrics    *metrics.Registry
	windowSize int
}

func NewAggregator(s Store, log *logger.Logger, m *metrics.Registry) *Aggregator {
	if log == nil {
		log = logger.NewNop()
	}
	if m == nil {
		m = metrics.Default()
	}
	return &Aggregator{store: s, log: log, metrics: m, windowSize: model.MaxRTTSamples}
}

// Submit records one stats report for the session. rawStats must be a JSON
// object.
func (a *Aggregator) Submit(ctx context.Context, sessionID, rawStats string) (err error) {
	log := a.log.With("op", "submit_stats", "session_id", sessionID)
	ctx, span := tracing.Start(ctx, "telemetry.submit", attribute.String("session_id", sessionID))
	defer func() {
		a.metrics.IncSessionOp("submit_stats", err)
		tracing.End(span, err)
		if err != nil {
			log.Warn("submit stats failed", "kind", apperr.KindOf(err).String(), "error", err)
		}
	}()

	sess, err := a.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.Wrap(apperr.NotFound, nil, err)
		}
		return apperr.Wrap(apperr.Unknown, nil, err)
	}
	log = log.With("user_id", sess.UserID, "app_release_uuid", sess.AppReleaseUUID)

	stats, err := parseStats(rawStats)
	if err != nil {
		return err
	}
	// Without a container there is no region to attribute the report to.
	if sess.Container == nil {
		return apperr.Newf(apperr.SessionOp, "session %s has no container", sessionID)
	}
	region := sess.Container.Region

	in := store.RecordStatsInput{
		Entry: model.StatsLogEntry{
			AppReleaseUUID: sess.AppReleaseUUID,
			Region:         region,
			SessionID:      sess.ID,
			UserID:         sess.UserID,
			RawStats:       stats,
		},
		WindowSize: a.windowSize,
	}
	rtt, result := extractRTT(stats)
	if result == "accepted" {
		in.Sample = &store.RTTSample{Region: region, Value: rtt}
	}

	if err := a.store.RecordStats(ctx, in); err != nil {
		return apperr.Wrap(apperr.Unknown, nil, err)
	}
	a.metrics.RTTSamples.WithLabelValues(result).Inc()
	if in.Sample != nil {
		a.metrics.RTTSeconds.WithLabelValues(region).Observe(rtt)
	}
	log.Debug("stats recorded", "region", region, "rtt_result", result)
	return nil
}

func parseStats(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, apperr.New(apperr.Validation, map[string]string{"stats": "required"})
	}
	var stats map[string]any
	if err := json.Unmarshal([]byte(raw), &stats); err != nil || stats == nil {
		return nil, apperr.Wrap(apperr.Validation, map[string]string{"stats": "must be a JSON object"}, err)
	}
	return stats, nil
}

// extractRTT reads remote_inbound_rtp.round_trip_time. result is "accepted",
// "rejected" (present but unusable) or "absent".
func extractRTT(stats map[string]any) (float64, string) {
	section, ok := stats["remote_inbound_rtp"]
	if !ok {
		return 0, "absent"
	}
	inbound, ok := section.(map[string]any)
	if !ok {
		return 0, "rejected"
	}
	rtt, ok := inbound["round_trip_time"].(float64)
	if !ok || rtt <= minRTT || rtt >= maxRTT {
		return 0, "rejected"
	}
	return rtt, "accepted"
}
