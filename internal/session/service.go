package session

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/telemyapp/aegis-sessions/internal/apperr"
	"github.com/telemyapp/aegis-sessions/internal/logger"
	"github.com/telemyapp/aegis-sessions/internal/metrics"
	"github.com/telemyapp/aegis-sessions/internal/model"
	"github.com/telemyapp/aegis-sessions/internal/orchestrator"
	"github.com/telemyapp/aegis-sessions/internal/store"
	"github.com/telemyapp/aegis-sessions/internal/tracing"
)

// maxUserSessions is the per-user quota. The unique constraint on
// sessions.user_id enforces the same limit under concurrency.
const maxUserSessions = 1

type Store interface {
	GetSession(ctx context.Context, id string) (*model.Session, error)
	ListSessions(ctx context.Context, f store.SessionFilter) ([]model.Session, error)
	InsertSession(ctx context.Context, sess *model.Session) error
	UpdateSession(ctx context.Context, upd store.SessionUpdate) error
	DeleteSession(ctx context.Context, id string) error
}

// Service owns every mutation of session rows and sequences them with the
// orchestrator calls.
type Service struct {
	store   Store
	orch    orchestrator.Client
	log     *logger.Logger
	metrics *metrics.Registry
	newID   func() string
}

func NewService(s Store, orch orchestrator.Client, log *logger.Logger, m *metrics.Registry) *Service {
	if log == nil {
		log = logger.NewNop()
	}
	if m == nil {
		m = metrics.Default()
	}
	return &Service{store: s, orch: orch, log: log, metrics: m, newID: uuid.NewString}
}

type CreateInput struct {
	AppReleaseUUID string
	UserID         int64
	WsConn         orchestrator.WsConnRef
	PreferredDCs   []string
}

func (in CreateInput) validate() error {
	fields := map[string]string{}
	if strings.TrimSpace(in.AppReleaseUUID) == "" {
		fields["app_release_uuid"] = "required"
	}
	if strings.TrimSpace(in.WsConn.ID) == "" {
		fields["ws_conn.id"] = "required"
	}
	if strings.TrimSpace(in.WsConn.ConsumerID) == "" {
		fields["ws_conn.consumer_id"] = "required"
	}
	if len(fields) > 0 {
		return apperr.New(apperr.Validation, fields)
	}
	return nil
}

// Create starts a new session for the user, or resumes the user's paused
// session for the same app release. It returns the session id.
func (s *Service) Create(ctx context.Context, in CreateInput) (id string, err error) {
	log := s.log.With("op", "create", "user_id", in.UserID, "app_release_uuid", in.AppReleaseUUID)
	ctx, span := tracing.Start(ctx, "session.create",
		attribute.Int64("user_id", in.UserID),
		attribute.String("app_release_uuid", in.AppReleaseUUID))
	defer func() { s.finish("create", log.With("session_id", id), span, err) }()

	if err := in.validate(); err != nil {
		return "", err
	}
	log.Debug("create session")

	userID := in.UserID
	existing, err := s.store.ListSessions(ctx, store.SessionFilter{UserID: &userID})
	if err != nil {
		return "", storeError(err)
	}
	if len(existing) > maxUserSessions {
		return "", apperr.New(apperr.QuotaExceeded, nil)
	}
	for i := range existing {
		if existing[i].AppReleaseUUID == in.AppReleaseUUID {
			return s.resume(ctx, log, &existing[i], in.WsConn)
		}
	}
	if len(existing) >= maxUserSessions {
		return "", apperr.New(apperr.QuotaExceeded, nil)
	}

	sess := &model.Session{
		ID:             s.newID(),
		AppReleaseUUID: in.AppReleaseUUID,
		UserID:         in.UserID,
		Status:         model.SessionPending,
		WsConn:         model.WsConn{ID: in.WsConn.ID, ConsumerID: in.WsConn.ConsumerID},
	}
	// The row must exist before run so a racing duplicate create fails on the
	// user_id constraint instead of launching a second container.
	if err := s.store.InsertSession(ctx, sess); err != nil {
		return "", storeError(err)
	}
	container, err := s.orch.Run(ctx, orchestrator.RunRequest{
		AppReleaseUUID: in.AppReleaseUUID,
		UserID:         in.UserID,
		PreferredDCs:   in.PreferredDCs,
		WsConn:         in.WsConn,
	})
	if err != nil {
		return "", orchestratorError(err)
	}
	if err := s.store.UpdateSession(ctx, store.SessionUpdate{ID: sess.ID, Container: &container}); err != nil {
		return "", storeError(err)
	}
	log.Info("container placed", "session_id", sess.ID, "container_id", container.ID, "region", container.Region)
	return sess.ID, nil
}

func (s *Service) resume(ctx context.Context, log *logger.Logger, sess *model.Session, ws orchestrator.WsConnRef) (string, error) {
	log = log.With("session_id", sess.ID)
	if sess.Status != model.SessionPaused {
		return "", apperr.Newf(apperr.SessionConflict, "session %s is %s", sess.ID, sess.Status)
	}
	if sess.Container == nil {
		return "", apperr.Newf(apperr.SessionOp, "session %s has no container to resume", sess.ID)
	}
	pending := model.SessionPending
	// producer_id is dropped so the previous producer cannot drive the
	// resumed stream.
	wsConn := model.WsConn{ID: ws.ID, ConsumerID: ws.ConsumerID}
	if err := s.store.UpdateSession(ctx, store.SessionUpdate{ID: sess.ID, Status: &pending, WsConn: &wsConn}); err != nil {
		return "", storeError(err)
	}
	if err := s.orch.Resume(ctx, *sess.Container, ws); err != nil {
		return "", orchestratorError(err)
	}
	log.Info("session resumed", "container_id", sess.Container.ID)
	return sess.ID, nil
}

// Start records the producer peer and marks the session active.
func (s *Service) Start(ctx context.Context, id, producerID string) (err error) {
	log := s.log.With("op", "start", "session_id", id)
	ctx, span := tracing.Start(ctx, "session.start", attribute.String("session_id", id))
	defer func() { s.finish("start", log, span, err) }()

	if strings.TrimSpace(producerID) == "" {
		return apperr.New(apperr.Validation, map[string]string{"ws_conn.producer_id": "required"})
	}
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return storeError(err)
	}
	wsConn := sess.WsConn
	wsConn.ProducerID = &producerID
	active := model.SessionActive
	if err := s.store.UpdateSession(ctx, store.SessionUpdate{ID: id, Status: &active, WsConn: &wsConn}); err != nil {
		return storeError(err)
	}
	return nil
}

func (s *Service) Pause(ctx context.Context, id string) (err error) {
	log := s.log.With("op", "pause", "session_id", id)
	ctx, span := tracing.Start(ctx, "session.pause", attribute.String("session_id", id))
	defer func() { s.finish("pause", log, span, err) }()

	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return storeError(err)
	}
	if sess.Container == nil {
		return apperr.Newf(apperr.SessionOp, "session %s has no container to pause", id)
	}
	if err := s.orch.Pause(ctx, *sess.Container); err != nil {
		return orchestratorError(err)
	}
	paused := model.SessionPaused
	if err := s.store.UpdateSession(ctx, store.SessionUpdate{ID: id, Status: &paused}); err != nil {
		return storeError(err)
	}
	return nil
}

// Close stops the backing container if one is running and deletes the row.
// Closing a session that does not exist succeeds.
func (s *Service) Close(ctx context.Context, id string) (err error) {
	log := s.log.With("op", "close", "session_id", id)
	ctx, span := tracing.Start(ctx, "session.close", attribute.String("session_id", id))
	defer func() { s.finish("close", log, span, err) }()

	sess, err := s.store.GetSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("session already closed")
		return nil
	}
	if err != nil {
		return storeError(err)
	}
	log = log.With("user_id", sess.UserID, "app_release_uuid", sess.AppReleaseUUID)

	running := sess.Status == model.SessionActive || sess.Status == model.SessionPaused
	if running && sess.Container != nil {
		if err := s.orch.Stop(ctx, *sess.Container); err != nil {
			return orchestratorError(err)
		}
	}
	err = s.store.DeleteSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("session already closed")
		return nil
	}
	if err != nil {
		return storeError(err)
	}
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (*model.Session, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, storeError(err)
	}
	return sess, nil
}

func (s *Service) List(ctx context.Context) ([]model.Session, error) {
	return s.list(ctx, store.SessionFilter{})
}

func (s *Service) ListByUser(ctx context.Context, userID int64) ([]model.Session, error) {
	return s.list(ctx, store.SessionFilter{UserID: &userID})
}

func (s *Service) ListByConsumer(ctx context.Context, consumerID string) ([]model.Session, error) {
	if strings.TrimSpace(consumerID) == "" {
		return []model.Session{}, nil
	}
	return s.list(ctx, store.SessionFilter{ConsumerID: consumerID})
}

func (s *Service) ListByProducer(ctx context.Context, producerID string) ([]model.Session, error) {
	if strings.TrimSpace(producerID) == "" {
		return []model.Session{}, nil
	}
	return s.list(ctx, store.SessionFilter{ProducerID: producerID})
}

func (s *Service) list(ctx context.Context, f store.SessionFilter) ([]model.Session, error) {
	out, err := s.store.ListSessions(ctx, f)
	if err != nil {
		return nil, storeError(err)
	}
	if out == nil {
		out = []model.Session{}
	}
	return out, nil
}

func (s *Service) finish(op string, log *logger.Logger, span trace.Span, err error) {
	s.metrics.IncSessionOp(op, err)
	tracing.End(span, err)
	switch kind := apperr.KindOf(err); {
	case err == nil:
		log.Info(op + " ok")
	case kind == apperr.Unknown || kind == apperr.SessionOp:
		log.Error(op+" failed", "kind", kind.String(), "error", err)
	default:
		log.Warn(op+" failed", "kind", kind.String(), "error", err)
	}
}

func storeError(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return apperr.Wrap(apperr.NotFound, nil, err)
	case errors.Is(err, store.ErrUserSessionExists):
		return apperr.Wrap(apperr.QuotaExceeded, nil, err)
	case errors.Is(err, store.ErrMultipleRows):
		return apperr.Wrap(apperr.SessionOp, nil, err)
	case apperr.KindOf(err) != apperr.Unknown:
		return err
	default:
		return apperr.Wrap(apperr.Unknown, nil, err)
	}
}

func orchestratorError(err error) error {
	var oe *orchestrator.Error
	if errors.As(err, &oe) && oe.Body != "" {
		return apperr.Wrap(apperr.Orchestrator, oe.Body, err)
	}
	return apperr.Wrap(apperr.Orchestrator, nil, err)
}
