// Package syncer mirrors issues and comments between the internal tracker
// and GitLab in both directions.
//
// Every write the syncer makes on one side produces a webhook on that side.
// To stop the echo, each handler arms a short-lived suppression key for the
// entity it just wrote, and every handler first consumes the key of the
// entity it was called for. A consumed key ends the round trip.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/steveyegge/trackbridge/internal/cache"
	"github.com/steveyegge/trackbridge/internal/connection"
	"github.com/steveyegge/trackbridge/internal/gitlab"
	"github.com/steveyegge/trackbridge/internal/telemetry"
	"github.com/steveyegge/trackbridge/internal/transform"
	"github.com/steveyegge/trackbridge/internal/types"
	"github.com/steveyegge/trackbridge/internal/workitems"
)

const scopeName = "github.com/steveyegge/trackbridge/syncer"

// ExternalTracker is the GitLab client of one connected project.
type ExternalTracker interface {
	GetIssue(ctx context.Context, iid int) (*gitlab.Issue, error)
	CreateIssue(ctx context.Context, req gitlab.IssueRequest) (*gitlab.Issue, error)
	UpdateIssue(ctx context.Context, iid int, req gitlab.IssueRequest) (*gitlab.Issue, error)
	CreateIssueComment(ctx context.Context, iid int, body string) (*gitlab.Note, error)
	UpdateIssueComment(ctx context.Context, iid, noteID int, body string) (*gitlab.Note, error)
	GetIssueComment(ctx context.Context, iid, noteID int) (*gitlab.Note, error)
}

// InternalTracker is the internal tracker client of one workspace.
type InternalTracker interface {
	GetIssue(ctx context.Context, projectID, issueID string) (*types.Issue, error)
	GetIssueWithExternalID(ctx context.Context, projectID, externalID string, source types.IntegrationKey) (*types.Issue, error)
	CreateIssue(ctx context.Context, projectID string, issue *types.Issue) (*types.Issue, error)
	UpdateIssue(ctx context.Context, projectID, issueID string, patch workitems.IssuePatch) (*types.Issue, error)
	CreateLink(ctx context.Context, projectID, issueID string, link types.IssueLink) (*types.IssueLink, error)

	GetComment(ctx context.Context, projectID, issueID, commentID string) (*types.Comment, error)
	GetCommentWithExternalID(ctx context.Context, projectID, issueID, externalID string, source types.IntegrationKey) (*types.Comment, error)
	CreateComment(ctx context.Context, projectID, issueID string, comment *types.Comment) (*types.Comment, error)
	UpdateComment(ctx context.Context, projectID, issueID, commentID string, patch workitems.CommentPatch) (*types.Comment, error)

	ListMembers(ctx context.Context) ([]types.User, error)
	ListLabels(ctx context.Context, projectID string) ([]types.Label, error)
	CreateLabel(ctx context.Context, projectID string, label *types.Label) (*types.Label, error)
	ListStates(ctx context.Context, projectID string) ([]types.State, error)
	GetProject(ctx context.Context, projectID string) (*types.Project, error)
	IssueURL(projectID, issueID string) string
}

// ExternalFactory builds the GitLab client for a resolved connection.
type ExternalFactory func(d *connection.Details) (ExternalTracker, error)

// InternalFactory builds the internal tracker client for a resolved
// connection.
type InternalFactory func(d *connection.Details) (InternalTracker, error)

// Config holds the orchestrator settings.
type Config struct {
	// SuppressionTTL is the lifetime of loop-suppression keys.
	SuppressionTTL time.Duration
	// AppBaseURL is the internal tracker's web URL, used in link comments.
	AppBaseURL string
	// AssetBaseURL is where this service serves internal assets to GitLab.
	AssetBaseURL string
	// InternalLabel gates internal issues going out; ExternalLabel gates
	// GitLab issues coming in.
	InternalLabel string
	ExternalLabel string
	// DefaultStates applies to connections without their own state mapping.
	DefaultStates types.StateMapping
}

func (c Config) withDefaults() Config {
	if c.SuppressionTTL <= 0 {
		c.SuppressionTTL = cache.DefaultSuppressionTTL
	}
	if c.InternalLabel == "" {
		c.InternalLabel = gitlab.InternalSyncLabel
	}
	if c.ExternalLabel == "" {
		c.ExternalLabel = gitlab.ExternalSyncLabel
	}
	c.AppBaseURL = strings.TrimSuffix(c.AppBaseURL, "/")
	c.AssetBaseURL = strings.TrimSuffix(c.AssetBaseURL, "/")
	return c
}

// Deps are the collaborators of a Syncer.
type Deps struct {
	Cache    cache.Store
	Resolver *connection.Resolver
	External ExternalFactory
	Internal InternalFactory
	Logger   *slog.Logger
}

// Syncer handles webhook events from both trackers.
type Syncer struct {
	cfg      Config
	ttl      atomic.Int64
	cache    cache.Store
	resolver *connection.Resolver
	external ExternalFactory
	internal InternalFactory
	logger   *slog.Logger
	now      func() time.Time

	tracer     trace.Tracer
	latency    metric.Float64Histogram
	suppressed metric.Int64Counter
	outcomes   metric.Int64Counter
}

// New returns a Syncer.
func New(cfg Config, deps Deps) (*Syncer, error) {
	if deps.Cache == nil || deps.Resolver == nil || deps.External == nil || deps.Internal == nil {
		return nil, errors.New("syncer: cache, resolver and client factories are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Syncer{
		cfg:      cfg.withDefaults(),
		cache:    deps.Cache,
		resolver: deps.Resolver,
		external: deps.External,
		internal: deps.Internal,
		logger:   deps.Logger,
		now:      time.Now,
		tracer:   telemetry.Tracer(scopeName),
	}
	s.ttl.Store(int64(s.cfg.SuppressionTTL))

	m := telemetry.Meter(scopeName)
	s.latency, _ = m.Float64Histogram("trackbridge.sync.delivery.latency",
		metric.WithDescription("Time from the source write to the start of handling"),
		metric.WithUnit("ms"),
	)
	s.suppressed, _ = m.Int64Counter("trackbridge.sync.suppressed",
		metric.WithDescription("Events dropped by a loop-suppression key"),
	)
	s.outcomes, _ = m.Int64Counter("trackbridge.sync.events",
		metric.WithDescription("Handled webhook events by outcome"),
	)
	return s, nil
}

// SetSuppressionTTL changes the TTL of keys armed from now on.
func (s *Syncer) SetSuppressionTTL(d time.Duration) {
	if d <= 0 {
		d = cache.DefaultSuppressionTTL
	}
	s.ttl.Store(int64(d))
}

// SuppressionTTL returns the current key TTL.
func (s *Syncer) SuppressionTTL() time.Duration {
	return time.Duration(s.ttl.Load())
}

// outcome of one handled event.
type outcome string

const (
	outcomeSynced     outcome = "synced"
	outcomeSuppressed outcome = "suppressed"
	outcomeSkipped    outcome = "skipped"
	outcomeFailed     outcome = "failed"
)

// skip ends a handler without error. The reason is logged at info.
type skip struct{ reason string }

func (e *skip) Error() string { return e.reason }

func skipf(format string, args ...any) error {
	return &skip{reason: fmt.Sprintf(format, args...)}
}

var errSuppressed = errors.New("suppressed")

// run wraps one handler: span, latency, outcome metric and logging. Failures
// are logged and dropped; webhooks have nothing to retry against.
func (s *Syncer) run(ctx context.Context, name string, sentAt time.Time, log *slog.Logger, fn func(ctx context.Context) error) {
	attrs := []attribute.KeyValue{attribute.String("trackbridge.sync.handler", name)}
	ctx, span := s.tracer.Start(ctx, "syncer."+name, trace.WithAttributes(attrs...))
	defer span.End()

	if !sentAt.IsZero() {
		s.latency.Record(ctx, float64(s.now().Sub(sentAt).Milliseconds()), metric.WithAttributes(attrs...))
	}

	err := fn(ctx)
	var sk *skip
	res := outcomeSynced
	switch {
	case err == nil:
		log.Debug("event synced")
	case errors.Is(err, errSuppressed):
		res = outcomeSuppressed
		s.suppressed.Add(ctx, 1, metric.WithAttributes(attrs...))
		log.Debug("event suppressed by loop key")
	case errors.As(err, &sk):
		res = outcomeSkipped
		log.Info("event skipped", "reason", sk.reason)
	default:
		res = outcomeFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("event sync failed", "error", err)
	}
	s.outcomes.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.String("trackbridge.sync.outcome", string(res)))...))
}

// consume checks the loop key of the incoming entity.
func (s *Syncer) consume(ctx context.Context, key cache.Key) error {
	found, err := cache.Consume(ctx, s.cache, key.String())
	if err != nil {
		return err
	}
	if found {
		return errSuppressed
	}
	return nil
}

// arm writes the key identifying the entity just written on the other side.
func (s *Syncer) arm(ctx context.Context, key cache.Key, err error) error {
	if err != nil {
		return fmt.Errorf("build suppression key: %w", err)
	}
	return cache.Arm(ctx, s.cache, key.String(), s.SuppressionTTL())
}

// clients resolves both trackers' clients for d.
func (s *Syncer) clients(d *connection.Details) (ExternalTracker, InternalTracker, error) {
	ext, err := s.external(d)
	if err != nil {
		return nil, nil, fmt.Errorf("gitlab client: %w", err)
	}
	in, err := s.internal(d)
	if err != nil {
		return nil, nil, fmt.Errorf("internal client: %w", err)
	}
	return ext, in, nil
}

// transformConfig gathers what the conversions resolve against. Lists that
// a direction does not need are left empty.
func (s *Syncer) transformConfig(d *connection.Details, states []types.State, labels []types.Label, users []types.User) transform.Config {
	ws, ec := d.WorkspaceConnection, d.EntityConnection
	base := ws.BaseURL
	if base == "" {
		base = gitlab.DefaultBaseURL
	}
	mapping := ec.Config.States
	if mapping.IsZero() {
		mapping = s.cfg.DefaultStates
	}
	return transform.Config{
		Source:        d.Key(),
		States:        states,
		StateMapping:  mapping,
		Labels:        labels,
		Users:         users,
		AssetPrefix:   s.assetPrefix(d),
		UploadsPrefix: gitlab.UploadsPrefix(base, ec.EntityID),
		GitLabBaseURL: base,
		Repository:    ec.EntitySlug,
		InternalLabel: s.cfg.InternalLabel,
		ExternalLabel: s.cfg.ExternalLabel,
	}
}

func (s *Syncer) assetPrefix(d *connection.Details) string {
	if s.cfg.AssetBaseURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/api/assets/%s/%s/%s", s.cfg.AssetBaseURL, d.Key().Lower(), d.WorkspaceConnection.WorkspaceID, d.Credential.UserID)
}

func hasLabelID(issue *types.Issue, labels []types.Label, name string) bool {
	for _, l := range labels {
		if !strings.EqualFold(l.Name, name) {
			continue
		}
		for _, id := range issue.Labels {
			if id == l.ID {
				return true
			}
		}
	}
	return false
}

func hookLabels(labels []gitlab.HookLabel) []string {
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		out = append(out, l.Title)
	}
	return out
}
