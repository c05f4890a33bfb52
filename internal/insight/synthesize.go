package insight

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/szaher/recall/internal/embed"
	"github.com/szaher/recall/internal/model"
)

// ErrInsufficientInsights means a user does not yet have insights from
// enough distinct sessions to synthesize a long-term profile.
var ErrInsufficientInsights = errors.New("not enough insights for synthesis")

// InsightStore is the slice of the storage layer the synthesizer needs.
type InsightStore interface {
	InsightsByUser(ctx context.Context, userID, category string, limit int) ([]model.Insight, error)
	PutInsight(ctx context.Context, ins model.Insight) error
	DistinctUsers(ctx context.Context) ([]string, error)
}

// Synthesizer folds a user's accumulated per-session insights into a
// single long-term profile insight (category long_term_synthesis). The
// previous profile, if any, is the baseline for the next synthesis.
type Synthesizer struct {
	store       InsightStore
	service     Service
	embedder    embed.Embedder
	minSessions int
	logger      *slog.Logger
}

// NewSynthesizer wires a Synthesizer. minSessions defaults to 3 when
// non-positive.
func NewSynthesizer(store InsightStore, service Service, embedder embed.Embedder, minSessions int, logger *slog.Logger) *Synthesizer {
	if minSessions <= 0 {
		minSessions = 3
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Synthesizer{
		store:       store,
		service:     service,
		embedder:    embedder,
		minSessions: minSessions,
		logger:      logger,
	}
}

// Run synthesizes a profile for one user and stores it. Requires insights
// from at least minSessions distinct sessions; otherwise returns
// ErrInsufficientInsights.
func (sy *Synthesizer) Run(ctx context.Context, userID string) (*model.Insight, error) {
	insights, err := sy.store.InsightsByUser(ctx, userID, "", 0)
	if err != nil {
		return nil, fmt.Errorf("load insights: %w", err)
	}

	// Insights arrive newest first; the first prior synthesis is the
	// current baseline and older ones are superseded.
	var baseline string
	var source []model.Insight
	sessions := make(map[string]struct{})
	for _, ins := range insights {
		if ins.Category == model.CategoryLongTermSynthesis {
			if baseline == "" {
				baseline = ins.InsightText
			}
			continue
		}
		source = append(source, ins)
		if ins.SessionID != "" {
			sessions[ins.SessionID] = struct{}{}
		}
	}
	if len(sessions) < sy.minSessions {
		return nil, fmt.Errorf("%w: user %s has insights from %d sessions, need %d",
			ErrInsufficientInsights, userID, len(sessions), sy.minSessions)
	}

	profile, err := sy.service.SynthesizeProfile(ctx, baseline, source)
	if err != nil {
		return nil, err
	}

	vec, err := sy.embedder.Embed(ctx, profile)
	if err != nil {
		sy.logger.Warn("profile embedding failed, storing without vector",
			"user_id", userID, "error", err)
		vec = nil
	}

	var confidence float64
	for _, ins := range source {
		confidence += ins.Confidence
	}
	confidence /= float64(len(source))

	stored := model.Insight{
		ID:          model.NewInsightID(),
		UserID:      userID,
		InsightText: profile,
		Category:    model.CategoryLongTermSynthesis,
		Confidence:  confidence,
		Importance:  "high",
		ExtractedAt: time.Now().UTC(),
		Vector:      vec,
		Evidence: model.InsightEvidence{
			SessionSummary: fmt.Sprintf("Synthesized from %d insights across %d sessions", len(source), len(sessions)),
		},
	}
	if err := sy.store.PutInsight(ctx, stored); err != nil {
		return nil, fmt.Errorf("store profile: %w", err)
	}

	sy.logger.Info("long-term profile synthesized",
		"user_id", userID,
		"source_insights", len(source),
		"sessions", len(sessions),
		"confidence", confidence)
	return &stored, nil
}

// RunAll synthesizes profiles for every known user, skipping users without
// enough material. Used by the optional cron schedule.
func (sy *Synthesizer) RunAll(ctx context.Context) error {
	users, err := sy.store.DistinctUsers(ctx)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}
	for _, userID := range users {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := sy.Run(ctx, userID); err != nil {
			if errors.Is(err, ErrInsufficientInsights) {
				continue
			}
			sy.logger.Warn("profile synthesis failed", "user_id", userID, "error", err)
		}
	}
	return nil
}
