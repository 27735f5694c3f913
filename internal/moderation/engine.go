package moderation

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ReasonFiltered is the warning reason attached to automatic
// filter-triggered warnings.
const ReasonFiltered = "blocked_content"

// Engine combines the content filter with the warning ledger. It decides
// whether a message is clean or flagged and records the audit trail; ban
// decisions live in the membership authority.
type Engine struct {
	filter   *Filter
	warnings WarningStore
	log      *zap.Logger
	now      func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(filter *Filter, warnings WarningStore, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{filter: filter, warnings: warnings, log: log, now: time.Now}
}

// Screen filters the content a sender submitted. When the filter redacts
// anything, an automatic warning (no issuer) holding the original content is
// appended before the result is returned, so every flagged message has a
// corresponding warning.
func (e *Engine) Screen(ctx context.Context, userID, groupID, content string) (Result, error) {
	res := e.filter.Apply(content)
	if !res.Flagged {
		return res, nil
	}

	w := Warning{
		UserID:          userID,
		GroupID:         groupID,
		Reason:          ReasonFiltered,
		OriginalContent: content,
		CreatedAt:       e.now(),
	}
	if err := e.warnings.Insert(ctx, w); err != nil {
		return Result{}, err
	}

	e.log.Info("message flagged",
		zap.String("group_id", groupID),
		zap.String("user_id", userID),
		zap.Strings("terms", res.Terms))
	return res, nil
}

// Warn records a moderator-issued warning against the author of an existing
// message and returns the author's total warning count in the group, so
// moderation surfaces can show repeat offenders. originalContent is the
// stored message content at warn time.
func (e *Engine) Warn(ctx context.Context, actorID, targetID, groupID, originalContent, reason string) (int, error) {
	w := Warning{
		UserID:          targetID,
		GroupID:         groupID,
		Reason:          reason,
		OriginalContent: originalContent,
		IssuedBy:        &actorID,
		CreatedAt:       e.now(),
	}
	if err := e.warnings.Insert(ctx, w); err != nil {
		return 0, err
	}

	total, err := e.warnings.CountFor(ctx, targetID, groupID)
	if err != nil {
		return 0, err
	}

	e.log.Info("warning issued",
		zap.String("group_id", groupID),
		zap.String("actor_id", actorID),
		zap.String("target_id", targetID),
		zap.String("reason", reason),
		zap.Int("total", total))
	return total, nil
}
