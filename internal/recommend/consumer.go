package recommend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/dshills/agentflow/workflow"
)

// OutfitCreator creates an outfit from clothing ids and returns its id.
type OutfitCreator interface {
	CreateOutfit(ctx context.Context, userID string, clothingIDs []string) (string, error)
}

// OutfitCreatorFunc adapts a function to OutfitCreator.
type OutfitCreatorFunc func(ctx context.Context, userID string, clothingIDs []string) (string, error)

func (f OutfitCreatorFunc) CreateOutfit(ctx context.Context, userID string, clothingIDs []string) (string, error) {
	return f(ctx, userID, clothingIDs)
}

// LoggingOutfitCreator assigns a fresh outfit id and logs the outfit
// instead of calling a wardrobe service.
type LoggingOutfitCreator struct {
	Logger *slog.Logger
}

func (c LoggingOutfitCreator) CreateOutfit(ctx context.Context, userID string, clothingIDs []string) (string, error) {
	id := uuid.NewString()
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "outfit created",
		"outfit_id", id,
		"user_id", userID,
		"name", "AI outfit "+time.Now().Format("2006-01-02 15:04"),
		"clothing_ids", clothingIDs)
	return id, nil
}

// Consumer settles recommendation records from completion events.
//
// Handle is idempotent: events for unknown executions and for records that
// are already settled are skipped, so redelivery is harmless. Concurrent
// deliveries for one execution share a single settlement, and the
// repository's conditional Settle keeps a record from being settled twice
// across processes.
type Consumer struct {
	repo    Repository
	creator OutfitCreator
	logger  *slog.Logger
	now     func() time.Time

	inflight singleflight.Group
}

func NewConsumer(repo Repository, creator OutfitCreator, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{repo: repo, creator: creator, logger: logger, now: time.Now}
}

// Handle applies one completion event. Only repository failures are
// returned; everything else settles the record or is logged.
func (c *Consumer) Handle(ctx context.Context, ev workflow.CompletionEvent) error {
	_, err, _ := c.inflight.Do(ev.ExecutionID, func() (interface{}, error) {
		return nil, c.handle(ctx, ev)
	})
	return err
}

func (c *Consumer) handle(ctx context.Context, ev workflow.CompletionEvent) error {
	rec, err := c.repo.FindByExecutionID(ctx, ev.ExecutionID)
	if errors.Is(err, ErrNotFound) {
		c.logger.Warn("no recommendation for execution, skipping", "execution_id", ev.ExecutionID)
		return nil
	}
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		c.logger.Info("recommendation already settled, skipping",
			"recommendation_id", rec.ID, "execution_id", ev.ExecutionID, "status", rec.Status)
		return nil
	}

	switch ev.Status {
	case workflow.StatusSuccess:
		return c.succeed(ctx, rec, ev)
	case workflow.StatusFailed:
		return c.fail(ctx, rec, ev.ErrorMessage)
	default:
		c.logger.Warn("unexpected execution status in completion event",
			"execution_id", ev.ExecutionID, "status", ev.Status)
		return nil
	}
}

func (c *Consumer) succeed(ctx context.Context, rec *Record, ev workflow.CompletionEvent) error {
	ids, err := ParseClothingIDs(ev.Output)
	if err != nil {
		c.logger.Error("recommendation output unusable",
			"recommendation_id", rec.ID, "execution_id", ev.ExecutionID, "error", err)
		return c.fail(ctx, rec, err.Error())
	}

	userID := rec.UserID
	if userID == "" {
		userID = ev.UserID
	}
	outfitID, err := c.creator.CreateOutfit(ctx, userID, ids)
	if err != nil {
		c.logger.Error("outfit creation failed",
			"recommendation_id", rec.ID, "user_id", userID, "clothing_count", len(ids), "error", err)
		return c.fail(ctx, rec, "create outfit: "+err.Error())
	}

	if err := rec.Complete(outfitID, c.now()); err != nil {
		return err
	}
	if err := c.repo.Settle(ctx, rec); err != nil {
		return c.settleFailed(rec, err)
	}
	c.logger.Info("recommendation completed",
		"recommendation_id", rec.ID, "execution_id", ev.ExecutionID, "outfit_id", outfitID)
	return nil
}

func (c *Consumer) fail(ctx context.Context, rec *Record, reason string) error {
	if err := rec.Fail(reason, c.now()); err != nil {
		return err
	}
	if err := c.repo.Settle(ctx, rec); err != nil {
		return c.settleFailed(rec, err)
	}
	c.logger.Info("recommendation failed",
		"recommendation_id", rec.ID, "execution_id", rec.ExecutionID, "reason", reason)
	return nil
}

// settleFailed treats losing a settlement race as a skip.
func (c *Consumer) settleFailed(rec *Record, err error) error {
	if errors.Is(err, ErrFinal) {
		c.logger.Info("recommendation settled elsewhere, skipping",
			"recommendation_id", rec.ID, "execution_id", rec.ExecutionID)
		return nil
	}
	return err
}

// ParseClothingIDs reads a JSON array of clothing ids from workflow output.
// Text around the array, such as a markdown fence, is ignored. Entries may
// be strings or numbers; blank entries are dropped. An output yielding no
// ids is an error.
func ParseClothingIDs(output string) ([]string, error) {
	output = strings.TrimSpace(output)
	if output == "" {
		return nil, errors.New("workflow output is empty")
	}

	start := strings.IndexByte(output, '[')
	end := strings.LastIndexByte(output, ']')
	if start < 0 || end < start {
		return nil, errors.New("workflow output holds no JSON array")
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(output[start : end+1])))
	dec.UseNumber()
	var raw []interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse clothing ids: %w", err)
	}

	ids := make([]string, 0, len(raw))
	for _, v := range raw {
		var id string
		switch t := v.(type) {
		case string:
			id = strings.TrimSpace(t)
		case json.Number:
			id = t.String()
		}
		if id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, errors.New("workflow output has no clothing ids")
	}
	return ids, nil
}
