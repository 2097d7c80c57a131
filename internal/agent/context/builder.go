package context

import (
	gocontext "context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kestrelai/core/internal/store"
	"github.com/kestrelai/core/pkg/models"
)

// RecentWindow is the number of most recent messages kept verbatim in
// every packed context, regardless of summarization state.
const RecentWindow = 20

// SummaryThreshold is the total message count at which background
// summarization becomes eligible.
const SummaryThreshold = 30

// SummaryRefreshGap is how many messages must have accumulated past the
// last summary's coverage (beyond RecentWindow) before a refresh is
// scheduled again.
const SummaryRefreshGap = 20

// SummaryDirective is the instruction sent to the summarization client.
const SummaryDirective = "extract topics, decisions, facts, current state; bullet points; <=300 words"

const summaryGenerationTimeout = 60 * time.Second

// charsPerToken and perMessageOverheadTokens back the cheap token estimate
// used for the context-window guard: ~1 token per 4 characters, plus a
// fixed per-message overhead for role/formatting tokens.
const charsPerToken = 4
const perMessageOverheadTokens = 4

// tokenGuardFraction is the fraction of the model's context window past
// which the builder logs a warning instead of truncating itself —
// truncation is the tool loop executor's job once tool results are in
// play.
const tokenGuardFraction = 0.8

// Builder assembles the message list sent to a model for a turn: the
// rolling summary (if any and if the conversation has grown past the
// recent window), up to RecentWindow recent messages, and the new user
// message. It also decides when background summarization should run and
// kicks it off without blocking the turn.
type Builder struct {
	store      store.Store
	summarizer SummaryProvider
	logger     *slog.Logger
}

// NewBuilder creates a Builder. summarizer may be nil, in which case
// background summarization is never scheduled.
func NewBuilder(st store.Store, summarizer SummaryProvider, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{store: st, summarizer: summarizer, logger: logger}
}

// Build assembles the context for conversationID and, as a side effect,
// schedules background summarization when the conversation has grown
// stale relative to its last summary. contextWindowTokens is the target
// model's context size, used only for the token-budget guard log.
func (b *Builder) Build(ctx gocontext.Context, conversationID string, newUserMessage *models.Message, contextWindowTokens int) ([]*models.Message, error) {
	total, err := b.store.CountMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}

	recent, err := b.store.GetRecentMessages(ctx, conversationID, RecentWindow)
	if err != nil {
		return nil, fmt.Errorf("get recent messages: %w", err)
	}

	summary, err := b.store.GetSummary(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("get summary: %w", err)
	}

	var packed []*models.Message
	if total > RecentWindow && summary != nil {
		packed = append(packed, syntheticSummaryPair(conversationID, summary)...)
	}
	packed = append(packed, recent...)
	if newUserMessage != nil {
		packed = append(packed, newUserMessage)
	}

	if total >= SummaryThreshold && b.needsSummaryRefresh(total, summary) && b.summarizer != nil {
		go b.runBackgroundSummary(conversationID, total)
	}

	if contextWindowTokens > 0 {
		b.checkTokenBudget(conversationID, packed, contextWindowTokens)
	}

	return packed, nil
}

func (b *Builder) needsSummaryRefresh(total int, summary *models.RollingSummary) bool {
	if summary == nil {
		return true
	}
	gap := total - summary.MessagesCovered - RecentWindow
	return gap >= SummaryRefreshGap
}

// syntheticSummaryPair turns a stored rolling summary into a synthetic
// user/assistant exchange that reads naturally as prior turns: a user
// request for the summary, and the assistant's recollection of it.
func syntheticSummaryPair(conversationID string, summary *models.RollingSummary) []*models.Message {
	now := summary.CreatedAt
	return []*models.Message{
		{
			ID:             uuid.NewString(),
			ConversationID: conversationID,
			Role:           models.RoleUser,
			Content:        "(earlier conversation summary)",
			CreatedAt:      now,
			Metadata:       map[string]any{SummaryMetadataKey: true},
		},
		{
			ID:             uuid.NewString(),
			ConversationID: conversationID,
			Role:           models.RoleAssistant,
			Content:        summary.Text,
			CreatedAt:      now,
			Metadata:       map[string]any{SummaryMetadataKey: true},
		},
	}
}

// runBackgroundSummary generates and persists an updated rolling summary.
// It runs detached from the triggering request's context so a cancelled
// turn does not abort an in-flight summarization.
func (b *Builder) runBackgroundSummary(conversationID string, total int) {
	ctx, cancel := gocontext.WithTimeout(gocontext.Background(), summaryGenerationTimeout)
	defer cancel()

	covered := total - RecentWindow
	if covered <= 0 {
		return
	}

	toSummarize, err := b.store.GetRecentMessages(ctx, conversationID, covered)
	if err != nil {
		b.logger.Warn("context builder: failed to load messages for summarization", "conversation_id", conversationID, "error", err)
		return
	}

	text, err := b.summarizer.Summarize(ctx, toSummarize, 1800)
	if err != nil {
		b.logger.Warn("context builder: background summarization failed", "conversation_id", conversationID, "error", err)
		return
	}

	summary := &models.RollingSummary{
		ConversationID:  conversationID,
		Text:            text,
		MessagesCovered: covered,
		CreatedAt:       time.Now(),
	}
	if err := b.store.SaveSummary(ctx, summary); err != nil {
		b.logger.Warn("context builder: failed to persist summary", "conversation_id", conversationID, "error", err)
	}
}

// checkTokenBudget estimates the packed context's token count and logs a
// warning when it exceeds tokenGuardFraction of the window. It never
// truncates: that is the tool loop executor's responsibility.
func (b *Builder) checkTokenBudget(conversationID string, packed []*models.Message, contextWindowTokens int) {
	estimated := estimateTokens(packed)
	limit := int(float64(contextWindowTokens) * tokenGuardFraction)
	if estimated > limit {
		b.logger.Warn("context builder: packed context approaching window limit",
			"conversation_id", conversationID,
			"estimated_tokens", estimated,
			"context_window", contextWindowTokens,
		)
	}
}

func estimateTokens(messages []*models.Message) int {
	total := 0
	for _, m := range messages {
		if m == nil {
			continue
		}
		total += perMessageOverheadTokens
		total += len(m.Content) / charsPerToken
		for _, tc := range m.ToolCalls {
			total += (len(tc.Name) + len(tc.Input)) / charsPerToken
		}
		for _, tr := range m.ToolResults {
			total += len(tr.Content) / charsPerToken
		}
	}
	return total
}
