package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kalambet/aide/internal/composer"
	"github.com/kalambet/aide/internal/extract"
	"github.com/kalambet/aide/internal/llm"
	"github.com/kalambet/aide/internal/metrics"
	"github.com/kalambet/aide/internal/profile"
	"github.com/kalambet/aide/internal/result"
	"github.com/kalambet/aide/internal/storage"
)

const defaultDocumentQuestion = "Summarize this document."

// chat answers free text with recent history as context, and records the
// exchange.
func (o *Orchestrator) chat(ctx context.Context, logger *slog.Logger, p profile.Profile, req Request, question, intent string) result.Result {
	if o.deps.LLM == nil {
		return notConfigured(intent)
	}
	var history []composer.Turn
	if o.deps.History != nil {
		turns, err := o.deps.History.RecentTurns(req.OwnerID, req.ConversationID, o.cfg.HistoryTurns)
		if err != nil {
			logger.Warn("orchestrator: loading history failed", "error", err)
		}
		for _, t := range turns {
			history = append(history, composer.Turn{Role: t.Role, Content: t.Content})
		}
	}

	prompt := o.deps.Composer.Compose(composer.Request{
		Kind:           composer.KindChat,
		Question:       question,
		History:        history,
		ProfileSummary: profile.Summary(p, o.deps.Clock.Now()),
	})
	c, err := o.complete(ctx, logger, "llm", prompt.Messages)
	if err != nil {
		return llmFailure(logger, intent, result.ModeLLM, err)
	}

	o.record(logger, req, question, c.Text)
	r := result.OK(c.Text, result.ModeLLM, intent)
	r.Sources = c.Sources
	return r.WithDebug("model", c.Model)
}

// facts answers from web sources only. No sources means no answer.
func (o *Orchestrator) facts(ctx context.Context, logger *slog.Logger, p profile.Profile, query, intent string) result.Result {
	if o.deps.Search == nil || o.deps.LLM == nil {
		out := result.Refused("Search is not available right now.", intent)
		out.Mode = result.ModeTool
		return out
	}

	start := time.Now()
	sources, err := o.deps.Search.Search(ctx, query, o.cfg.SearchResults)
	observe("search", start, err)
	if err != nil {
		logger.Warn("orchestrator: search failed", "error", err)
		out := result.Error(intent, err)
		out.Mode = result.ModeTool
		return out
	}
	if len(sources) == 0 {
		out := result.Refused("I couldn't find reliable sources for that. Try rephrasing the query.", intent)
		out.Mode = result.ModeTool
		return out
	}

	prompt := o.deps.Composer.Compose(composer.Request{
		Kind:           composer.KindFacts,
		Question:       query,
		ProfileSummary: profile.Summary(p, o.deps.Clock.Now()),
		Sources:        sources,
	})
	c, err := o.complete(ctx, logger, "llm", prompt.Messages)
	if err != nil {
		return llmFailure(logger, intent, result.ModeTool, err)
	}
	r := result.OK(c.Text, result.ModeTool, intent)
	r.Sources = prompt.Sources
	return r.WithDebug("sources_found", len(sources))
}

func (o *Orchestrator) summary(ctx context.Context, logger *slog.Logger, text string) result.Result {
	const intent = "utility.summary"
	if text == "" {
		return result.Refused("Usage: summary: <text> or /summary <text>.", intent)
	}
	if o.deps.LLM == nil {
		return notConfigured(intent)
	}
	prompt := o.deps.Composer.Compose(composer.Request{Kind: composer.KindSummary, Question: text})
	c, err := o.complete(ctx, logger, "llm", prompt.Messages)
	if err != nil {
		return llmFailure(logger, intent, result.ModeLLM, err)
	}
	return result.OK(c.Text, result.ModeLLM, intent)
}

// document answers a question about an uploaded file.
func (o *Orchestrator) document(ctx context.Context, logger *slog.Logger, p profile.Profile, att result.Attachment, question string) result.Result {
	const intent = "document.qa"
	doc, err := extract.Extract(att.Name, att.MIME, att.Data)
	switch {
	case errors.Is(err, extract.ErrUnsupported):
		return result.Refused("I can only read PDF and plain-text files.", intent)
	case errors.Is(err, extract.ErrTooLarge):
		return result.Refused("That file is too large for me to read.", intent)
	case errors.Is(err, extract.ErrNoText):
		return result.Refused("I couldn't find any text in that file.", intent)
	case err != nil:
		logger.Warn("orchestrator: document extraction failed", "file", att.Name, "error", err)
		return result.Error(intent, err)
	}
	if o.deps.LLM == nil {
		return notConfigured(intent)
	}
	if question == "" {
		question = defaultDocumentQuestion
	}

	prompt := o.deps.Composer.Compose(composer.Request{
		Kind:           composer.KindDocument,
		Question:       question,
		Document:       doc.Text,
		ProfileSummary: profile.Summary(p, o.deps.Clock.Now()),
	})
	c, err := o.complete(ctx, logger, "llm", prompt.Messages)
	if err != nil {
		return llmFailure(logger, intent, result.ModeLLM, err)
	}
	r := result.OK(c.Text, result.ModeLLM, intent)
	if doc.Truncated {
		r = r.WithDebug("document_truncated", true)
	}
	return r
}

// complete calls the model with one retry on timeout. The call is read-only,
// so repeating it is safe.
func (o *Orchestrator) complete(ctx context.Context, logger *slog.Logger, collaborator string, msgs []llm.Message) (llm.Completion, error) {
	for attempt := 1; ; attempt++ {
		start := time.Now()
		c, err := o.deps.LLM.Complete(ctx, o.cfg.Model, msgs)
		observe(collaborator, start, err)
		if err == nil || attempt > 1 || !llm.IsTimeout(err) || ctx.Err() != nil {
			return c, err
		}
		logger.Warn("orchestrator: model timed out, retrying once", "error", err)
	}
}

func (o *Orchestrator) record(logger *slog.Logger, req Request, question, answer string) {
	if o.deps.History == nil {
		return
	}
	now := o.deps.Clock.Now()
	for _, t := range []storage.Turn{
		{OwnerID: req.OwnerID, ConversationID: req.ConversationID, Role: "user", Content: question, CreatedAt: now},
		{OwnerID: req.OwnerID, ConversationID: req.ConversationID, Role: "assistant", Content: answer, CreatedAt: now},
	} {
		if err := o.deps.History.AppendTurn(t); err != nil {
			logger.Warn("orchestrator: recording history failed", "error", err)
			return
		}
	}
	if err := o.deps.History.PruneTurns(req.OwnerID, req.ConversationID, o.cfg.HistoryTurns); err != nil {
		logger.Warn("orchestrator: pruning history failed", "error", err)
	}
}

func observe(collaborator string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.CollaboratorLatency.WithLabelValues(collaborator, status).Observe(time.Since(start).Seconds())
}

func notConfigured(intent string) result.Result {
	out := result.Refused("The language model is not configured.", intent)
	out.Mode = result.ModeLLM
	return out
}

func llmFailure(logger *slog.Logger, intent string, mode result.Mode, err error) result.Result {
	if errors.Is(err, llm.ErrNotConfigured) {
		return notConfigured(intent)
	}
	logger.Warn("orchestrator: model call failed", "intent", intent, "error", err)
	out := result.Error(intent, err)
	out.Mode = mode
	return out
}
