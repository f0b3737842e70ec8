package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/aide/internal/orchestrator"
	"github.com/kalambet/aide/internal/reminder"
	"github.com/kalambet/aide/internal/result"
)

const maxListedReminders = 50

// NewMCPServer creates an MCP server exposing reminders and the assistant as
// tools.
func NewMCPServer(deps Deps) *server.MCPServer {
	if deps.Clock == nil {
		deps.Clock = realClock{}
	}
	s := server.NewMCPServer(
		"aide",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("aide: personal assistant with reminders, sourced answers and local utilities."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_reminders",
			mcp.WithDescription("List an owner's reminders, soonest first."),
			mcp.WithString("owner_id", mcp.Description("Owner whose reminders to list"), mcp.Required()),
			mcp.WithBoolean("all", mcp.Description("Include fired and cancelled reminders")),
		),
		mcpListReminders(deps),
	)

	s.AddTool(
		mcp.NewTool("create_reminder",
			mcp.WithDescription("Schedule a reminder. The time may be RFC 3339 or a phrase such as \"tomorrow 9:00\"."),
			mcp.WithString("owner_id", mcp.Description("Owner of the reminder"), mcp.Required()),
			mcp.WithString("conversation_id", mcp.Description("Conversation to deliver to (defaults to owner_id)")),
			mcp.WithString("text", mcp.Description("Reminder text"), mcp.Required()),
			mcp.WithString("at", mcp.Description("When to fire"), mcp.Required()),
			mcp.WithString("recurrence", mcp.Description("Optional: daily, weekdays, weekly, monthly, every mon, thu")),
		),
		mcpCreateReminder(deps),
	)

	s.AddTool(
		mcp.NewTool("snooze_reminder",
			mcp.WithDescription("Postpone a reminder by a number of minutes."),
			mcp.WithString("owner_id", mcp.Description("Owner of the reminder"), mcp.Required()),
			mcp.WithString("id", mcp.Description("Reminder id"), mcp.Required()),
			mcp.WithNumber("minutes", mcp.Description("Delay in minutes (default 10)")),
		),
		mcpSnoozeReminder(deps),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Send a message to the assistant as an owner and return its reply."),
			mcp.WithString("owner_id", mcp.Description("Owner sending the message"), mcp.Required()),
			mcp.WithString("conversation_id", mcp.Description("Conversation (defaults to owner_id)")),
			mcp.WithString("text", mcp.Description("Message text"), mcp.Required()),
		),
		mcpAsk(deps),
	)

	return s
}

func mcpListReminders(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		owner, err := req.RequireString("owner_id")
		if err != nil {
			return mcpError("owner_id is required"), nil
		}
		evs, err := deps.Reminders.List(owner, req.GetBool("all", false))
		if err != nil {
			return mcpError(fmt.Sprintf("listing reminders failed: %v", err)), nil
		}
		if len(evs) == 0 {
			return mcpText("[]"), nil
		}
		if len(evs) > maxListedReminders {
			evs = evs[:maxListedReminders]
		}

		type reminderSummary struct {
			ID         string `json:"id"`
			Text       string `json:"text"`
			FireAt     string `json:"fire_at"`
			Recurrence string `json:"recurrence"`
			Status     string `json:"status"`
		}
		out := make([]reminderSummary, len(evs))
		for i, ev := range evs {
			out[i] = reminderSummary{
				ID:         ev.ID,
				Text:       ev.Payload,
				FireAt:     ev.FireAt.In(ev.Location()).Format(time.RFC3339),
				Recurrence: ev.Recurrence.String(),
				Status:     string(ev.Status),
			}
		}
		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal reminders: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpCreateReminder(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		owner, err := req.RequireString("owner_id")
		if err != nil {
			return mcpError("owner_id is required"), nil
		}
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}
		at, err := req.RequireString("at")
		if err != nil {
			return mcpError("at is required"), nil
		}

		ev, err := createReminder(deps, CreateReminderRequest{
			OwnerID:        owner,
			ConversationID: req.GetString("conversation_id", ""),
			Text:           text,
			At:             at,
			Recurrence:     req.GetString("recurrence", ""),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("creating reminder failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Created reminder %s: %s", ev.ID, ev.Describe())), nil
	}
}

func mcpSnoozeReminder(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		owner, err := req.RequireString("owner_id")
		if err != nil {
			return mcpError("owner_id is required"), nil
		}
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		minutes := req.GetInt("minutes", int(reminder.DefaultSnooze/time.Minute))
		if minutes <= 0 {
			return mcpError("minutes must be positive"), nil
		}

		ev, err := deps.Reminders.Snooze(owner, id, time.Duration(minutes)*time.Minute)
		switch {
		case errors.Is(err, reminder.ErrNotFound):
			return mcpError("reminder not found"), nil
		case err != nil:
			return mcpError(fmt.Sprintf("snooze failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Snoozed until %s", ev.FireAt.In(ev.Location()).Format(time.RFC3339))), nil
	}
}

func mcpAsk(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		owner, err := req.RequireString("owner_id")
		if err != nil {
			return mcpError("owner_id is required"), nil
		}
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}
		conv := req.GetString("conversation_id", "")
		if conv == "" {
			conv = owner
		}

		res := deps.Assistant.Handle(ctx, orchestrator.Request{OwnerID: owner, ConversationID: conv, Text: text})
		out := res.Text
		if len(res.Sources) > 0 {
			out += "\n\n" + result.FormatSources(res.Sources)
		}
		if res.Status == result.StatusError {
			return mcpError(out), nil
		}
		return mcpText(out), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
