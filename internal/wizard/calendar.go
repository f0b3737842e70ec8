package wizard

import (
	"context"
	"fmt"

	"github.com/kalambet/aide/internal/reminder"
)

// SchedulerCalendar keeps calendar entries as one-off reminders firing at
// the event start.
type SchedulerCalendar struct {
	Reminders Reminders
}

// AddEvent implements Calendar.
func (c SchedulerCalendar) AddEvent(_ context.Context, ownerID, conversationID string, ev CalendarEvent) error {
	_, err := c.Reminders.Create(reminder.Event{
		OwnerID:        ownerID,
		ConversationID: conversationID,
		FireAt:         ev.Start,
		Payload:        "Event: " + ev.Title,
		Recurrence:     reminder.Recurrence{Kind: reminder.KindNone},
		TimeZone:       ev.TimeZone,
	})
	if err != nil {
		return fmt.Errorf("adding calendar event: %w", err)
	}
	return nil
}
