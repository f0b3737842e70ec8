package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/kalambet/aide/internal/config"
	"github.com/kalambet/aide/internal/llm"
	"github.com/kalambet/aide/internal/reminder"
	"github.com/kalambet/aide/internal/result"
	"github.com/kalambet/aide/internal/transport"
)

// identity is who the CLI speaks as. The conversation defaults to the
// owner, which is how direct chats are keyed.
type identity struct {
	owner        string
	conversation string
}

func addIdentityFlags(cmd *cobra.Command) {
	cmd.Flags().String("owner", envOr("AIDE_OWNER", "cli"), "owner ID to act as")
	cmd.Flags().String("conversation", "", "conversation ID (default: the owner ID)")
}

func identityFrom(cmd *cobra.Command) identity {
	owner, _ := cmd.Flags().GetString("owner")
	conv, _ := cmd.Flags().GetString("conversation")
	if conv == "" {
		conv = owner
	}
	return identity{owner: owner, conversation: conv}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat <message>",
	Short: "Send one message to the assistant",
	Long: `Send one message to the assistant and print the reply.

Examples:
  aide chat /menu
  aide chat remind me tomorrow 9:00 to call mom
  aide chat --file ./report.pdf "what are the key numbers?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := identityFrom(cmd)
		file, _ := cmd.Flags().GetString("file")

		req := map[string]any{
			"owner_id":        id.owner,
			"conversation_id": id.conversation,
			"text":            strings.Join(args, " "),
		}
		if file != "" {
			att, err := attachmentFromFile(file)
			if err != nil {
				return err
			}
			req["attachments"] = []result.Attachment{att}
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return sendAndPrint(cmd.Context(), client, "/v1/messages", req, cmd.OutOrStdout())
	},
}

var pressCmd = &cobra.Command{
	Use:   "press <callback>",
	Short: "Press a button from an earlier reply",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := identityFrom(cmd)
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return sendAndPrint(cmd.Context(), client, "/v1/callbacks", map[string]any{
			"owner_id":        id.owner,
			"conversation_id": id.conversation,
			"callback":        args[0],
		}, cmd.OutOrStdout())
	},
}

func init() {
	addIdentityFlags(chatCmd)
	chatCmd.Flags().String("file", "", "attach a document (PDF or text)")
	addIdentityFlags(pressCmd)
	rootCmd.AddCommand(pressCmd)
}

func sendAndPrint(ctx context.Context, client *apiClient, path string, body any, w io.Writer) error {
	resp, err := client.post(ctx, path, body)
	if err != nil {
		return err
	}
	var msg transport.Message
	if err := decodeJSON(resp, &msg); err != nil {
		return err
	}
	printMessage(w, msg)
	return nil
}

func attachmentFromFile(path string) (result.Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return result.Attachment{}, fmt.Errorf("reading file: %w", err)
	}
	return result.Attachment{Name: filepath.Base(path), Data: data}, nil
}

// --- reminders ---

var remindersCmd = &cobra.Command{
	Use:     "reminders",
	Aliases: []string{"r"},
	Short:   "Manage reminders",
}

var remindersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List reminders",
	RunE: func(cmd *cobra.Command, args []string) error {
		id := identityFrom(cmd)
		all, _ := cmd.Flags().GetBool("all")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		extra := []string{}
		if all {
			extra = append(extra, "all", "true")
		}
		resp, err := client.get(cmd.Context(), ownerPath("/v1/reminders", id.owner, extra...))
		if err != nil {
			return err
		}
		var evs []reminder.Event
		if err := decodeJSON(resp, &evs); err != nil {
			return err
		}
		if len(evs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No reminders.")
			return nil
		}
		renderReminders(cmd.OutOrStdout(), evs)
		return nil
	},
}

func renderReminders(w io.Writer, evs []reminder.Event) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"ID", "When", "Repeats", "Status", "Text"})
	for _, ev := range evs {
		tw.AppendRow(table.Row{
			ev.ID,
			ev.FireAt.In(ev.Location()).Format("Mon 02 Jan 15:04"),
			ev.Recurrence.String(),
			ev.Status,
			truncate(ev.Payload, 60),
		})
	}
	tw.Render()
}

var remindersAddCmd = &cobra.Command{
	Use:   "add <when> [text]",
	Short: "Create a reminder",
	Long: `Create a reminder. <when> is an RFC 3339 time or a phrase such as
"tomorrow 9:00" or "in 2 hours"; words after the time become the text.

Examples:
  aide reminders add "friday 10:00 dentist"
  aide reminders add "tomorrow 7:30" "stand-up" --every "every weekday"`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := identityFrom(cmd)
		every, _ := cmd.Flags().GetString("every")

		req := map[string]any{
			"owner_id":        id.owner,
			"conversation_id": id.conversation,
			"at":              args[0],
			"recurrence":      every,
		}
		if len(args) == 2 {
			req["text"] = args[1]
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/reminders", req)
		if err != nil {
			return err
		}
		var ev reminder.Event
		if err := decodeJSON(resp, &ev); err != nil {
			return err
		}
		printSuccess("Reminder %s set for %s", ev.ID, ev.FireAt.In(ev.Location()).Format("Mon 02 Jan 15:04 MST"))
		return nil
	},
}

var remindersSnoozeCmd = &cobra.Command{
	Use:   "snooze <id>",
	Short: "Push a reminder back",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := identityFrom(cmd)
		minutes, _ := cmd.Flags().GetInt("minutes")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := ownerPath("/v1/reminders/"+url.PathEscape(args[0])+"/snooze", id.owner)
		resp, err := client.post(cmd.Context(), path, map[string]int{"minutes": minutes})
		if err != nil {
			return err
		}
		var ev reminder.Event
		if err := decodeJSON(resp, &ev); err != nil {
			return err
		}
		printSuccess("Snoozed until %s", ev.FireAt.In(ev.Location()).Format("15:04"))
		return nil
	},
}

var remindersToggleCmd = &cobra.Command{
	Use:   "toggle <id>",
	Short: "Pause or resume a reminder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := identityFrom(cmd)
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), ownerPath("/v1/reminders/"+url.PathEscape(args[0])+"/toggle", id.owner), nil)
		if err != nil {
			return err
		}
		var ev reminder.Event
		if err := decodeJSON(resp, &ev); err != nil {
			return err
		}
		printSuccess("Reminder %s is now %s", ev.ID, ev.Status)
		return nil
	},
}

var remindersDeleteCmd = &cobra.Command{
	Use:     "delete <id>",
	Aliases: []string{"rm"},
	Short:   "Delete a reminder",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := identityFrom(cmd)
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), ownerPath("/v1/reminders/"+url.PathEscape(args[0]), id.owner))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Deleted %s", args[0])
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{remindersListCmd, remindersAddCmd, remindersSnoozeCmd, remindersToggleCmd, remindersDeleteCmd} {
		addIdentityFlags(c)
		remindersCmd.AddCommand(c)
	}
	remindersListCmd.Flags().Bool("all", false, "include fired and paused reminders")
	remindersAddCmd.Flags().String("every", "", `recurrence, e.g. "daily", "every weekday", "every 2 weeks"`)
	remindersSnoozeCmd.Flags().Int("minutes", 0, "delay in minutes (default: the standard snooze)")
}

// --- models ---

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List models offered by the configured LLM API",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter, _ := cmd.Flags().GetString("filter")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		models, err := llm.NewClient(cfg.LLM.APIKey, cfg.LLM.BaseURL, cfg.LLM.Timeout).ListModels(cmd.Context())
		if err != nil {
			return err
		}
		renderModels(cmd.OutOrStdout(), models, filter, cfg.LLM.Model, cfg.LLM.SearchModel)
		return nil
	},
}

func renderModels(w io.Writer, models []llm.Model, filter string, inUse ...string) {
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Model", "Owner", ""})
	for _, m := range models {
		if filter != "" && !strings.Contains(m.ID, filter) {
			continue
		}
		mark := ""
		for _, u := range inUse {
			if m.ID == u {
				mark = "in use"
			}
		}
		tw.AppendRow(table.Row{m.ID, m.OwnedBy, mark})
	}
	tw.Render()
}

func init() {
	modelsCmd.Flags().String("filter", "", "only show models whose ID contains this text")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value so its default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

var configSetSecretCmd = &cobra.Command{
	Use:   "set-secret <api_token|llm_api_key> [value]",
	Short: "Store a secret (reads stdin when value is omitted)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		value := ""
		if len(args) == 2 {
			value = args[1]
		} else {
			data, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), 4096))
			if err != nil {
				return fmt.Errorf("reading secret: %w", err)
			}
			value = strings.TrimSpace(string(data))
		}
		if value == "" {
			return fmt.Errorf("empty value for %s", args[0])
		}
		if err := config.SetSecret(args[0], value); err != nil {
			return err
		}
		printSuccess("Stored %s", args[0])
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List settable configuration keys",
	Run: func(cmd *cobra.Command, args []string) {
		for _, k := range config.ValidKeys() {
			fmt.Fprintln(cmd.OutOrStdout(), k)
		}
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
	configCmd.AddCommand(configSetSecretCmd)
	configCmd.AddCommand(configKeysCmd)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
