package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd, conversationsCmd, presenceCmd, messagesCmd,
		selectCmd, focusCmd, retryCmd, watchCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the daemon's sync status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		st, err := newClient().Status(ctx)
		if err != nil {
			return daemonError(err)
		}
		if jsonOutput {
			outputJSON(st)
			return nil
		}
		fmt.Printf("Profile:       %s\n", st.Profile)
		fmt.Printf("User:          %s\n", st.UserID)
		fmt.Printf("State:         %s\n", st.State)
		fmt.Printf("Conversations: %d\n", st.Conversations)
		fmt.Printf("Contacts:      %d\n", st.Contacts)
		if st.SelectedID != "" {
			fmt.Printf("Selected:      %s\n", st.SelectedID)
		}
		fmt.Printf("Foreground:    %v\n", st.Foreground)
		if info, err := lock.Read(profile.Dir(profileFlag)); err == nil && info.PID != 0 {
			fmt.Printf("Daemon PID:    %d (since %s)\n", info.PID, info.Started.Local().Format(time.DateTime))
		}
		return nil
	},
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations, most recent first",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		convs, err := newClient().Conversations(ctx)
		if err != nil {
			return daemonError(err)
		}
		if jsonOutput {
			outputJSON(convs)
			return nil
		}
		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range convs {
			fmt.Printf("%-24s %-19s %-30s %s\n", c.ID, formatMillis(c.UpdatedAt), strings.Join(c.Participants, ","), c.LastMessage)
		}
		return nil
	},
}

var presenceCmd = &cobra.Command{
	Use:   "presence",
	Short: "Show presence of every contact",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		list, err := newClient().Presence(ctx)
		if err != nil {
			return daemonError(err)
		}
		if jsonOutput {
			outputJSON(list)
			return nil
		}
		for _, p := range list {
			state := "offline"
			if p.Online {
				state = "online"
			}
			fmt.Printf("%-24s %-8s last seen %s\n", p.UserID, state, formatMillis(p.LastSeen))
		}
		return nil
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "Show messages of the selected conversation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		resp, err := newClient().Messages(ctx)
		if err != nil {
			return daemonError(err)
		}
		if jsonOutput {
			outputJSON(resp)
			return nil
		}
		if resp.ConversationID == "" {
			fmt.Println("No conversation selected.")
			return nil
		}
		if resp.Loading {
			fmt.Println("Loading...")
			return nil
		}
		for _, m := range resp.Messages {
			fmt.Printf("[%s] %s: %s\n", formatMillis(m.Timestamp), m.SenderName, m.Text)
		}
		return nil
	},
}

var selectCmd = &cobra.Command{
	Use:   "select [conversation-id]",
	Short: "Select a conversation; no id clears the selection",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := ""
		if len(args) == 1 {
			id = args[0]
		}
		ctx, cancel := requestContext(cmd)
		defer cancel()
		if err := newClient().Select(ctx, id); err != nil {
			return daemonError(err)
		}
		return nil
	},
}

var focusCmd = &cobra.Command{
	Use:       "focus <on|off>",
	Short:     "Mark the client window as foreground or background",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		on, err := parseOnOff(args[0])
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(cmd)
		defer cancel()
		if err := newClient().Focus(ctx, on); err != nil {
			return daemonError(err)
		}
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Restart synchronization after an error",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		if err := newClient().Retry(ctx); err != nil {
			return daemonError(err)
		}
		fmt.Println("Sync restarted.")
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream daemon events until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		err := newClient().Watch(ctx, func(env api.Envelope) error {
			if jsonOutput {
				outputJSON(env)
				return nil
			}
			at := time.UnixMilli(env.OccurredAtUnixMs).Format("15:04:05.000")
			fmt.Printf("%s %-24s %s\n", at, env.Kind, env.Payload)
			return nil
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if err != nil {
			return daemonError(err)
		}
		return nil
	},
}

// daemonError adds a hint when nothing is listening on the profile's socket.
func daemonError(err error) error {
	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		return err
	}
	if _, lerr := lock.Read(profile.Dir(profileFlag)); lerr != nil {
		return fmt.Errorf("daemon for profile %q is not running (start chatsyncd --profile %s): %w", profileFlag, profileFlag, err)
	}
	return fmt.Errorf("cannot reach daemon for profile %q: %w", profileFlag, err)
}

func parseOnOff(s string) (bool, error) {
	switch s {
	case "on":
		return true, nil
	case "off":
		return false, nil
	default:
		return false, fmt.Errorf("want on or off, got %q", s)
	}
}

func formatMillis(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(ms).Format("2006-01-02 15:04:05")
}
