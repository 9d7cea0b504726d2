package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/spf13/cobra"
)

// The local commands write to the profile's SQLite store directly. A running
// daemon picks the changes up like any other writer's.

var (
	localSender      string
	localSenderName  string
	localGroup       bool
	localNames       []string
	localOwner       string
	localUpdatedAt   int64
	localLastSeen    int64
	localNoSentSound bool
)

var localCmd = &cobra.Command{
	Use:   "local",
	Short: "Write records to the profile's local store",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := rootCmd.PersistentPreRunE(cmd, args); err != nil {
			return err
		}
		cfg, err := profile.Load(profileFlag)
		if err != nil {
			return err
		}
		if cfg.Backend != config.BackendLocal {
			return fmt.Errorf("profile %q uses the %s backend", profileFlag, cfg.Backend)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(localCmd)
	localCmd.AddCommand(localPutConversationCmd, localJoinCmd, localLeaveCmd,
		localSendCmd, localPresenceCmd, localTypingCmd)

	localPutConversationCmd.Flags().StringSliceVar(&localNames, "name", nil, "participant display name as id=name (repeatable)")
	localPutConversationCmd.Flags().BoolVar(&localGroup, "group", false, "mark as a group conversation")
	localPutConversationCmd.Flags().StringVar(&localOwner, "owner", "", "group owner id")
	localPutConversationCmd.Flags().Int64Var(&localUpdatedAt, "updated-at", 0, "update timestamp in epoch ms (default now)")

	localSendCmd.Flags().StringVar(&localSender, "from", "", "sender id (default the profile's user)")
	localSendCmd.Flags().StringVar(&localSenderName, "as", "", "sender display name (default from the conversation)")
	localSendCmd.Flags().BoolVar(&localNoSentSound, "quiet", false, "do not ask the daemon to play the sent cue")

	localPresenceCmd.Flags().Int64Var(&localLastSeen, "last-seen", 0, "last seen in epoch ms (default now)")
}

func openLocal() (*store.DB, *config.Profile, error) {
	cfg, err := profile.Load(profileFlag)
	if err != nil {
		return nil, nil, err
	}
	db, err := store.OpenMigrated(cfg.Local.DBPath)
	if err != nil {
		return nil, nil, err
	}
	return db, cfg, nil
}

// withLocal runs fn against the profile's store.
func withLocal(cmd *cobra.Command, fn func(ctx context.Context, db *store.DB, cfg *config.Profile) error) error {
	db, cfg, err := openLocal()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	ctx, cancel := requestContext(cmd)
	defer cancel()
	return fn(ctx, db, cfg)
}

var localPutConversationCmd = &cobra.Command{
	Use:   "put-conversation <id> <participant>...",
	Short: "Create or replace a conversation record",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		names, err := parseNames(localNames)
		if err != nil {
			return err
		}
		updatedAt := localUpdatedAt
		if updatedAt == 0 {
			updatedAt = time.Now().UnixMilli()
		}
		c := &remote.Conversation{
			ID:               args[0],
			Participants:     args[1:],
			ParticipantNames: names,
			IsGroup:          localGroup || len(args[1:]) > 2,
			UpdatedAt:        updatedAt,
			OwnerID:          localOwner,
		}
		return withLocal(cmd, func(ctx context.Context, db *store.DB, _ *config.Profile) error {
			return db.PutConversation(ctx, c)
		})
	},
}

var localJoinCmd = &cobra.Command{
	Use:   "join <conversation-id> [user-id]",
	Short: "Add a conversation to a user's index (default the profile's user)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLocal(cmd, func(ctx context.Context, db *store.DB, cfg *config.Profile) error {
			return db.AddMembership(ctx, userArg(args, 1, cfg), args[0])
		})
	},
}

var localLeaveCmd = &cobra.Command{
	Use:   "leave <conversation-id> [user-id]",
	Short: "Remove a conversation from a user's index (default the profile's user)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLocal(cmd, func(ctx context.Context, db *store.DB, cfg *config.Profile) error {
			return db.RemoveMembership(ctx, userArg(args, 1, cfg), args[0])
		})
	},
}

var localSendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>...",
	Short: "Append a message and update the conversation's last message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var sent remote.Message
		var own bool
		err := withLocal(cmd, func(ctx context.Context, db *store.DB, cfg *config.Profile) error {
			sender := localSender
			if sender == "" {
				sender = cfg.UserID
			}
			if sender == "" {
				return errors.New("no sender: pass --from or set user_id in the profile")
			}
			own = sender == cfg.UserID
			name := localSenderName
			switch {
			case name != "":
			case own && cfg.DisplayName != "":
				name = cfg.DisplayName
			default:
				name = sender
				if c, err := db.GetConversation(ctx, args[0]); err == nil && c != nil {
					name = c.NameOf(sender)
				}
			}
			var err error
			sent, err = db.AppendMessage(ctx, args[0], remote.Message{
				SenderID:   sender,
				SenderName: name,
				Text:       strings.Join(args[1:], " "),
			})
			return err
		})
		if err != nil {
			return err
		}
		if own && !localNoSentSound {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			// The daemon may not be running; the message is stored either way.
			_ = newClient().MarkSent(ctx)
		}
		if jsonOutput {
			outputJSON(api.Message{ID: sent.ID, Message: sent})
			return nil
		}
		fmt.Println(sent.ID)
		return nil
	},
}

var localPresenceCmd = &cobra.Command{
	Use:   "presence <user-id> <on|off>",
	Short: "Write a user's presence record",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		online, err := parseOnOff(args[1])
		if err != nil {
			return err
		}
		lastSeen := localLastSeen
		if lastSeen == 0 {
			lastSeen = time.Now().UnixMilli()
		}
		return withLocal(cmd, func(ctx context.Context, db *store.DB, _ *config.Profile) error {
			return db.PutPresence(ctx, remote.Presence{UserID: args[0], Online: online, LastSeen: lastSeen})
		})
	},
}

var localTypingCmd = &cobra.Command{
	Use:   "typing <conversation-id> <user-id> <on|off>",
	Short: "Set a participant's typing flag",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		typing, err := parseOnOff(args[2])
		if err != nil {
			return err
		}
		return withLocal(cmd, func(ctx context.Context, db *store.DB, _ *config.Profile) error {
			return db.SetTyping(ctx, args[0], args[1], typing)
		})
	},
}

func userArg(args []string, i int, cfg *config.Profile) string {
	if len(args) > i {
		return args[i]
	}
	return cfg.UserID
}

// parseNames turns id=name pairs into a participant name map.
func parseNames(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	names := make(map[string]string, len(pairs))
	for _, p := range pairs {
		id, name, ok := strings.Cut(p, "=")
		if !ok || id == "" {
			return nil, fmt.Errorf("invalid --name %q, want id=name", p)
		}
		names[id] = name
	}
	return names, nil
}
