package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	vchat "github.com/vchat-io/vchat/sdk/golang"
)

func init() {
	rootCmd.AddCommand(roomsCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(editCmd)
	rootCmd.AddCommand(deleteCmd)
}

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List your conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		ctx, cancel := a.context()
		defer cancel()

		me, err := a.signIn(ctx)
		if err != nil {
			return err
		}
		convs, err := a.engine.LoadConversations(ctx)
		if err != nil {
			return fmt.Errorf("failed to load conversations: %w", err)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range convs {
			kind := "chat "
			if c.IsGroup() {
				kind = "group"
				if c.IsAdmin(me.ID) {
					kind = "admin"
				}
			}
			fmt.Printf("%s  %s  %s\n", c.ID, kind, conversationTitle(c, me.ID))
		}
		return nil
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Print the messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		ctx, cancel := a.context()
		defer cancel()

		if _, err := a.signIn(ctx); err != nil {
			return err
		}
		_, msgs, err := a.openRoom(ctx, args[0])
		if err != nil {
			return err
		}
		for _, m := range msgs {
			edited := ""
			if m.EditedAt != "" {
				edited = " (edited)"
			}
			fmt.Printf("[%s] %s: %s%s\n", m.ID, valueOrDefault(m.SenderID, "system"), m.Body, edited)
		}
		return nil
	},
}

var editCmd = &cobra.Command{
	Use:   "edit <conversation-id> <message-id> <body>",
	Short: "Edit a message",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		ctx, cancel := a.context()
		defer cancel()

		if _, err := a.signIn(ctx); err != nil {
			return err
		}
		_, msgs, err := a.openRoom(ctx, args[0])
		if err != nil {
			return err
		}
		body := strings.Join(args[2:], " ")
		for _, m := range msgs {
			if m.ID == args[1] {
				if err := flush(ctx, a.engine.EditMessage(ctx, m, body, nil)); err != nil {
					return fmt.Errorf("edit failed: %w", err)
				}
				fmt.Printf("Edited %s\n", m.ID)
				return nil
			}
		}
		return fmt.Errorf("message %s not found", args[1])
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <conversation-id> <message-id>...",
	Short: "Delete messages",
	Long:  "Delete one or more messages. Group admins may delete any message, everyone else only their own.",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		ctx, cancel := a.context()
		defer cancel()

		if _, err := a.signIn(ctx); err != nil {
			return err
		}
		room, msgs, err := a.openRoom(ctx, args[0])
		if err != nil {
			return err
		}
		defer room.Close()

		wanted := make(map[string]bool, len(args)-1)
		for _, id := range args[1:] {
			wanted[id] = true
		}
		for _, m := range msgs {
			if wanted[m.ID] {
				room.ToggleSelect(m)
				delete(wanted, m.ID)
			}
		}
		if len(wanted) > 0 {
			return fmt.Errorf("%d of the given messages not found", len(wanted))
		}

		err = flush(ctx, a.engine.DeleteSelectedMessages(ctx))
		if errors.Is(err, vchat.ErrPermissionDenied) {
			return fmt.Errorf("you can only delete your own messages in this conversation")
		}
		return err
	},
}
