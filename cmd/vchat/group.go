package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	vchat "github.com/vchat-io/vchat/sdk/golang"
)

var (
	groupDescription string
	groupAvatarURL   string
	groupMembers     []string
)

func init() {
	groupCreateCmd.Flags().StringVar(&groupDescription, "description", "", "Group description")
	groupCreateCmd.Flags().StringVar(&groupAvatarURL, "avatar-url", "", "Group avatar URL")
	groupCreateCmd.Flags().StringSliceVar(&groupMembers, "member", nil, "User details id of a member (repeatable)")

	groupCmd.AddCommand(groupCreateCmd)
	groupCmd.AddCommand(groupLeaveCmd)
	groupCmd.AddCommand(groupDeleteCmd)
	rootCmd.AddCommand(groupCmd)
}

var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Create, leave or delete conversations",
}

var groupCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a group with you as its admin",
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
		// the placeholder goes into the cached list, so load it first
		if _, err := a.engine.LoadConversations(ctx); err != nil {
			return fmt.Errorf("failed to load conversations: %w", err)
		}
		return flush(ctx, a.engine.CreateGroup(ctx, vchat.GroupInput{
			Name:        args[0],
			Description: groupDescription,
			AvatarURL:   groupAvatarURL,
			Members:     groupMembers,
		}, nil))
	},
}

var groupLeaveCmd = &cobra.Command{
	Use:   "leave <group-id>",
	Short: "Leave a group",
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
		conv, err := a.conversation(ctx, args[0])
		if err != nil {
			return err
		}
		if err := flush(ctx, a.engine.LeaveGroup(ctx, conv)); err != nil {
			return err
		}
		fmt.Printf("Left %s\n", valueOrDefault(conv.Name, conv.ID))
		return nil
	},
}

var groupDeleteCmd = &cobra.Command{
	Use:   "delete <conversation-id>",
	Short: "Delete a conversation for everyone",
	Long:  "Delete a direct chat, or a group you administer, together with its records on the server.",
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
		conv, err := a.conversation(ctx, args[0])
		if err != nil {
			return err
		}
		err = flush(ctx, a.engine.DeleteConversation(ctx, conv))
		if errors.Is(err, vchat.ErrPermissionDenied) {
			return fmt.Errorf("only group admins can delete a group")
		}
		if err != nil {
			return err
		}
		fmt.Printf("Deleted %s\n", conv.ID)
		return nil
	},
}
