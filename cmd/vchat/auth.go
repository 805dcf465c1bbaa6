package main

import (
	"fmt"

	"github.com/spf13/cobra"
	vchat "github.com/vchat-io/vchat/sdk/golang"
)

var (
	authEmail    string
	authPassword string
	authName     string
)

func init() {
	for _, cmd := range []*cobra.Command{loginCmd, registerCmd} {
		cmd.Flags().StringVar(&authEmail, "email", "", "Account email")
		cmd.Flags().StringVar(&authPassword, "password", "", "Account password")
		_ = cmd.MarkFlagRequired("email")
		_ = cmd.MarkFlagRequired("password")
	}
	registerCmd.Flags().StringVar(&authName, "name", "", "Display name")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(registerCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in and cache the session locally",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		ctx, cancel := a.context()
		defer cancel()

		if err := a.engine.LogIn(ctx, vchat.Credentials{Email: authEmail, Password: authPassword}).Wait(ctx); err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		st := a.engine.Session().State()
		fmt.Printf("Signed in as %s (%s)\n", st.CurrentUser.Name, st.CurrentUser.Email)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and forget the cached session",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		ctx, cancel := a.context()
		defer cancel()

		if _, err := a.signIn(ctx); err != nil {
			fmt.Println("Not signed in.")
			return nil
		}
		if err := a.engine.LogOut(ctx).Wait(ctx); err != nil {
			return fmt.Errorf("logout failed: %w", err)
		}
		fmt.Println("Signed out.")
		return nil
	},
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create an account and sign in",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		ctx, cancel := a.context()
		defer cancel()

		p := a.engine.Register(ctx, vchat.Registration{Email: authEmail, Password: authPassword, Name: authName})
		if err := flush(ctx, p); err != nil {
			return fmt.Errorf("registration failed: %w", err)
		}
		st := a.engine.Session().State()
		fmt.Printf("Registered %s, details document %s\n", st.CurrentUser.Email, st.CurrentUserDetails.ID)
		return nil
	},
}
