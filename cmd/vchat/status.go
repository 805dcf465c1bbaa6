package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	vchat "github.com/vchat-io/vchat/sdk/golang"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and session status",
	Long:  "Display the current configuration, check whether the cached session token has expired, and load the signed-in user.",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", a.cfg.Default.BaseURL)
		fmt.Printf("  Project:     %s\n", valueOrDefault(a.cfg.Default.Project, "(not set)"))
		fmt.Printf("  Database:    %s\n", a.engine.Config().DatabaseID)

		ctx, cancel := a.context()
		defer cancel()

		fmt.Println()
		fmt.Println("Session:")
		details, err := a.signIn(ctx)
		if err != nil {
			fmt.Printf("  %v\n", err)
			return nil
		}
		st := a.engine.Session().State()
		fmt.Printf("  User:        %s <%s>\n", st.CurrentUser.Name, st.CurrentUser.Email)
		fmt.Printf("  User ID:     %s\n", st.CurrentUser.ID)
		fmt.Printf("  Details ID:  %s\n", details.ID)
		fmt.Printf("  Route:       %s\n", valueOrDefault(a.lastRoute(), "-"))

		tokenStatus := "none"
		if token := a.client.Token(); token != "" {
			tokenStatus = "present (no expiry) " + maskToken(token)
			if exp, ok := vchat.TokenExpiry(token); ok {
				if time.Now().Before(exp) {
					tokenStatus = fmt.Sprintf("valid (expires %s)", exp.Format(time.RFC3339))
				} else {
					tokenStatus = fmt.Sprintf("EXPIRED (expired %s)", exp.Format(time.RFC3339))
				}
			}
		}
		fmt.Printf("  Token:       %s\n", tokenStatus)
		return nil
	},
}
