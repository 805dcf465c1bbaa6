package main

import (
	"fmt"

	"github.com/spf13/cobra"
	vchat "github.com/vchat-io/vchat/sdk/golang"
)

var (
	profileName     string
	profileAbout    string
	profileLocation string
)

func init() {
	profileSetCmd.Flags().StringVar(&profileName, "name", "", "Display name")
	profileSetCmd.Flags().StringVar(&profileAbout, "about", "", "About text")
	profileSetCmd.Flags().StringVar(&profileLocation, "location", "", "Location")

	profileCmd.AddCommand(profileShowCmd)
	profileCmd.AddCommand(profileSetCmd)
	rootCmd.AddCommand(profileCmd)
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Show or edit your profile",
}

var profileShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print your profile",
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
		if err := a.engine.RefreshUserDetails(ctx); err != nil {
			return err
		}
		printDetails(a.engine.Session().State().CurrentUserDetails)
		return nil
	},
}

var profileSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Update your profile",
	RunE: func(cmd *cobra.Command, args []string) error {
		var patch vchat.DetailsPatch
		if cmd.Flags().Changed("name") {
			patch.Name = &profileName
		}
		if cmd.Flags().Changed("about") {
			patch.About = &profileAbout
		}
		if cmd.Flags().Changed("location") {
			patch.Location = &profileLocation
		}
		if patch.Name == nil && patch.About == nil && patch.Location == nil {
			return fmt.Errorf("nothing to update; pass --name, --about or --location")
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		ctx, cancel := a.context()
		defer cancel()

		if _, err := a.signIn(ctx); err != nil {
			return err
		}
		if err := flush(ctx, a.engine.UpdateUserDetails(ctx, patch)); err != nil {
			return err
		}
		printDetails(a.engine.Session().State().CurrentUserDetails)
		return nil
	},
}

func printDetails(d *vchat.UserDetails) {
	fmt.Printf("Name:      %s\n", d.Name)
	fmt.Printf("About:     %s\n", valueOrDefault(d.About, "-"))
	fmt.Printf("Location:  %s\n", valueOrDefault(d.Location, "-"))
	fmt.Printf("ID:        %s\n", d.ID)
}
