package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	vchat "github.com/vchat-io/vchat/sdk/golang"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch [conversation-id]",
	Short: "Follow document changes live",
	Long:  "Connect to the realtime feed and print document changes. With a conversation id, its messages are reprinted whenever they change.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		ctx, cancel := a.context()
		if _, err := a.signIn(ctx); err != nil {
			cancel()
			return err
		}
		var room *vchat.Room
		if len(args) == 1 {
			room, _, err = a.openRoom(ctx, args[0])
			if err != nil {
				cancel()
				return err
			}
		}
		cancel()

		rt := vchat.NewRealtimeClient(a.cfg.Default.BaseURL, &vchat.RealtimeConfig{
			Token:         a.client.Token(),
			Project:       a.cfg.Default.Project,
			AutoReconnect: true,
		})
		a.engine.Watch(rt)
		rt.OnDocument(func(ev vchat.DocumentEvent) {
			fmt.Printf("%s  %s %s/%s\n", time.Now().Format(time.TimeOnly), ev.Type, ev.CollectionID, ev.DocumentID)
		})
		rt.OnReconnecting(func(attempt int, delay time.Duration) {
			fmt.Fprintf(os.Stderr, "reconnecting (attempt %d) in %s\n", attempt, delay.Round(time.Millisecond))
		})
		if room != nil {
			room.SubscribeMessages(func(e vchat.Entry[[]vchat.Message]) {
				if e.IsValidating || !e.HasData {
					return
				}
				fmt.Printf("-- %d messages\n", len(e.Data))
				for _, m := range e.Data {
					fmt.Printf("   [%s] %s\n", m.ID, m.Body)
				}
			})
		}

		sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		if err := rt.Connect(sigCtx); err != nil {
			return err
		}
		fmt.Println("Watching, press Ctrl-C to stop.")
		<-sigCtx.Done()
		return rt.Disconnect()
	},
}
