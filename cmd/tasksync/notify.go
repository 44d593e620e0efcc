package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"tasksync/internal/app"
)

func notificationsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "notifications", Aliases: []string{"notes"}, Short: "Your notifications"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List your notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), app.Options{}, func(ctx context.Context, c *app.Client) error {
				return renderNotifications(c.Session.Notifications.All(), c.Session.UnreadCount())
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "read <id>",
		Short: "Mark a notification read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), app.Options{}, func(ctx context.Context, c *app.Client) error {
				if err := c.Session.MarkRead(ctx, args[0]); err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(map[string]any{"read": args[0], "unread": c.Session.UnreadCount()})
				}
				fmt.Printf("Marked %s read, %d unread\n", args[0], c.Session.UnreadCount())
				return nil
			})
		},
	})
	return cmd
}

func activityCmd() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "activity",
		Short: "Show the hub's recent activity log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), app.Options{}, func(ctx context.Context, c *app.Client) error {
				if err := c.Session.RequestActivity(ctx); err != nil {
					return err
				}
				timeout := time.After(wait)
				for c.Session.Activity.Len() == 0 {
					select {
					case <-c.Session.Changes():
					case <-timeout:
						return renderActivity(nil, c.Session.Directory)
					case <-ctx.Done():
						return ctx.Err()
					}
				}
				return renderActivity(c.Session.Activity.All(), c.Session.Directory)
			})
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 5*time.Second, "how long to wait for the log")
	return cmd
}
