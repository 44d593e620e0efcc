package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"tasksync/internal/app"
)

func watchCmd() *cobra.Command {
	var f listFlags
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep a live session open and reprint tasks on every change",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := f.options()
			if err != nil {
				return err
			}
			return withClient(cmd.Context(), opts, func(ctx context.Context, c *app.Client) error {
				s := c.Session
				render := func() error {
					crit, order := s.Criteria()
					if err := renderPartition(s.Projection(), s.Directory, criteriaLabel(crit, order)); err != nil {
						return err
					}
					if !jsonOutput() {
						fmt.Printf("%d unread notification(s)\n\n", s.UnreadCount())
					}
					return nil
				}
				if err := render(); err != nil {
					return err
				}
				for {
					select {
					case <-ctx.Done():
						return nil
					case w := <-s.Warnings():
						fmt.Fprintf(os.Stderr, "warning: %v\n", w)
					case <-s.Changes():
						if err := render(); err != nil {
							return err
						}
					}
				}
			})
		},
	}
	f.register(cmd)
	return cmd
}
