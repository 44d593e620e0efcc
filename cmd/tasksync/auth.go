package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"tasksync/internal/app"
	"tasksync/internal/domain"
)

func loginCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "login <username>",
		Short: "Get a token from a development hub and store it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ident, err := app.Login(cmd.Context(), cfg, args[0], domain.ParseRole(role))
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(ident)
			}
			fmt.Printf("Logged in as %s (%s, id %s)\n", ident.Username, ident.Role, ident.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", string(domain.RoleUser), "role to request (User or Admin)")
	return cmd
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return app.Logout(cfg)
		},
	}
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the identity of the stored token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ident, err := app.Whoami(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(ident)
			}
			fmt.Printf("%s (%s, id %s)\n", ident.Username, ident.Role, ident.ID)
			return nil
		},
	}
}
