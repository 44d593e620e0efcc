package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"tasksync/internal/app"
	"tasksync/internal/domain"
	"tasksync/internal/view"
)

func tasksCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "tasks", Short: "List and change tasks"}
	cmd.AddCommand(tasksListCmd())
	cmd.AddCommand(tasksAddCmd())
	cmd.AddCommand(tasksUpdateCmd())
	cmd.AddCommand(tasksStatusCmd("done", "Mark a task Done", domain.StatusDone))
	cmd.AddCommand(tasksStatusCmd("undone", "Move a task back to To Do", domain.StatusToDo))
	cmd.AddCommand(tasksDeleteCmd())
	return cmd
}

type listFlags struct {
	status string
	due    string
	desc   bool
}

func (f *listFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.status, "status", "", "only tasks with this status (To Do, In Progress, Done)")
	cmd.Flags().StringVar(&f.due, "due", "", "only tasks due on this day (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&f.desc, "desc", false, "latest due date first")
}

func (f listFlags) options() (app.Options, error) {
	var opts app.Options
	if f.status != "" {
		st, ok := domain.ParseStatus(f.status)
		if !ok {
			return opts, fmt.Errorf("invalid --status %q", f.status)
		}
		opts.Criteria.Status = st
	}
	if f.due != "" {
		due, err := domain.ParseDueDate(f.due)
		if err != nil {
			return opts, fmt.Errorf("--due: %w", err)
		}
		opts.Criteria.DueDate = due
	}
	opts.Order = domain.SortAsc
	if f.desc {
		opts.Order = domain.SortDesc
	}
	return opts, nil
}

func tasksListCmd() *cobra.Command {
	var f listFlags
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show active and completed tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := f.options()
			if err != nil {
				return err
			}
			return withClient(cmd.Context(), opts, func(ctx context.Context, c *app.Client) error {
				crit, order := c.Session.Criteria()
				return renderPartition(c.Session.Projection(), c.Session.Directory, criteriaLabel(crit, order))
			})
		},
	}
	f.register(cmd)
	return cmd
}

func tasksAddCmd() *cobra.Command {
	var in domain.NewTask
	var due, status string
	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Create a task owned by you",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Title = args[0]
			if status != "" {
				st, ok := domain.ParseStatus(status)
				if !ok {
					return fmt.Errorf("invalid --status %q", status)
				}
				in.Status = st
			}
			if due != "" {
				d, err := domain.ParseDueDate(due)
				if err != nil {
					return fmt.Errorf("--due: %w", err)
				}
				in.DueDate = d
			}
			return withClient(cmd.Context(), app.Options{}, func(ctx context.Context, c *app.Client) error {
				task, err := c.Session.CreateTask(ctx, in)
				if err != nil {
					return err
				}
				return renderTask(task, c.Session.Directory)
			})
		},
	}
	cmd.Flags().StringVar(&in.Description, "description", "", "description")
	cmd.Flags().StringVar(&due, "due", "", "due date (YYYY-MM-DD or RFC 3339)")
	cmd.Flags().StringVar(&status, "status", "", "initial status (default To Do)")
	cmd.Flags().StringVar(&in.AssignedUser, "assign", "", "user id to assign")
	return cmd
}

func tasksUpdateCmd() *cobra.Command {
	var title, description, due, status, assign string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change fields of a task you own",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch domain.TaskPatch
			flags := cmd.Flags()
			if flags.Changed("title") {
				patch.Title = &title
			}
			if flags.Changed("description") {
				patch.Description = &description
			}
			if flags.Changed("assign") {
				patch.AssignedUser = &assign
			}
			if flags.Changed("status") {
				st, ok := domain.ParseStatus(status)
				if !ok {
					return fmt.Errorf("invalid --status %q", status)
				}
				patch.Status = &st
			}
			if flags.Changed("due") {
				d, err := domain.ParseDueDate(due)
				if err != nil {
					return fmt.Errorf("--due: %w", err)
				}
				patch.DueDate = &d
			}
			if patch.Empty() {
				return fmt.Errorf("nothing to update")
			}
			return withClient(cmd.Context(), app.Options{}, func(ctx context.Context, c *app.Client) error {
				task, err := c.Session.UpdateTask(ctx, args[0], patch)
				if err != nil {
					return err
				}
				return renderTask(task, c.Session.Directory)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&description, "description", "", "new description")
	cmd.Flags().StringVar(&due, "due", "", "new due date; empty clears it")
	cmd.Flags().StringVar(&status, "status", "", "new status")
	cmd.Flags().StringVar(&assign, "assign", "", "user id to assign; empty unassigns")
	return cmd
}

func tasksStatusCmd(use, short string, status domain.Status) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), app.Options{}, func(ctx context.Context, c *app.Client) error {
				var task domain.Task
				var err error
				if status == domain.StatusDone {
					task, err = c.Session.Complete(ctx, args[0])
				} else {
					task, err = c.Session.Reopen(ctx, args[0])
				}
				if err != nil {
					return err
				}
				return renderTask(task, c.Session.Directory)
			})
		},
	}
}

func tasksDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a task you own",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), app.Options{}, func(ctx context.Context, c *app.Client) error {
				if err := c.Session.DeleteTask(ctx, args[0]); err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(map[string]string{"deleted": args[0]})
				}
				fmt.Printf("Deleted %s\n", args[0])
				return nil
			})
		},
	}
}

// criteriaLabel describes the active filter for table captions.
func criteriaLabel(c view.Criteria, order domain.SortOrder) string {
	label := "all"
	if c.Status != "" {
		label = string(c.Status)
	}
	if !c.DueDate.IsZero() {
		label += ", due " + c.DueDate.Format("2006-01-02")
	}
	return label + ", due date " + string(order)
}
