package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/viper"

	"tasksync/internal/domain"
	"tasksync/internal/store"
	"tasksync/internal/view"
)

func jsonOutput() bool { return viper.GetBool("json") }

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func dueLabel(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02")
}

func taskTable(title string, tasks []domain.Task, dir *store.Directory) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetTitle(title)
	tw.AppendHeader(table.Row{"ID", "Title", "Due", "Status", "Owner", "Assignee"})
	for _, t := range tasks {
		assignee := ""
		if t.AssignedUser != "" {
			assignee = dir.Name(t.AssignedUser, t.AssignedUser)
		}
		tw.AppendRow(table.Row{t.ID, t.Title, dueLabel(t.DueDate), t.Status, dir.Name(t.OwnerID, t.Username), assignee})
	}
	tw.Render()
}

func renderPartition(p view.Partition, dir *store.Directory, caption string) error {
	if jsonOutput() {
		return printJSON(p)
	}
	taskTable(fmt.Sprintf("Active (%s)", caption), p.Active, dir)
	taskTable("Completed", p.Completed, dir)
	return nil
}

func renderTask(t domain.Task, dir *store.Directory) error {
	if jsonOutput() {
		return printJSON(t)
	}
	taskTable("Task", []domain.Task{t}, dir)
	return nil
}

func renderNotifications(list []domain.Notification, unread int) error {
	if jsonOutput() {
		return printJSON(list)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetTitle(fmt.Sprintf("Notifications (%d unread)", unread))
	tw.AppendHeader(table.Row{"ID", "When", "Message", "Read"})
	for _, n := range list {
		read := ""
		if n.Read {
			read = "yes"
		}
		tw.AppendRow(table.Row{n.ID, n.Timestamp.UTC().Format("2006-01-02 15:04"), n.Message, read})
	}
	tw.Render()
	return nil
}

func renderActivity(entries []domain.ActivityEntry, dir *store.Directory) error {
	if jsonOutput() {
		if entries == nil {
			entries = []domain.ActivityEntry{}
		}
		return printJSON(entries)
	}
	if len(entries) == 0 {
		fmt.Println("No activity yet.")
		return nil
	}
	for _, e := range entries {
		fmt.Println(view.FormatActivity(e, dir))
	}
	return nil
}
