package main

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/iflabx/opencane/internal/store"
)

func init() {
	taskCmd.AddCommand(taskListCmd, taskGetCmd, taskCancelCmd)
	rootCmd.AddCommand(taskCmd)
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect digital tasks",
}

func openStore() (*store.SQLite, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return store.OpenSQLite(filepath.Join(cfg.DataDir, "opencane.db"))
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List digital tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()
		status, _ := cmd.Flags().GetString("status")
		tasks, err := st.ListDigitalTasks(context.Background(), store.TaskQuery{Status: status, Limit: 50})
		if err != nil {
			return err
		}
		return printJSON(tasks)
	},
}

var taskGetCmd = &cobra.Command{
	Use:   "get <task_id>",
	Short: "Show one digital task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()
		task, err := st.GetDigitalTask(context.Background(), args[0])
		if err != nil {
			return err
		}
		return printJSON(task)
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <task_id>",
	Short: "Cancel a runnable digital task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()
		changed, err := st.UpdateTaskIfStatus(context.Background(), args[0],
			[]string{"pending", "running"}, func(t *store.DigitalTask) {
				t.Status = "canceled"
				t.Error = "manual_cancel"
			})
		if err != nil {
			return err
		}
		if !changed {
			return fmt.Errorf("task is not runnable")
		}
		fmt.Println("canceled")
		return nil
	},
}

func init() {
	taskListCmd.Flags().String("status", "", "filter by status")
}
