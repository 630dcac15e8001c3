package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"taskcoord/internal/client"
	"taskcoord/internal/coordinator"
)

var taskWorker string

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Create, respond to and inspect tasks",
}

var createTaskCmd = &cobra.Command{
	Use:   "create [payload]",
	Short: "Create a task for payload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("payload %q: %w", args[0], err)
		}
		id, err := client.New(apiURL, caller).CreateTask(cmd.Context(), coordinator.TaskInput{Payload: payload, Worker: taskWorker})
		if err != nil {
			return err
		}
		return printJSON(cmd, map[string]any{"task_id": id})
	},
}

var respondTaskCmd = &cobra.Command{
	Use:   "respond [task-id] [result]",
	Short: "Record a task result (aggregator only)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := coordinator.ParseTaskID(args[0])
		if err != nil {
			return err
		}
		result, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("result %q: %w", args[1], err)
		}
		return client.New(apiURL, caller).WithToken(token).RespondToTask(cmd.Context(), id, result)
	},
}

var getTaskCmd = &cobra.Command{
	Use:   "get [task-id]",
	Short: "Show a task input",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := coordinator.ParseTaskID(args[0])
		if err != nil {
			return err
		}
		in, err := client.New(apiURL, caller).TaskInput(cmd.Context(), id)
		if err != nil {
			return err
		}
		return printJSON(cmd, in)
	},
}

var resultTaskCmd = &cobra.Command{
	Use:   "result [task-id]",
	Short: "Show a task result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := coordinator.ParseTaskID(args[0])
		if err != nil {
			return err
		}
		result, err := client.New(apiURL, caller).TaskResult(cmd.Context(), id)
		if err != nil {
			return err
		}
		return printJSON(cmd, map[string]any{"task_id": id, "result": result})
	},
}

var eventsTaskCmd = &cobra.Command{
	Use:   "events [task-id]",
	Short: "Show the journaled events of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := coordinator.ParseTaskID(args[0])
		if err != nil {
			return err
		}
		events, err := client.New(apiURL, caller).Events(cmd.Context(), id)
		if err != nil {
			return err
		}
		return printJSON(cmd, events)
	},
}

var scoreCmd = &cobra.Command{
	Use:   "score [worker]",
	Short: "Show a worker's score",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		score, err := client.New(apiURL, caller).WorkerScore(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, score)
	},
}

func init() {
	createTaskCmd.Flags().StringVar(&taskWorker, "worker", "", "worker assigned to the task")
	taskCmd.AddCommand(createTaskCmd, respondTaskCmd, getTaskCmd, resultTaskCmd, eventsTaskCmd)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
