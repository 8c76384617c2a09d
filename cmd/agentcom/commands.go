package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentcom/agentcom/pkg/client"
)

// apiClient builds a client from the persistent --addr flag and the
// AGENTCOM_ADMIN_TOKEN environment variable.
func apiClient(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("addr")
	return client.New(addr, os.Getenv("AGENTCOM_ADMIN_TOKEN"))
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage agent registration tokens",
}

var tokenGenerateCmd = &cobra.Command{
	Use:   "generate <agent-id>",
	Short: "Generate a registration token for an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tok, err := apiClient(cmd).GenerateToken(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Token for %s:\n%s\n", args[0], tok)
		fmt.Println("\nStore it now; the hub only keeps a redacted copy.")
		return nil
	},
}

var tokenRevokeCmd = &cobra.Command{
	Use:   "revoke <agent-id>",
	Short: "Revoke an agent's registration token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient(cmd).RevokeToken(args[0]); err != nil {
			return err
		}
		fmt.Printf("Token for %s revoked\n", args[0])
		return nil
	},
}

var tokenListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered tokens (redacted)",
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := apiClient(cmd).ListTokens()
		if err != nil {
			return err
		}
		if len(creds) == 0 {
			fmt.Println("No tokens registered")
			return nil
		}
		for _, c := range creds {
			fmt.Printf("%-24s %s  (created %s)\n",
				c.AgentID, c.Token, c.CreatedAt.Format("2006-01-02 15:04"))
		}
		return nil
	},
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Submit and inspect tasks",
}

var taskSubmitCmd = &cobra.Command{
	Use:   "submit <description>",
	Short: "Submit a task to the queue",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		priority, _ := cmd.Flags().GetString("priority")
		caps, _ := cmd.Flags().GetStringSlice("capability")

		task, err := apiClient(cmd).SubmitTask(client.SubmitTaskRequest{
			Description:        strings.Join(args, " "),
			Priority:           priority,
			SubmittedBy:        "cli",
			NeededCapabilities: caps,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Task %s submitted (priority %s)\n", task.ID, task.Priority)
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		priority, _ := cmd.Flags().GetString("priority")

		tasks, err := apiClient(cmd).ListTasks(status, priority)
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			fmt.Println("No tasks")
			return nil
		}
		for _, t := range tasks {
			assignee := t.AssignedTo
			if assignee == "" {
				assignee = "-"
			}
			fmt.Printf("%-36s %-12s %-8s %-16s %s\n",
				t.ID, t.Status, t.Priority, assignee, t.Description)
		}
		return nil
	},
}

var taskGetCmd = &cobra.Command{
	Use:   "get <task-id>",
	Short: "Show one task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		task, err := apiClient(cmd).GetTask(args[0])
		if err != nil {
			return err
		}
		return printJSON(task)
	},
}

var taskRetryCmd = &cobra.Command{
	Use:   "retry <task-id>",
	Short: "Requeue a dead-lettered task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient(cmd).RetryTask(args[0]); err != nil {
			return err
		}
		fmt.Printf("Task %s requeued\n", args[0])
		return nil
	},
}

var goalCmd = &cobra.Command{
	Use:   "goal",
	Short: "Submit and inspect goals",
}

var goalSubmitCmd = &cobra.Command{
	Use:   "submit <description>",
	Short: "Submit a goal for decomposition",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")
		criteria, _ := cmd.Flags().GetString("success-criteria")
		priority, _ := cmd.Flags().GetString("priority")

		g, err := apiClient(cmd).SubmitGoal(client.SubmitGoalRequest{
			Title:           title,
			Description:     strings.Join(args, " "),
			SuccessCriteria: criteria,
			Priority:        priority,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Goal %s submitted\n", g.ID)
		return nil
	},
}

var goalGetCmd = &cobra.Command{
	Use:   "get <goal-id>",
	Short: "Show one goal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := apiClient(cmd).GetGoal(args[0])
		if err != nil {
			return err
		}
		return printJSON(g)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show hub state and connected agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		st, err := c.GetHubState()
		if err != nil {
			return err
		}
		fmt.Printf("Hub state: %s", st.State)
		if st.Paused {
			fmt.Print(" (paused)")
		}
		fmt.Println()

		agents, err := c.ListAgents()
		if err != nil {
			return err
		}
		fmt.Printf("Agents connected: %d\n", len(agents))
		for _, a := range agents {
			task := a.CurrentTaskID
			if task == "" {
				task = "-"
			}
			fmt.Printf("  %-24s %-10s task=%s\n", a.AgentID, a.State, task)
		}
		return nil
	},
}

func init() {
	tokenCmd.AddCommand(tokenGenerateCmd, tokenRevokeCmd, tokenListCmd)

	taskSubmitCmd.Flags().String("priority", "normal", "task priority (urgent, high, normal, low)")
	taskSubmitCmd.Flags().StringSlice("capability", nil, "capability the assignee must have (repeatable)")
	taskListCmd.Flags().String("status", "", "filter by status")
	taskListCmd.Flags().String("priority", "", "filter by priority")
	taskCmd.AddCommand(taskSubmitCmd, taskListCmd, taskGetCmd, taskRetryCmd)

	goalSubmitCmd.Flags().String("title", "", "short goal title")
	goalSubmitCmd.Flags().String("success-criteria", "", "how completion is verified")
	goalSubmitCmd.Flags().String("priority", "normal", "priority for decomposed tasks")
	goalCmd.AddCommand(goalSubmitCmd, goalGetCmd)

	rootCmd.AddCommand(statusCmd)
}
