package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/p-blackswan/awm/internal/mgmt"
	"github.com/p-blackswan/awm/internal/project"
)

func newStatusCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show scheduler status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			st, err := c.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to fetch status: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}

func newProjectCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage projects",
	}

	create := &cobra.Command{
		Use:   "create <name> [description]",
		Short: "Create a project",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			in := project.CreateProjectInput{Name: args[0], Description: "No description"}
			if len(args) > 1 {
				in.Description = args[1]
			}
			in.Goals, _ = cmd.Flags().GetStringSlice("goal")
			in.NextSteps, _ = cmd.Flags().GetStringSlice("next")
			in.Context, _ = cmd.Flags().GetString("context")
			in.Repository, _ = cmd.Flags().GetString("repo")

			p, err := c.CreateProject(cmd.Context(), in)
			if err != nil {
				return fmt.Errorf("failed to create project: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Project created: %s\n", p.ID)
			return nil
		},
	}
	create.Flags().StringSlice("goal", nil, "Project goal (repeatable)")
	create.Flags().StringSlice("next", nil, "Next step (repeatable)")
	create.Flags().String("context", "", "Free-form project context")
	create.Flags().String("repo", "", "Repository the work happens in")

	list := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			projects, err := c.ListProjects(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list projects: %w", err)
			}
			printProjects(cmd.OutOrStdout(), projects)
			return nil
		},
	}

	cmd.AddCommand(create, list)
	return cmd
}

func newEventCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "event",
		Short: "Manage work events",
	}

	var priority string
	create := &cobra.Command{
		Use:   "create <projectId> <cron>",
		Short: "Create a time-based event",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			evt, err := c.CreateEvent(cmd.Context(), mgmt.CreateEventRequest{
				Type:      string(project.EventTime),
				ProjectID: args[0],
				Priority:  priority,
				Trigger:   args[1],
			})
			if err != nil {
				return fmt.Errorf("failed to create event: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Event created: %s (%s, %s)\n", evt.ID, evt.Trigger, evt.Priority)
			return nil
		},
	}
	create.Flags().StringVar(&priority, "priority", string(project.PriorityMedium), "critical, high, medium or low")

	cmd.AddCommand(create)
	return cmd
}

func newTriggerCmd(flags *globalFlags) *cobra.Command {
	var req mgmt.TriggerRequest
	cmd := &cobra.Command{
		Use:   "trigger <projectId>",
		Short: "Queue a manual work trigger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			t, err := c.Trigger(cmd.Context(), args[0], req)
			if err != nil {
				return fmt.Errorf("failed to trigger project: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Trigger queued for %s (%s)\n", t.ProjectID, t.Priority)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Priority, "priority", string(project.PriorityMedium), "critical, high, medium or low")
	cmd.Flags().StringVar(&req.NotifyChannel, "notify-channel", "", "Slack channel for this session's notification")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printProjects(w io.Writer, projects []project.Project) {
	fmt.Fprintf(w, "\nProjects (%d):\n\n", len(projects))
	for _, p := range projects {
		fmt.Fprintf(w, "  %s - %s [%s]\n", p.ID, p.Name, p.Status)
		fmt.Fprintf(w, "    %s\n", p.Description)
		fmt.Fprintf(w, "    Hours: %.2f\n\n", p.HoursSpent)
	}
}
