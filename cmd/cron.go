package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/automate-sh/automate/internal/cron"
)

func cronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled jobs",
	}
	cmd.AddCommand(cronListCmd(), cronAddCmd(), cronRemoveCmd(), cronEnableCmd(true), cronEnableCmd(false))
	return cmd
}

// openScheduler opens the jobs store without starting the tick loop —
// these commands only mutate the persisted list.
func openScheduler() (*cron.Scheduler, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return cron.NewScheduler(cfg.Cron.Directory, nil), nil
}

func cronListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			sched, err := openScheduler()
			if err != nil {
				return err
			}
			jobs := sched.ListJobs()
			if len(jobs) == 0 {
				fmt.Println("no jobs")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSCHEDULE\tENABLED\tNEXT RUN\tRUNS")
			for _, j := range jobs {
				next := "-"
				if j.NextRun != nil {
					next = j.NextRun.Local().Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\t%d\n",
					j.ID[:8], j.Name, describeSchedule(j.Schedule), j.Enabled, next, j.RunCount)
			}
			return w.Flush()
		},
	}
}

func describeSchedule(s cron.Schedule) string {
	switch s.Type {
	case cron.ScheduleOnce:
		if s.At != nil {
			return "once " + s.At.Format(time.RFC3339)
		}
		return "once"
	case cron.ScheduleInterval:
		return "every " + (time.Duration(s.EveryMs) * time.Millisecond).String()
	case cron.ScheduleCron:
		return s.Expression
	}
	return s.Type
}

func cronAddCmd() *cobra.Command {
	var (
		cronExpr string
		every    time.Duration
		at       string
		session  string
	)
	cmd := &cobra.Command{
		Use:   "add <name> <prompt>",
		Short: "Add a scheduled job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sched, err := openScheduler()
			if err != nil {
				return err
			}

			var schedule cron.Schedule
			switch {
			case cronExpr != "":
				schedule = cron.Schedule{Type: cron.ScheduleCron, Expression: cronExpr}
			case every > 0:
				schedule = cron.Schedule{Type: cron.ScheduleInterval, EveryMs: every.Milliseconds()}
			case at != "":
				// Absolute instants only; a timezone-less string is rejected.
				instant, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at must be RFC 3339 with timezone: %w", err)
				}
				schedule = cron.Schedule{Type: cron.ScheduleOnce, At: &instant}
			default:
				return fmt.Errorf("one of --cron, --every, or --at is required")
			}

			job, err := sched.AddJob(args[0], args[1], schedule, session)
			if err != nil {
				return err
			}
			fmt.Printf("added job %s (%s)\n", job.Name, job.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&cronExpr, "cron", "", "5-field cron expression")
	cmd.Flags().DurationVar(&every, "every", 0, "fixed interval (e.g. 30m)")
	cmd.Flags().StringVar(&at, "at", "", "one-shot RFC 3339 instant")
	cmd.Flags().StringVar(&session, "session", "", "target session id")
	return cmd
}

func cronRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Remove a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sched, err := openScheduler()
			if err != nil {
				return err
			}
			if !removeByPrefix(sched, args[0]) {
				return fmt.Errorf("no job with id %q", args[0])
			}
			fmt.Println("removed")
			return nil
		},
	}
}

func removeByPrefix(sched *cron.Scheduler, idPrefix string) bool {
	for _, j := range sched.ListJobs() {
		if j.ID == idPrefix || (len(idPrefix) >= 8 && len(j.ID) >= len(idPrefix) && j.ID[:len(idPrefix)] == idPrefix) {
			return sched.RemoveJob(j.ID)
		}
	}
	return false
}

func cronEnableCmd(enable bool) *cobra.Command {
	use, short := "enable <id>", "Enable a job"
	if !enable {
		use, short = "disable <id>", "Disable a job"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sched, err := openScheduler()
			if err != nil {
				return err
			}
			ok := false
			for _, j := range sched.ListJobs() {
				if j.ID == args[0] || (len(args[0]) >= 8 && len(j.ID) >= len(args[0]) && j.ID[:len(args[0])] == args[0]) {
					if enable {
						ok = sched.EnableJob(j.ID)
					} else {
						ok = sched.DisableJob(j.ID)
					}
					break
				}
			}
			if !ok {
				return fmt.Errorf("no job with id %q", args[0])
			}
			return nil
		},
	}
}
