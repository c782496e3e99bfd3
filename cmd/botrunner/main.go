package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot(os.Stdout)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and its subcommands writing to out.
func buildRoot(out io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	cmd := &command{global: globalFlags, out: out}

	root := createRootCommand(globalFlags)
	root.SetOut(out)
	root.AddCommand(
		createServeCommand(globalFlags),
		createBotCommand(cmd),
		createShowCommand(cmd),
		createEnableCommand(cmd),
		createDisableCommand(cmd),
		createLogsCommand(cmd),
		createRunCommand(cmd),
		createKillCommand(cmd),
		createJobsCommand(cmd),
		createRunningCommand(cmd),
		createScheduleCommand(cmd),
		createSchedulesCommand(cmd),
		createPauseCommand(cmd),
		createResumeCommand(cmd),
		createUnscheduleCommand(cmd),
		createExecutionCommand(cmd),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "botrunner",
		Short: "Scheduled bot execution daemon",
		Long: `Botrunner runs bot scripts on cron schedules or on demand, supervises
each run as a child process and records its outcome.

Examples:
  botrunner serve --config=botrunner.toml     # Start daemon
  botrunner run 5 --user=2                    # Run bot 5 once
  botrunner kill 5                            # Kill the running process of bot 5
  botrunner jobs --api-url=http://remote:8080/api`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "daemon API URL (default http://localhost:8080/api)")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")

	return root
}

func parseID(args []string, what string) (int64, error) {
	if len(args) != 1 {
		return 0, errors.Newf("%s id required", what)
	}
	v, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || v <= 0 {
		return 0, errors.Newf("invalid %s id %q", what, args[0])
	}
	return v, nil
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}

	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the botrunner daemon",
		Long: `Start the daemon: scheduler, worker pool and HTTP API.
Settings come from the TOML config and BOTRUNNER_* environment variables.

Examples:
  botrunner serve                          # Defaults plus environment
  botrunner serve botrunner.toml           # Specific config file
  botrunner serve --daemonize --pidfile=/run/botrunner.pid`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			if len(args) > 0 {
				serveFlags.ConfigPath = args[0]
			}
			return runServe(cmd.Context(), serveFlags)
		},
	}

	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write daemon PID to file (overrides [server].pid_file)")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to file (overrides [server].log_file)")

	return cmd
}

func createBotCommand(c *command) *cobra.Command {
	f := &BotFlags{}
	cmd := &cobra.Command{
		Use:   "bot",
		Short: "Register or update a bot",
		Long: `Register a bot script, or update it when --id is given.

Examples:
  botrunner bot --name=report --script=/opt/bots/report.py --venv=/opt/venv/bin/python
  botrunner bot --id=5 --name=report --script=/opt/bots/report.sh --inactive`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.RegisterBot(*f)
		},
	}
	cmd.Flags().Int64Var(&f.ID, "id", 0, "bot id to update")
	cmd.Flags().StringVar(&f.Name, "name", "", "bot name (required)")
	cmd.Flags().StringVar(&f.ScriptPath, "script", "", "absolute script path (required)")
	cmd.Flags().StringVar(&f.VenvPath, "venv", "", "python interpreter for .py scripts")
	cmd.Flags().StringVar(&f.LogFilePath, "log-file", "", "file receiving captured output")
	cmd.Flags().BoolVar(&f.Inactive, "inactive", false, "register the bot disabled")
	return cmd
}

func botIDCommand(use, short string, fn func(int64) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <bot-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args, "bot")
			if err != nil {
				return err
			}
			return fn(id)
		},
	}
}

func createShowCommand(c *command) *cobra.Command {
	return botIDCommand("show", "Show a bot", c.ShowBot)
}

func createEnableCommand(c *command) *cobra.Command {
	return botIDCommand("enable", "Mark a bot active", func(id int64) error { return c.SetActive(id, true) })
}

func createDisableCommand(c *command) *cobra.Command {
	return botIDCommand("disable", "Mark a bot inactive; its firings are skipped", func(id int64) error { return c.SetActive(id, false) })
}

func createLogsCommand(c *command) *cobra.Command {
	f := &LogsFlags{}
	cmd := botIDCommand("logs", "Print the tail of a bot's log file", func(id int64) error {
		f.BotID = id
		return c.Logs(*f)
	})
	cmd.Flags().Int64Var(&f.Tail, "tail", 0, "number of trailing bytes (default 64KiB)")
	return cmd
}

func createRunCommand(c *command) *cobra.Command {
	f := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "run <bot-id>",
		Short: "Run a bot once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			botID, err := parseID(args, "bot")
			if err != nil {
				return err
			}
			f.BotID = botID
			return c.Run(*f)
		},
	}
	cmd.Flags().Int64Var(&f.UserID, "user", 0, "id of the triggering user")
	cmd.Flags().BoolVar(&f.Wait, "wait", false, "wait for the execution to finish")
	cmd.Flags().DurationVar(&f.Poll, "poll", 500*time.Millisecond, "status poll interval with --wait")
	return cmd
}

func createKillCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "kill <bot-id>",
		Short: "Kill the running process of a bot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			botID, err := parseID(args, "bot")
			if err != nil {
				return err
			}
			return c.Kill(botID)
		},
	}
}

func createJobsCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List scheduler jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Jobs()
		},
	}
}

func createRunningCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "running",
		Short: "List bots with a live process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Running()
		},
	}
}

func createScheduleCommand(c *command) *cobra.Command {
	f := &ScheduleFlags{}
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Create or update a schedule",
		Long: `Create a cron schedule for a bot, or update it when --id is given.

Examples:
  botrunner schedule --bot=5 --name=nightly --cron="0 2 * * *" --tz=Asia/Seoul
  botrunner schedule --id=3 --bot=5 --cron=@hourly`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Schedule(*f)
		},
	}
	cmd.Flags().Int64Var(&f.ID, "id", 0, "schedule id to update")
	cmd.Flags().Int64Var(&f.BotID, "bot", 0, "bot id (required)")
	cmd.Flags().StringVar(&f.Name, "name", "", "schedule name")
	cmd.Flags().StringVar(&f.Cron, "cron", "", "cron expression, 5 fields or @descriptor (required)")
	cmd.Flags().StringVar(&f.Timezone, "tz", "", "IANA timezone (default UTC)")
	cmd.Flags().BoolVar(&f.Inactive, "inactive", false, "save without installing a job")
	cmd.Flags().Int64Var(&f.CreatedBy, "created-by", 0, "id of the creating user")
	return cmd
}

func createSchedulesCommand(c *command) *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "schedules",
		Short: "List stored schedules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Schedules(activeOnly)
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active schedules")
	return cmd
}

func scheduleIDCommand(use, short string, fn func(int64) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <schedule-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args, "schedule")
			if err != nil {
				return err
			}
			return fn(id)
		},
	}
}

func createPauseCommand(c *command) *cobra.Command {
	return scheduleIDCommand("pause", "Pause a schedule", c.Pause)
}

func createResumeCommand(c *command) *cobra.Command {
	return scheduleIDCommand("resume", "Resume a paused schedule", c.Resume)
}

func createUnscheduleCommand(c *command) *cobra.Command {
	return scheduleIDCommand("unschedule", "Delete a schedule and its job", c.Unschedule)
}

func createExecutionCommand(c *command) *cobra.Command {
	f := &ExecutionFlags{}
	cmd := &cobra.Command{
		Use:   "execution",
		Short: "Show executions",
		Long: `Show one execution by id, or the newest executions of a bot.

Examples:
  botrunner execution --id=42
  botrunner execution --bot=5 --limit=10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Execution(*f)
		},
	}
	cmd.Flags().Int64Var(&f.ID, "id", 0, "execution id")
	cmd.Flags().Int64Var(&f.BotID, "bot", 0, "bot id")
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "number of executions with --bot")
	return cmd
}
