package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/loykin/botrunner/internal/store"
)

// command runs the remote subcommands against the daemon API.
type command struct {
	global *GlobalFlags
	out    io.Writer
}

func (c *command) client() *APIClient {
	return NewAPIClient(c.global.APIUrl, c.global.APITimeout)
}

func (c *command) RegisterBot(f BotFlags) error {
	if strings.TrimSpace(f.Name) == "" || strings.TrimSpace(f.ScriptPath) == "" {
		return errors.New("--name and --script are required")
	}
	b, err := c.client().RegisterBot(store.Bot{
		ID:          f.ID,
		Name:        f.Name,
		Active:      !f.Inactive,
		ScriptPath:  f.ScriptPath,
		VenvPath:    f.VenvPath,
		LogFilePath: f.LogFilePath,
	})
	if err != nil {
		return err
	}
	c.printJSON(b)
	return nil
}

func (c *command) ShowBot(botID int64) error {
	b, err := c.client().Bot(botID)
	if err != nil {
		return err
	}
	c.printJSON(b)
	return nil
}

func (c *command) SetActive(botID int64, active bool) error {
	b, err := c.client().SetBotActive(botID, active)
	if err != nil {
		return err
	}
	state := "disabled"
	if b.Active {
		state = "enabled"
	}
	_, _ = fmt.Fprintf(c.out, "bot %d %s\n", b.ID, state)
	return nil
}

func (c *command) Logs(f LogsFlags) error {
	content, err := c.client().BotLog(f.BotID, f.Tail)
	if err != nil {
		return err
	}
	_, _ = io.WriteString(c.out, content)
	return nil
}

// Run triggers one execution. With Wait it polls until the execution is
// terminal and fails when it did not succeed.
func (c *command) Run(f RunFlags) error {
	api := c.client()
	e, err := api.RunBot(f.BotID, f.UserID)
	if err != nil {
		return err
	}
	if !f.Wait {
		c.printJSON(e)
		return nil
	}
	poll := f.Poll
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	for !e.Status.Terminal() {
		time.Sleep(poll)
		if e, err = api.Execution(e.ID); err != nil {
			return err
		}
	}
	c.printJSON(e)
	if e.Status != store.StatusSuccess {
		return errors.Newf("execution %d finished with %s", e.ID, e.Status)
	}
	return nil
}

func (c *command) Kill(botID int64) error {
	res, err := c.client().KillBot(botID)
	if err != nil {
		return err
	}
	c.printJSON(res)
	if !res.Success {
		return errors.New(res.Message)
	}
	return nil
}

func (c *command) Jobs() error {
	jobs, err := c.client().Jobs()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tKIND\tBOT\tNAME\tNEXT RUN\tPAUSED")
	for _, j := range jobs {
		next := "-"
		if j.NextRun != nil {
			next = j.NextRun.Format(time.RFC3339)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%t\n", j.ID, j.Kind, j.BotID, j.Name, next, j.Paused)
	}
	return tw.Flush()
}

func (c *command) Running() error {
	ids, err := c.client().Running()
	if err != nil {
		return err
	}
	if ids == nil {
		ids = []int64{}
	}
	c.printJSON(map[string][]int64{"bot_ids": ids})
	return nil
}

func (c *command) Schedules(activeOnly bool) error {
	list, err := c.client().Schedules(activeOnly)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tBOT\tNAME\tCRON\tTIMEZONE\tACTIVE")
	for _, sc := range list {
		_, _ = fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%t\n", sc.ID, sc.BotID, sc.Name, sc.CronExpression, sc.Timezone, sc.Active)
	}
	return tw.Flush()
}

func (c *command) Schedule(f ScheduleFlags) error {
	if f.BotID <= 0 || strings.TrimSpace(f.Cron) == "" {
		return errors.New("--bot and --cron are required")
	}
	sc := store.Schedule{
		ID:             f.ID,
		BotID:          f.BotID,
		Name:           f.Name,
		CronExpression: f.Cron,
		Timezone:       f.Timezone,
		Active:         !f.Inactive,
	}
	if f.CreatedBy != 0 {
		by := f.CreatedBy
		sc.CreatedBy = &by
	}
	saved, err := c.client().SaveSchedule(sc)
	if err != nil {
		return err
	}
	c.printJSON(saved)
	return nil
}

func (c *command) Pause(scheduleID int64) error {
	if err := c.client().PauseSchedule(scheduleID); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "schedule %d paused\n", scheduleID)
	return nil
}

func (c *command) Resume(scheduleID int64) error {
	if err := c.client().ResumeSchedule(scheduleID); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "schedule %d resumed\n", scheduleID)
	return nil
}

func (c *command) Unschedule(scheduleID int64) error {
	if err := c.client().DeleteSchedule(scheduleID); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "schedule %d deleted\n", scheduleID)
	return nil
}

// Execution prints one execution by id, or the newest executions of a bot.
func (c *command) Execution(f ExecutionFlags) error {
	api := c.client()
	switch {
	case f.ID > 0:
		e, err := api.Execution(f.ID)
		if err != nil {
			return err
		}
		c.printJSON(e)
	case f.BotID > 0:
		list, err := api.Executions(f.BotID, f.Limit)
		if err != nil {
			return err
		}
		if list == nil {
			list = []store.Execution{}
		}
		c.printJSON(list)
	default:
		return errors.New("one of --id or --bot is required")
	}
	return nil
}

func (c *command) printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(c.out, string(b))
}
