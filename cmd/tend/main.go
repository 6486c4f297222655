package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"tend/internal/app"
	"tend/internal/config"
	"tend/internal/schedule"
	logx "tend/pkg/logx"
)

const usage = `usage: tend [-config path] <command> [args]

commands:
  run                         run the daemon (default)
  add -title T -message M (-at "YYYY-MM-DD HH:MM:SS" | -in 10m) [-urgent]
  list [-limit N]             upcoming undelivered notifications
  meeting [on|off]            show or set meeting mode
  stats [-days N]             notifications per day
`

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", config.DefaultPath(), "path to config (json or yaml)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	cmd, args := "run", flag.Args()
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "run":
		err = run(cfgPath)
	case "add":
		err = withLocal(cfgPath, func(l *app.Local) error { return add(l, args, os.Stdout) })
	case "list":
		err = withLocal(cfgPath, func(l *app.Local) error { return list(l, args, os.Stdout) })
	case "meeting":
		err = withLocal(cfgPath, func(l *app.Local) error { return meeting(l, args, os.Stdout) })
	case "stats":
		err = withLocal(cfgPath, func(l *app.Local) error { return stats(l, args, os.Stdout) })
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if code := exitCode(err); code != 0 {
		os.Exit(code)
	}
}

// exitCode maps a command error to the process status. -h on a
// subcommand has already printed its usage and is not a failure.
func exitCode(err error) int {
	if err == nil || errors.Is(err, flag.ErrHelp) {
		return 0
	}
	fmt.Fprintln(os.Stderr, "fatal:", err)
	return 1
}

func run(cfgPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		stopCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.Stop(stopCtx, app.StopFatalError)
		c()
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopSIGTERM
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, c := context.WithTimeout(context.Background(), 10*time.Second)
	defer c()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

func withLocal(cfgPath string, fn func(*app.Local) error) error {
	l, err := app.OpenLocal(cfgPath, logx.NewConsole("warn"))
	if err != nil {
		return err
	}
	defer l.Close()
	return fn(l)
}

func add(l *app.Local, args []string, w io.Writer) error {
	fs := flag.NewFlagSet("add", flag.ContinueOnError)
	title := fs.String("title", "", "notification title")
	message := fs.String("message", "", "notification body")
	at := fs.String("at", "", `scheduled time, "YYYY-MM-DD HH:MM:SS" local`)
	in := fs.Duration("in", 0, "schedule relative to now instead of -at")
	urgent := fs.Bool("urgent", false, "deliver even in meeting mode")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *in > 0 {
		if *at != "" {
			return errors.New("use either -at or -in, not both")
		}
		*at = schedule.FormatTime(time.Now().Add(*in))
	}

	d, err := schedule.NewDraft(*title, *message, *at, *urgent, time.Local)
	if err != nil {
		return err
	}
	id, err := l.Store.Insert(context.Background(), d)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "scheduled #%d %q %s (%s)\n", id, d.Title, schedule.FormatTime(d.At),
		humanize.RelTime(d.At, time.Now(), "ago", "from now"))
	return nil
}

func list(l *app.Local, args []string, w io.Writer) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "max rows")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ns, err := l.Store.Upcoming(context.Background(), *limit)
	if err != nil {
		return err
	}
	if len(ns) == 0 {
		fmt.Fprintln(w, "nothing scheduled")
		return nil
	}
	now := time.Now()
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tWHEN\t\tTITLE")
	for _, n := range ns {
		rel := "invalid time"
		if at, err := n.ScheduledTime(time.Local); err == nil {
			rel = humanize.RelTime(at, now, "ago", "from now")
		}
		title := n.Title
		if n.Urgent {
			title = "[urgent] " + title
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", n.ID, n.At, rel, title)
	}
	return tw.Flush()
}

func meeting(l *app.Local, args []string, w io.Writer) error {
	ctx := context.Background()
	if len(args) == 0 {
		on, err := l.MeetingMode.MeetingMode(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "meeting mode: %s\n", onOff(on))
		return nil
	}
	var on bool
	switch strings.ToLower(args[0]) {
	case "on":
		on = true
	case "off":
	default:
		return fmt.Errorf("meeting: want on or off, got %q", args[0])
	}
	if err := l.MeetingMode.SetMeetingMode(ctx, on); err != nil {
		return err
	}
	fmt.Fprintf(w, "meeting mode: %s\n", onOff(on))
	return nil
}

func stats(l *app.Local, args []string, w io.Writer) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	days := fs.Int("days", 7, "days to show, ending today")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *days <= 0 {
		return errors.New("stats: -days must be > 0")
	}
	counts, err := l.Store.CountByDay(context.Background(), time.Now(), *days)
	if err != nil {
		return err
	}
	total := 0
	for _, c := range counts {
		fmt.Fprintf(w, "%s  %s\n", c.Day, humanize.Comma(int64(c.Count)))
		total += c.Count
	}
	fmt.Fprintf(w, "total       %s\n", humanize.Comma(int64(total)))
	return nil
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
