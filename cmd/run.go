package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opentongchi/tongchi/internal/backend"
	"github.com/opentongchi/tongchi/internal/jobs"
	"github.com/opentongchi/tongchi/internal/status"
	"github.com/opentongchi/tongchi/internal/tree"
)

func init() {
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the engine with an interactive console",
	Long: `Run starts the resource tree, job supervisor and renewal timers for
every configured backend, then reads commands from stdin:

  ls [node]          list roots, or expand a node
  refresh <node>     invalidate one node
  refresh-backend <id>  invalidate everything under a backend
  submit <backend> <target> <cmd> [args...]  start a job
  jobs               list jobs, newest first
  log <job>          print a job's captured output
  cancel <job>       request cooperative cancellation
  renew              show renewal timers
  renew pause|resume pause or resume all renewals
  mute on|off        toggle notifications
  quit`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		eng, err := newEngine(cfg, logger)
		if err != nil {
			return err
		}
		defer eng.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		go eng.drainEvents(ctx)

		fmt.Printf("tongchi: %d backend(s) configured\n", len(cfg.Backends))
		return console(ctx, eng)
	},
}

func console(ctx context.Context, eng *engine) error {
	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		fmt.Print("> ")
		select {
		case <-ctx.Done():
			fmt.Println()
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if strings.TrimSpace(line) == "quit" {
				return nil
			}
			if err := dispatch(ctx, eng, strings.Fields(line)); err != nil {
				fmt.Println("error:", err)
			}
		}
	}
}

func dispatch(ctx context.Context, eng *engine, args []string) error {
	if len(args) == 0 {
		return nil
	}
	switch args[0] {
	case "ls":
		if len(args) < 2 {
			for _, id := range eng.tree.Roots() {
				if n, ok := eng.tree.Node(id); ok {
					printNode(n)
				}
			}
			return nil
		}
		children, err := eng.tree.Expand(ctx, args[1])
		if err != nil {
			return err
		}
		for _, c := range children {
			printNode(c)
		}
		return nil

	case "refresh":
		if len(args) < 2 {
			return fmt.Errorf("usage: refresh <node>")
		}
		eng.tree.Invalidate(args[1])
		return nil

	case "refresh-backend":
		if len(args) < 2 {
			return fmt.Errorf("usage: refresh-backend <id>")
		}
		eng.tree.InvalidateBackend(args[1])
		return nil

	case "submit":
		if len(args) < 4 {
			return fmt.Errorf("usage: submit <backend> <target> <cmd> [args...]")
		}
		id, err := eng.sup.Submit(jobs.Descriptor{
			BackendID: args[1],
			Kind:      "exec",
			TargetKey: args[2],
			Command:   backend.Command{Path: args[3], Args: args[4:]},
		})
		if err != nil {
			return err
		}
		fmt.Println("job", id)
		return nil

	case "jobs":
		now := time.Now()
		for _, j := range eng.sup.List() {
			cause := j.Cause
			if cause != "" {
				cause = " (" + cause + ")"
			}
			fmt.Printf("%s  %-9s  %s/%s  %s%s\n", j.ID, j.State, j.BackendID, j.TargetKey, j.Runtime(now), cause)
		}
		return nil

	case "log":
		if len(args) < 2 {
			return fmt.Errorf("usage: log <job>")
		}
		job, ok := eng.sup.Get(args[1])
		if !ok {
			return jobs.ErrNotFound
		}
		if job.LogHandle == "" {
			return fmt.Errorf("job %s has no captured output", job.ID)
		}
		out, err := eng.logs.Read(job.LogHandle)
		if err != nil {
			return err
		}
		os.Stdout.Write(out)
		return nil

	case "cancel":
		if len(args) < 2 {
			return fmt.Errorf("usage: cancel <job>")
		}
		return eng.sup.Cancel(args[1])

	case "renew":
		if len(args) >= 2 {
			switch args[1] {
			case "pause":
				eng.sched.SetEnabled(false)
				return nil
			case "resume":
				eng.sched.SetEnabled(true)
				return nil
			default:
				return fmt.Errorf("usage: renew [pause|resume]")
			}
		}
		for _, task := range eng.sched.Tasks() {
			fmt.Printf("%-16s every %s  last %s\n", task.BackendID, task.Interval, task.LastResult)
		}
		return nil

	case "mute":
		if len(args) < 2 || (args[1] != "on" && args[1] != "off") {
			return fmt.Errorf("usage: mute on|off")
		}
		eng.sink.SetMuted(args[1] == "on")
		return nil

	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printNode(n tree.Node) {
	marker := ""
	if n.Status != status.Unknown {
		marker = n.Status.Glyph() + " "
	}
	switch n.Kind {
	case tree.KindSeparator:
		fmt.Println("  ----")
	case tree.KindFolder, tree.KindPlaceholder:
		fmt.Printf("  %s%s/  [%s]\n", marker, n.Label, n.ID)
	default:
		fmt.Printf("  %s%s  [%s]\n", marker, n.Label, n.ID)
	}
}
