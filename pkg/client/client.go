// Package client is the interactive console of orgkeeper.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/wurt83ow/orgkeeper/pkg/models"
	"github.com/wurt83ow/orgkeeper/pkg/orchestrator"
	"github.com/wurt83ow/orgkeeper/pkg/services"
	"github.com/wurt83ow/orgkeeper/pkg/syncqueue"
)

// errQuit ends the console loop.
var errQuit = errors.New("quit")

const help = `commands:
  tables                         list the synchronized tables
  list <table>                   show the rows of a table
  get <table> <id>               show one row
  add <table>                    create a row, fields are prompted as key=value
  set <table> <id> key=value...  change fields of a row
  del <table> <id>               delete a row
  sync                           run a sync cycle now
  status                         show the sync status
  failed                         list changes the backend refused
  retry <entry-id>               queue a failed change again
  help, quit`

type Console struct {
	svc   *services.Service
	orch  *orchestrator.Orchestrator
	queue *syncqueue.Queue
	out   io.Writer
	rl    *readline.Instance
}

// NewConsole prepares a console; Run opens the terminal.
func NewConsole(svc *services.Service, orch *orchestrator.Orchestrator, queue *syncqueue.Queue, out io.Writer) *Console {
	return &Console{svc: svc, orch: orch, queue: queue, out: out}
}

// Run reads commands until quit, EOF or ctx is done.
func (c *Console) Run(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
		AutoComplete:    c.completer(),
	})
	if err != nil {
		return err
	}
	defer rl.Close()
	c.rl = rl
	c.out = rl.Stdout()

	fmt.Fprintln(c.out, "orgkeeper console, type help for commands")
	for ctx.Err() == nil {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		err = c.Exec(ctx, line)
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
	}
	return ctx.Err()
}

func (c *Console) completer() *readline.PrefixCompleter {
	tables := make([]readline.PrefixCompleterInterface, 0)
	for _, t := range c.svc.Tables() {
		tables = append(tables, readline.PcItem(t))
	}
	return readline.NewPrefixCompleter(
		readline.PcItem("tables"),
		readline.PcItem("list", tables...),
		readline.PcItem("get", tables...),
		readline.PcItem("add", tables...),
		readline.PcItem("set", tables...),
		readline.PcItem("del", tables...),
		readline.PcItem("sync"),
		readline.PcItem("status"),
		readline.PcItem("failed"),
		readline.PcItem("retry"),
		readline.PcItem("help"),
		readline.PcItem("quit"),
	)
}

// Exec runs one command line.
func (c *Console) Exec(ctx context.Context, line string) error {
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil
	}

	switch cmd, rest := args[0], args[1:]; cmd {
	case "help":
		fmt.Fprintln(c.out, help)
	case "quit", "exit":
		return errQuit
	case "tables":
		fmt.Fprintln(c.out, strings.Join(c.svc.Tables(), "\n"))
	case "list":
		if len(rest) != 1 {
			return errors.New("usage: list <table>")
		}
		rows, err := c.svc.List(ctx, rest[0])
		if err != nil {
			return err
		}
		for _, row := range rows {
			c.printRecord(row)
		}
		fmt.Fprintf(c.out, "%d rows\n", len(rows))
	case "get":
		table, id, err := tableAndID(rest)
		if err != nil {
			return err
		}
		row, err := c.svc.Get(ctx, table, id)
		if err != nil {
			return err
		}
		c.printRecord(row)
	case "add":
		if len(rest) < 1 {
			return errors.New("usage: add <table> [key=value...]")
		}
		fields, err := parseFields(rest[1:])
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			if fields, err = c.promptFields(); err != nil {
				return err
			}
		}
		row, err := c.svc.Create(ctx, rest[0], fields)
		if err != nil {
			return err
		}
		c.printRecord(row)
	case "set":
		table, id, err := tableAndID(rest)
		if err != nil {
			return err
		}
		fields, err := parseFields(rest[2:])
		if err != nil {
			return err
		}
		row, err := c.svc.Update(ctx, table, id, fields)
		if err != nil {
			return err
		}
		c.printRecord(row)
	case "del":
		table, id, err := tableAndID(rest)
		if err != nil {
			return err
		}
		if err := c.svc.Delete(ctx, table, id); err != nil {
			return err
		}
		fmt.Fprintln(c.out, "deleted")
	case "sync":
		rep, err := c.orch.RunCycle(ctx)
		if rep != nil {
			fmt.Fprintln(c.out, rep)
		}
		return err
	case "status":
		st, err := c.orch.Status(ctx)
		if err != nil {
			return err
		}
		PrintStatus(c.out, st)
	case "failed":
		st, err := c.orch.Status(ctx)
		if err != nil {
			return err
		}
		entries, err := c.queue.Failed(ctx, st.OwnerID)
		if err != nil {
			return err
		}
		PrintEntries(c.out, entries)
	case "retry":
		if len(rest) != 1 {
			return errors.New("usage: retry <entry-id>")
		}
		id, err := strconv.ParseInt(rest[0], 10, 64)
		if err != nil {
			return fmt.Errorf("bad entry id %q", rest[0])
		}
		st, err := c.orch.Status(ctx)
		if err != nil {
			return err
		}
		if err := c.queue.Retry(ctx, st.OwnerID, id); err != nil {
			return err
		}
		fmt.Fprintln(c.out, "queued again")
	default:
		return fmt.Errorf("unknown command %q, try help", cmd)
	}
	return nil
}

// promptFields asks for key=value lines until an empty one.
func (c *Console) promptFields() (models.Record, error) {
	if c.rl == nil {
		return nil, errors.New("no fields given")
	}
	defer c.rl.SetPrompt("> ")
	c.rl.SetPrompt("field (key=value, empty to finish): ")

	var pairs []string
	for {
		line, err := c.rl.Readline()
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		pairs = append(pairs, line)
	}
	return parseFields(pairs)
}

func tableAndID(args []string) (string, int64, error) {
	if len(args) < 2 {
		return "", 0, errors.New("table and id are required")
	}
	id, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("bad id %q", args[1])
	}
	return args[0], id, nil
}

func parseFields(pairs []string) (models.Record, error) {
	rec := models.Record{}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", p)
		}
		rec[k] = v
	}
	return rec, nil
}

func (c *Console) printRecord(rec models.Record) {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if rec[k] == nil {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%v", k, rec[k]))
	}
	fmt.Fprintln(c.out, strings.Join(parts, " "))
}

// PrintStatus renders st for humans.
func PrintStatus(w io.Writer, st orchestrator.Status) {
	fmt.Fprintf(w, "owner:        %s\n", st.OwnerID)
	fmt.Fprintf(w, "state:        %s\n", st.State)
	if st.LastSuccess.IsZero() {
		fmt.Fprintln(w, "last success: never")
	} else {
		fmt.Fprintf(w, "last success: %s\n", st.LastSuccess.Local().Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintf(w, "queue:        %d pending, %d in flight, %d failed\n", st.Pending, st.InFlight, st.Failed)
	if st.LastError != "" {
		fmt.Fprintf(w, "last error:   %s\n", st.LastError)
	}
	if st.Degraded {
		fmt.Fprintf(w, "DEGRADED (%d failed cycles in a row)\n", st.ConsecutiveFailures)
	}
}

// PrintEntries lists queue entries, one per line.
func PrintEntries(w io.Writer, entries []models.QueuedMutation) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "no entries")
		return
	}
	for _, e := range entries {
		payload, _ := json.Marshal(json.RawMessage(e.Payload))
		fmt.Fprintf(w, "#%d %s %s attempts=%d error=%q payload=%s\n",
			e.ID, e.Operation, e.Key(), e.Attempts, e.LastError, payload)
	}
}
