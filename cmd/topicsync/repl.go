package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ergochat/readline"

	"github.com/Grapycal/topicsync"
	"github.com/Grapycal/topicsync/change"
)

// REPL per se.
type REPL struct {
	ctx context.Context
	srv *topicsync.Server
	rl  *readline.Instance
}

var ErrBadArgs = errors.New("bad arguments")

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),

	readline.PcItem("listen"),

	readline.PcItem("add"),
	readline.PcItem("drop"),
	readline.PcItem("topics"),

	readline.PcItem("get"),
	readline.PcItem("set"),
	readline.PcItem("append"),
	readline.PcItem("remove"),
	readline.PcItem("emit"),

	readline.PcItem("undo"),
	readline.PcItem("redo"),

	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

func (repl *REPL) Open() (err error) {
	repl.rl, err = readline.NewEx(&readline.Config{
		Prompt:          "◌ ",
		HistoryFile:     ".topicsync_cmd_log.txt",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return
	}
	repl.rl.CaptureExitSignal()
	return
}

func (repl *REPL) Close() error {
	if repl.rl != nil {
		_ = repl.rl.Close()
		repl.rl = nil
	}
	return nil
}

func (repl *REPL) Loop() {
	for {
		line, err := repl.rl.Readline()
		if err == readline.ErrInterrupt && len(line) != 0 {
			continue
		}
		if err == io.EOF || err == readline.ErrInterrupt {
			return
		}
		if err != nil {
			fmt.Println("error:", err.Error())
			return
		}
		line = strings.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if line == "exit" || line == "quit" {
			return
		}
		if err = repl.Command(line); err != nil {
			fmt.Println("error:", err.Error())
		}
	}
}

func (repl *REPL) Command(line string) error {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "help":
		fmt.Println("listen ADDR | add NAME KIND | drop NAME | topics |")
		fmt.Println("get NAME | set NAME JSON | append NAME JSON | remove NAME JSON |")
		fmt.Println("emit NAME [JSON] | undo | redo | exit")
		return nil
	case "listen":
		if len(args) != 1 {
			return ErrBadArgs
		}
		return repl.srv.Listen(repl.ctx, args[0])
	case "add":
		if len(args) != 2 {
			return ErrBadArgs
		}
		return repl.do(func() error {
			_, err := repl.srv.AddTopic(args[0], change.Kind(args[1]), nil)
			return err
		})
	case "drop":
		if len(args) != 1 {
			return ErrBadArgs
		}
		return repl.do(func() error {
			return repl.srv.StateMachine().RemoveTopic(args[0])
		})
	case "topics":
		return repl.do(func() error {
			for _, name := range repl.srv.StateMachine().TopicNames() {
				t, _ := repl.srv.Topic(name)
				fmt.Printf("%s\t%s\t%s\n", name, t.Kind(), render(t.Get()))
			}
			return nil
		})
	case "get":
		if len(args) != 1 {
			return ErrBadArgs
		}
		return repl.withTopic(args[0], func(t *topicsync.Topic) error {
			fmt.Println(render(t.Get()))
			return nil
		})
	case "set":
		if len(args) < 2 {
			return ErrBadArgs
		}
		value, err := parseValue(strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		return repl.withTopic(args[0], func(t *topicsync.Topic) error {
			return t.Set(value)
		})
	case "append":
		if len(args) < 2 {
			return ErrBadArgs
		}
		item, err := parseValue(strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		return repl.withTopic(args[0], func(t *topicsync.Topic) error {
			return t.Append(item)
		})
	case "remove":
		if len(args) < 2 {
			return ErrBadArgs
		}
		item, err := parseValue(strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		return repl.withTopic(args[0], func(t *topicsync.Topic) error {
			return t.Remove(item)
		})
	case "emit":
		if len(args) < 1 {
			return ErrBadArgs
		}
		var eventArgs map[string]any
		if len(args) > 1 {
			parsed, err := parseValue(strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			eventArgs, _ = parsed.(map[string]any)
		}
		return repl.withTopic(args[0], func(t *topicsync.Topic) error {
			return t.Emit(eventArgs)
		})
	case "undo":
		return repl.do(repl.srv.Undo)
	case "redo":
		return repl.do(repl.srv.Redo)
	default:
		return fmt.Errorf("unknown command %q, try help", cmd)
	}
}

// do runs fn on the server loop and relays its error.
func (repl *REPL) do(fn func() error) error {
	var inner error
	if err := repl.srv.Do(repl.ctx, func() { inner = fn() }); err != nil {
		return err
	}
	return inner
}

func (repl *REPL) withTopic(name string, fn func(t *topicsync.Topic) error) error {
	return repl.do(func() error {
		t, ok := repl.srv.Topic(name)
		if !ok {
			return fmt.Errorf("no such topic %q", name)
		}
		return fn(t)
	})
}

// parseValue reads a JSON value, falling back to a bare string so
// `set title hello` works without quotes.
func parseValue(s string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v, nil
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n, nil
	}
	return s, nil
}

func render(v any) string {
	out, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(out)
}
