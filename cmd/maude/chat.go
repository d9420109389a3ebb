package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"goa.design/clue/log"

	"github.com/maude-dev/maude/pkg/agent"
	"github.com/maude-dev/maude/pkg/config"
	"github.com/maude-dev/maude/pkg/event"
)

func chatCommand(ctx context.Context, argv []string, cfgPath string, streams ioStreams) error {
	set := flag.NewFlagSet("chat", flag.ContinueOnError)
	set.SetOutput(streams.err)
	var (
		modelFlag        = set.String("model", "", "Override backend.model.")
		conversationFlag = set.String("conversation", "", "Continue an existing conversation.")
		recordFlag       = set.String("record", "", "Append every canonical event to this JSONL file.")
		jsonFlag         = set.Bool("json", false, "Print canonical events as JSON lines instead of text.")
		configFlag       = set.String("config", cfgPath, "Path to the YAML config file.")
	)
	var imageFlags multiValue
	set.Var(&imageFlags, "image", "Attach a base64-encoded image. Repeatable.")
	set.Usage = func() {
		fmt.Fprintln(streams.err, "Usage: maude chat [flags] \"message\"")
		fmt.Fprintln(streams.err, "\nFlags:")
		set.PrintDefaults()
		fmt.Fprintln(streams.err, "\nExamples:")
		fmt.Fprintln(streams.err, "  maude chat \"summarize the release notes\"")
		fmt.Fprintln(streams.err, "  maude chat --conversation c42 --model qwen3 \"and the risks?\"")
		fmt.Fprintln(streams.err, "  maude chat --json --record run.jsonl \"plan the migration\"")
	}
	if err := set.Parse(argv); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	message := strings.TrimSpace(strings.Join(set.Args(), " "))
	if message == "" && len(imageFlags) == 0 {
		return errors.New("chat requires a message")
	}
	resolved, err := expandConfigPath(*configFlag)
	if err != nil {
		return err
	}
	cfg, err := config.Load(resolved)
	if err != nil {
		return err
	}
	ctx = withLogger(ctx, cfg.Log, streams.err)

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.WithoutCancel(ctx)); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "cleanup failed"})
		}
	}()

	out := streams.out
	if out == nil {
		out = io.Discard
	}
	var sink event.Sink = &textPrinter{out: out, diag: streams.err}
	if *jsonFlag {
		enc := json.NewEncoder(out)
		enc.SetEscapeHTML(false)
		sink = event.SinkFunc(func(_ context.Context, evt event.Event) error {
			return enc.Encode(evt)
		})
	}
	if path := strings.TrimSpace(*recordFlag); path != "" {
		fileLog, err := event.OpenFileLog(path)
		if err != nil {
			return err
		}
		defer fileLog.Close()
		sink = event.Tee(sink, fileLog)
	}

	res, err := a.runtime.Chat(ctx, agent.ChatRequest{
		ConversationID: *conversationFlag,
		Message:        message,
		Images:         imageFlags.slice(),
		Model:          *modelFlag,
	}, sink)
	if err != nil {
		return fmt.Errorf("chat: %w", err)
	}
	if streams.err != nil && !*jsonFlag {
		fmt.Fprintf(streams.err, "conversation %s: %s, %d in / %d out tokens\n",
			res.ConversationID, res.StopReason, res.Usage.InputTokens, res.Usage.OutputTokens)
	}
	return nil
}

// textPrinter renders deltas as plain text and tool activity as notes.
type textPrinter struct {
	out  io.Writer
	diag io.Writer
}

func (p *textPrinter) Send(_ context.Context, evt event.Event) error {
	switch data := evt.Data.(type) {
	case event.DeltaData:
		_, err := io.WriteString(p.out, data.Text)
		return err
	case event.BlockStopData:
		_, err := io.WriteString(p.out, "\n")
		return err
	case event.ToolResultData:
		if p.diag != nil {
			status := "ok"
			if data.IsError {
				status = "error"
			}
			fmt.Fprintf(p.diag, "[tool %s: %s]\n", data.Name, status)
		}
	case event.TurnEndData:
		if data.StopReason == event.StopIterationLimit && p.diag != nil {
			fmt.Fprintln(p.diag, "[stopped: tool iteration limit reached]")
		}
	}
	return nil
}

type multiValue []string

func (m *multiValue) String() string {
	return strings.Join(m.slice(), ",")
}

func (m *multiValue) Set(value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return errors.New("value cannot be empty")
	}
	*m = append(*m, trimmed)
	return nil
}

func (m *multiValue) slice() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), (*m)...)
}
