package cmds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/turnkit/pkg/events"
	"github.com/go-go-golems/turnkit/pkg/inference/engine"
	"github.com/go-go-golems/turnkit/pkg/inference/runerrors"
	"github.com/go-go-golems/turnkit/pkg/inference/session"
	"github.com/go-go-golems/turnkit/pkg/inference/tools"
	"github.com/go-go-golems/turnkit/pkg/runtime"
	"github.com/go-go-golems/turnkit/pkg/turns"
	"github.com/go-go-golems/turnkit/pkg/turns/serde"
)

type runSettings struct {
	Registry          string
	Profile           string
	RuntimeKey        string
	Overrides         []string
	Reply             string
	SessionID         string
	TimeoutMs         int64
	MaxIterations     int
	MaxParallelTools  int
	ToolErrorHandling string
	Stream            bool
	PrintEvents       bool
	Output            string
}

const eventsTopic = "turnkit.events"

func NewRunCommand() *cobra.Command {
	s := &runSettings{}
	cmd := &cobra.Command{
		Use:   "run [prompt...]",
		Short: "Run one prompt through a session and print the result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runPrompt(ctx, cmd, s, strings.Join(args, " "))
		},
	}

	f := cmd.Flags()
	f.StringVar(&s.Registry, "registry", "", "Registry slug (default: first registry holding the profile)")
	f.StringVar(&s.Profile, "profile", "", "Profile slug (default: the registry's default profile)")
	f.StringVar(&s.RuntimeKey, "runtime-key", "", "Runtime key to use when the profile does not set one")
	f.StringArrayVar(&s.Overrides, "override", nil, "Request override key=value, value parsed as YAML (repeatable)")
	f.StringVar(&s.Reply, "reply", "", "Reply of the echo engine when no profile registry is configured")
	f.StringVar(&s.SessionID, "session-id", "", "Session id (default: random)")
	f.Int64Var(&s.TimeoutMs, "timeout-ms", 0, "Run deadline in milliseconds, 0 for none")
	f.IntVar(&s.MaxIterations, "max-iterations", tools.DefaultMaxIterations, "Maximum engine calls per run")
	f.IntVar(&s.MaxParallelTools, "max-parallel-tools", tools.DefaultMaxParallelTools, "Maximum concurrent tool executions")
	f.StringVar(&s.ToolErrorHandling, "tool-error-handling", string(tools.ToolErrorAbort), "What to do when a tool fails (abort, retry, continue)")
	f.BoolVar(&s.Stream, "stream", false, "Print partial completions as they arrive")
	f.BoolVar(&s.PrintEvents, "print-events", false, "Print every run event as a JSON line on stderr")
	f.StringVar(&s.Output, "output", "text", "Output format (text, turn, yaml)")
	return cmd
}

func runPrompt(ctx context.Context, cmd *cobra.Command, s *runSettings, prompt string) error {
	switch s.Output {
	case "text", "turn", "yaml":
	default:
		return errors.Errorf("unknown output format %q", s.Output)
	}
	overrides, err := parseOverrides(s.Overrides)
	if err != nil {
		return err
	}

	var sinks []events.EventSink
	if s.PrintEvents {
		sink, stopRouter, err := startEventPrinter(ctx, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer stopRouter()
		sinks = append(sinks, sink)
	}

	env, err := newEnvironment(ctx, sinks...)
	if err != nil {
		return err
	}
	defer func() {
		if err := env.Close(); err != nil {
			log.Warn().Err(err).Msg("close environment")
		}
	}()
	rt := env.Runtime

	var desc engine.Descriptor
	useProfile := env.HasStack
	if useProfile {
		desc, err = rt.EngineFromProfile(ctx, runtime.ProfileRequest{
			RegistrySlug:     s.Registry,
			ProfileSlug:      s.Profile,
			RuntimeKey:       s.RuntimeKey,
			RequestOverrides: overrides,
		})
	} else {
		if s.Profile != "" || s.Registry != "" || len(overrides) > 0 {
			return errors.New("--profile, --registry and --override need --profile-registries")
		}
		desc, err = rt.EchoEngine(s.Reply)
	}
	if err != nil {
		return err
	}
	defer rt.ReleaseEngine(desc)
	log.Debug().Str("engine", desc.Name).Interface("metadata", desc.Metadata).Msg("engine ready")

	cfg := tools.DefaultToolConfig().
		WithMaxIterations(s.MaxIterations).
		WithMaxParallelTools(s.MaxParallelTools).
		WithToolErrorHandling(tools.ToolErrorHandling(s.ToolErrorHandling))

	sess, err := rt.CreateSession(runtime.SessionOptions{
		SessionID:         s.SessionID,
		Engine:            desc,
		ToolConfig:        &cfg,
		UseProfileRuntime: useProfile,
	})
	if err != nil {
		return err
	}
	if _, err := sess.AppendNewTurnFromUserPrompts(prompt); err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	h := sess.Start(ctx, nil, session.RunOptions{TimeoutMs: s.TimeoutMs})
	if s.Stream {
		h.On(events.EventTypePartialCompletion, func(e events.Event) {
			if p, ok := e.(*events.EventPartialCompletion); ok {
				_, _ = fmt.Fprint(w, p.Delta)
			}
		})
	}
	out, err := h.Wait()
	if s.Stream {
		_, _ = fmt.Fprintln(w)
	}
	if err != nil {
		return errors.Wrapf(err, "run %s failed (%s)", h.InferenceID, runerrors.KindOf(err))
	}

	switch s.Output {
	case "yaml":
		b, err := serde.ToYAML(out, serde.Options{})
		if err != nil {
			return err
		}
		_, err = w.Write(b)
		return err
	case "turn":
		turns.FprintTurn(w, out, true)
		return nil
	default:
		if !s.Stream {
			_, _ = fmt.Fprintln(w, lastAssistantText(out))
		}
		return nil
	}
}

// startEventPrinter runs an event router whose only handler writes each
// event as JSON to w. The returned sink publishes to that router.
func startEventPrinter(ctx context.Context, w io.Writer) (events.EventSink, func(), error) {
	router, err := events.NewEventRouter(events.WithZerolog(log.Logger))
	if err != nil {
		return nil, nil, err
	}
	router.AddEventHandler("print-events", eventsTopic, func(e events.Event) error {
		b, err := json.Marshal(e)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%s\n", b)
		return err
	})

	routerCtx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- router.Run(routerCtx) }()
	select {
	case <-router.Running():
	case err := <-errCh:
		cancel()
		if err == nil {
			err = errors.New("router stopped before running")
		}
		return nil, nil, errors.Wrap(err, "start event router")
	}
	stop := func() {
		cancel()
		_ = router.Close()
	}
	return router.Sink(eventsTopic), stop, nil
}

// parseOverrides turns key=value pairs into request overrides. Values are
// YAML so lists and maps can be passed inline.
func parseOverrides(raw []string) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(raw))
	for _, kv := range raw {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, errors.Errorf("override %q is not key=value", kv)
		}
		var val any
		if err := yaml.Unmarshal([]byte(v), &val); err != nil {
			return nil, errors.Wrapf(err, "override %q", k)
		}
		if val == nil {
			val = v
		}
		out[k] = val
	}
	return out, nil
}

func lastAssistantText(t *turns.Turn) string {
	if t == nil {
		return ""
	}
	for i := len(t.Blocks) - 1; i >= 0; i-- {
		b := t.Blocks[i]
		if b.Kind == turns.BlockKindLLMText {
			return b.Text()
		}
	}
	return ""
}
