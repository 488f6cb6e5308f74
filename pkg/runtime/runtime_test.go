package runtime

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/turnkit/pkg/events"
	"github.com/go-go-golems/turnkit/pkg/inference/engine"
	"github.com/go-go-golems/turnkit/pkg/inference/middleware"
	"github.com/go-go-golems/turnkit/pkg/inference/runerrors"
	"github.com/go-go-golems/turnkit/pkg/inference/session"
	"github.com/go-go-golems/turnkit/pkg/inference/tools"
	"github.com/go-go-golems/turnkit/pkg/profiles"
	"github.com/go-go-golems/turnkit/pkg/turns"
)

func testStack(t *testing.T, regs ...*profiles.ProfileRegistry) *profiles.RegistryStack {
	t.Helper()
	stack := profiles.NewRegistryStack()
	for _, reg := range regs {
		store := profiles.NewInMemoryProfileStore()
		require.NoError(t, store.UpsertRegistry(context.Background(), reg, profiles.SaveOptions{}))
		sr, err := profiles.NewStoreRegistry(store, reg.Slug)
		require.NoError(t, err)
		stack.Push(profiles.StackEntry{Label: reg.Slug.String(), Registry: sr})
	}
	return stack
}

func registry(slug string, ps ...*profiles.Profile) *profiles.ProfileRegistry {
	reg := &profiles.ProfileRegistry{Slug: profiles.MustRegistrySlug(slug), Profiles: map[profiles.ProfileSlug]*profiles.Profile{}}
	for _, p := range ps {
		reg.Profiles[p.Slug] = p
		if reg.DefaultProfileSlug.IsZero() {
			reg.DefaultProfileSlug = p.Slug
		}
	}
	return reg
}

func profile(slug, prompt, reply string) *profiles.Profile {
	return &profiles.Profile{
		Slug: profiles.MustProfileSlug(slug),
		Runtime: profiles.RuntimeSpec{
			EngineName:   "echo",
			EngineConfig: map[string]any{"reply": reply},
			SystemPrompt: prompt,
		},
	}
}

func quiet() Option { return WithLogger(zerolog.Nop()) }

func TestEchoEngineSessionRepliesReady(t *testing.T) {
	rt := New(quiet())
	desc, err := rt.EchoEngine("")
	require.NoError(t, err)
	assert.Equal(t, "echo", desc.Name)

	sess, err := rt.CreateSession(SessionOptions{Engine: desc})
	require.NoError(t, err)
	sess.Append(turns.NewTurnFromUserPrompt("are you there?"))

	out, err := sess.Run(context.Background(), nil, session.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, "READY", out.Blocks[len(out.Blocks)-1].Text())
	assert.Equal(t, 1, sess.TurnCount())
}

func TestDescriptorHidesEngine(t *testing.T) {
	rt := New(quiet())
	desc, err := rt.EngineFromFunc("custom", func(_ context.Context, t *turns.Turn) (*turns.Turn, error) {
		return t, nil
	})
	require.NoError(t, err)

	b, err := json.Marshal(desc)
	require.NoError(t, err)
	var fields map[string]any
	require.NoError(t, json.Unmarshal(b, &fields))
	assert.ElementsMatch(t, []string{"id", "name", "metadata"}, keys(fields))

	eng, err := rt.Engine(desc)
	require.NoError(t, err)
	assert.NotNil(t, eng)

	rt.ReleaseEngine(desc)
	_, err = rt.Engine(desc)
	assert.Equal(t, runerrors.KindConfiguration, runerrors.KindOf(err))

	_, err = rt.EngineFromFunc("nil", nil)
	assert.Equal(t, runerrors.KindConfiguration, runerrors.KindOf(err))
}

func keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestEngineFromProfileWithoutRegistry(t *testing.T) {
	rt := New(quiet())
	_, err := rt.EngineFromProfile(context.Background(), ProfileRequest{ProfileSlug: "assistant"})
	require.Error(t, err)
	assert.ErrorIs(t, err, profiles.ErrNoRegistryConfigured)
	assert.NotErrorIs(t, err, profiles.ErrPolicyViolation)
	assert.Equal(t, runerrors.KindConfiguration, runerrors.KindOf(err))
}

func TestEngineFromProfileSetsDescriptorMetadata(t *testing.T) {
	rt := New(quiet(), WithRegistryStack(testStack(t,
		registry("base", profile("assistant", "base prompt", "from base")),
		registry("team", profile("assistant", "team prompt", "from team")),
	)))

	desc, err := rt.EngineFromProfile(context.Background(), ProfileRequest{ProfileSlug: "assistant"})
	require.NoError(t, err)
	assert.Equal(t, "team", desc.Metadata[MetaProfileRegistry])
	assert.Equal(t, "assistant", desc.Metadata[MetaProfileSlug])
	assert.Equal(t, "assistant", desc.Metadata[MetaRuntimeKey])
	assert.Contains(t, desc.Metadata[MetaRuntimeFingerprint], "sha256:")

	again, err := rt.EngineFromProfile(context.Background(), ProfileRequest{ProfileSlug: "assistant"})
	require.NoError(t, err)
	assert.NotEqual(t, desc.ID, again.ID)
	assert.Equal(t, desc.Metadata[MetaRuntimeFingerprint], again.Metadata[MetaRuntimeFingerprint])
}

func TestEngineFromProfilePolicyViolation(t *testing.T) {
	rt := New(quiet(), WithRegistryStack(testStack(t, registry("default", profile("assistant", "p", "")))))

	_, err := rt.EngineFromProfile(context.Background(), ProfileRequest{
		ProfileSlug:      "assistant",
		RequestOverrides: map[string]any{"middlewares": []any{map[string]any{"name": "logging"}}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, profiles.ErrPolicyViolation)
	assert.NotErrorIs(t, err, profiles.ErrNoRegistryConfigured)
	assert.Equal(t, runerrors.KindConfiguration, runerrors.KindOf(err))

	desc, err := rt.EngineFromProfile(context.Background(), ProfileRequest{
		ProfileSlug:      "assistant",
		RequestOverrides: map[string]any{"systemPrompt": "overridden"},
	})
	require.NoError(t, err)
	resolved, ok := rt.ProfileRuntime(desc)
	require.True(t, ok)
	assert.Equal(t, "overridden", resolved.EffectiveRuntime.SystemPrompt)
}

func TestEngineFromProfileUnknownEngine(t *testing.T) {
	p := profile("assistant", "", "")
	p.Runtime.EngineName = "gpt-9000"
	rt := New(quiet(), WithRegistryStack(testStack(t, registry("default", p))))
	_, err := rt.EngineFromProfile(context.Background(), ProfileRequest{})
	assert.Equal(t, runerrors.KindConfiguration, runerrors.KindOf(err))

	rt = New(quiet(), WithRegistryStack(testStack(t, registry("default", p))),
		WithEngineFactory("gpt-9000", func(map[string]any) (engine.Engine, error) {
			return engine.NewEchoEngine("custom"), nil
		}))
	_, err = rt.EngineFromProfile(context.Background(), ProfileRequest{})
	require.NoError(t, err)
}

func TestCreateSessionUsesProfileRuntime(t *testing.T) {
	p := profile("assistant", "You are terse.", "from profile")
	p.Runtime.Middlewares = []profiles.MiddlewareUse{{Name: "trace-id"}}
	rt := New(quiet(), WithRegistryStack(testStack(t, registry("default", p))))

	desc, err := rt.EngineFromProfile(context.Background(), ProfileRequest{})
	require.NoError(t, err)
	sess, err := rt.CreateSession(SessionOptions{Engine: desc, UseProfileRuntime: true, SessionID: "s-1"})
	require.NoError(t, err)
	sess.Append(turns.NewTurnFromUserPrompt("hi"))

	out, err := sess.Run(context.Background(), nil, session.RunOptions{})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(out.Blocks), 3)
	assert.Equal(t, turns.BlockKindSystem, out.Blocks[0].Kind)
	assert.Equal(t, "You are terse.", out.Blocks[0].Text())
	assert.Equal(t, "from profile", out.Blocks[len(out.Blocks)-1].Text())

	slug, ok, err := turns.KeyTurnMetaProfileSlug.Get(out.Metadata)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "assistant", slug)
	fp, _, _ := turns.KeyTurnMetaRuntimeFingerprint.Get(out.Metadata)
	assert.Equal(t, desc.Metadata[MetaRuntimeFingerprint], fp)
	traceID, ok, _ := turns.KeyTurnMetaTraceID.Get(out.Metadata)
	assert.True(t, ok)
	assert.NotEmpty(t, traceID)
}

func TestCreateSessionRejectsBadConfiguration(t *testing.T) {
	rt := New(quiet())
	desc, err := rt.EchoEngine("")
	require.NoError(t, err)

	_, err = rt.CreateSession(SessionOptions{Engine: desc, UseProfileRuntime: true})
	assert.Equal(t, runerrors.KindConfiguration, runerrors.KindOf(err))

	bad := tools.DefaultToolConfig().WithMaxParallelTools(-1)
	_, err = rt.CreateSession(SessionOptions{Engine: desc, ToolConfig: &bad})
	assert.Error(t, err)

	_, err = rt.CreateSession(SessionOptions{})
	assert.Equal(t, runerrors.KindConfiguration, runerrors.KindOf(err))

	p := profile("assistant", "", "")
	p.Runtime.Middlewares = []profiles.MiddlewareUse{{Name: "does-not-exist"}}
	rt = New(quiet(), WithRegistryStack(testStack(t, registry("default", p))))
	desc, err = rt.EngineFromProfile(context.Background(), ProfileRequest{})
	require.NoError(t, err)
	_, err = rt.CreateSession(SessionOptions{Engine: desc, UseProfileRuntime: true})
	assert.Equal(t, runerrors.KindConfiguration, runerrors.KindOf(err))
}

func TestCreateSessionRecordsToolMetricsAndEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := middleware.NewMetrics(reg)
	require.NoError(t, err)

	toolReg := tools.NewInMemoryToolRegistry()
	require.NoError(t, toolReg.RegisterTool(tools.ToolDefinition{
		Name: "lookup",
		Handler: tools.ToolHandlerFunc(func(context.Context, json.RawMessage) (any, error) {
			return "found", nil
		}),
	}))

	collector := &events.CollectingSink{}
	rt := New(quiet(), WithToolRegistry(toolReg), WithMetrics(metrics), WithEventSinks(collector))

	var calls atomic.Int64
	desc, err := rt.EngineFromFunc("scripted", func(_ context.Context, t *turns.Turn) (*turns.Turn, error) {
		if calls.Add(1) == 1 {
			turns.AppendBlock(t, turns.NewToolCallBlock("c1", "lookup", map[string]any{"q": "go"}))
			return t, nil
		}
		turns.AppendBlock(t, turns.NewAssistantTextBlock("done"))
		return t, nil
	})
	require.NoError(t, err)

	var before atomic.Int64
	sess, err := rt.CreateSession(SessionOptions{
		Engine:      desc,
		Middlewares: []middleware.Middleware{middleware.NewMetricsMiddleware(metrics)},
		Hooks: tools.Hooks{BeforeToolCall: func(_ context.Context, p tools.BeforeToolCallPayload) {
			before.Add(1)
		}},
	})
	require.NoError(t, err)
	sess.Append(turns.NewTurnFromUserPrompt("look it up"))

	out, err := sess.Run(context.Background(), nil, session.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, "done", out.Blocks[len(out.Blocks)-1].Text())
	assert.Equal(t, int64(1), before.Load())

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ToolCalls.WithLabelValues("lookup", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Inferences.WithLabelValues("ok")))

	assert.NotEmpty(t, collector.OfType(events.EventTypeStart))
	assert.NotEmpty(t, collector.OfType(events.EventTypeFinal))
}

func TestScriptedProfileDrivesToolLoop(t *testing.T) {
	toolReg := tools.NewInMemoryToolRegistry()
	require.NoError(t, toolReg.RegisterTool(tools.ToolDefinition{
		Name: "lookup",
		Handler: tools.ToolHandlerFunc(func(context.Context, json.RawMessage) (any, error) {
			return "found", nil
		}),
	}))
	p := profile("agent", "", "")
	p.Runtime.EngineName = "scripted"
	p.Runtime.EngineConfig = map[string]any{
		"reply": "result:",
		"calls": []any{map[string]any{"name": "lookup", "args": map[string]any{"q": "go"}}},
	}
	p.Runtime.Tools = []string{"lookup"}
	rt := New(quiet(), WithToolRegistry(toolReg), WithRegistryStack(testStack(t, registry("default", p))))

	desc, err := rt.EngineFromProfile(context.Background(), ProfileRequest{})
	require.NoError(t, err)
	assert.Equal(t, "scripted", desc.Metadata[MetaEngineName])
	sess, err := rt.CreateSession(SessionOptions{Engine: desc, UseProfileRuntime: true})
	require.NoError(t, err)
	sess.Append(turns.NewTurnFromUserPrompt("go"))

	out, err := sess.Run(context.Background(), nil, session.RunOptions{})
	require.NoError(t, err)
	last := out.Blocks[len(out.Blocks)-1]
	assert.Contains(t, last.Text(), "result:")
	assert.Contains(t, last.Text(), "found")
}

func TestScriptedFactoryRejectsUnnamedCall(t *testing.T) {
	_, err := scriptedFactory(map[string]any{"calls": []any{map[string]any{"args": map[string]any{}}}})
	assert.Error(t, err)
}
