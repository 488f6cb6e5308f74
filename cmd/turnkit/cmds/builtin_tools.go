package cmds

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/turnkit/pkg/inference/tools"
)

type ClockInput struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA timezone name (default UTC)"`
}

type ClockOutput struct {
	Now      string `json:"now"`
	Timezone string `json:"timezone"`
}

func clock(ctx context.Context, in ClockInput) (ClockOutput, error) {
	tz := in.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return ClockOutput{}, errors.Wrapf(err, "unknown timezone %q", tz)
	}
	return ClockOutput{Now: time.Now().In(loc).Format(time.RFC3339), Timezone: tz}, nil
}

type CalcInput struct {
	A  float64 `json:"a" jsonschema:"required"`
	B  float64 `json:"b" jsonschema:"required"`
	Op string  `json:"op" jsonschema:"required,enum=add,enum=sub,enum=mul,enum=div"`
}

func calc(in CalcInput) (float64, error) {
	switch in.Op {
	case "add":
		return in.A + in.B, nil
	case "sub":
		return in.A - in.B, nil
	case "mul":
		return in.A * in.B, nil
	case "div":
		if in.B == 0 {
			return 0, errors.New("division by zero")
		}
		return in.A / in.B, nil
	default:
		return 0, errors.Errorf("unknown op %q", in.Op)
	}
}

type SleepInput struct {
	Ms int `json:"ms" jsonschema:"required,minimum=0"`
}

// sleep waits for the given duration or until the run is cancelled.
func sleep(ctx context.Context, in SleepInput) (string, error) {
	select {
	case <-time.After(time.Duration(in.Ms) * time.Millisecond):
		return "slept", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func builtinTools() (*tools.InMemoryToolRegistry, error) {
	reg := tools.NewInMemoryToolRegistry()
	defs := []struct {
		name, desc string
		fn         any
	}{
		{"clock", "Current time in a timezone", clock},
		{"calc", "Basic arithmetic on two numbers", calc},
		{"sleep", "Wait for a number of milliseconds", sleep},
	}
	for _, d := range defs {
		def, err := tools.NewToolFromFunc(d.name, d.desc, d.fn)
		if err != nil {
			return nil, err
		}
		if err := reg.RegisterTool(def); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
