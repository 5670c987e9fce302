package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/ddp/internal/engine"
	"github.com/roach88/ddp/internal/wire"
)

// CallOptions holds flags for the call command.
type CallOptions struct {
	*RootOptions
	RandomSeed bool
}

// NewCallCommand creates the call command.
func NewCallCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CallOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "call <method> [json-param...]",
		Short: "Call a method and print its result",
		Long: `Connect to the server, call a method and print its result.

Each param is parsed as EJSON, so dates and binary values can be passed
as {"$date": ...} and {"$binary": ...}. Bare words that are not valid
JSON are rejected.

Example:
  ddpctl call login '{"user":"alice","password":"secret"}'
  ddpctl call --url ws://localhost:3000/websocket tasks.count
  ddpctl call --format json --random-seed tasks.insert '{"title":"A"}'`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(opts, args[0], args[1:], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.RandomSeed, "random-seed", false, "send a random seed with the call")

	return cmd
}

func runCall(opts *CallOptions, method string, rawParams []string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	params, err := parseParams(rawParams)
	if err != nil {
		return formatter.fail(ExitCommandError, ErrCodeInvalidArgs, "invalid params", err)
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		return formatter.fail(ExitCommandError, ErrCodeConfig, "invalid config", err)
	}
	logger := opts.setupLogging(cmd.ErrOrStderr())

	ctx, cancel := commandContext(cmd)
	defer cancel()

	s, err := opts.connect(ctx, cfg, logger, nil)
	if err != nil {
		return formatter.fail(ExitFailure, ErrCodeConnect, "connect failed", err)
	}
	defer s.close()

	formatter.VerboseLog("Calling %s on session %s", method, s.engine.Session())

	result, err := callMethod(ctx, s.engine, method, params, opts.RandomSeed)
	if err != nil {
		var serverErr *wire.Error
		if errors.As(err, &serverErr) {
			return formatter.fail(ExitFailure, ErrCodeMethod, fmt.Sprintf("method %s failed", method), err)
		}
		return formatter.fail(ExitFailure, ErrCodeConnect, fmt.Sprintf("method %s not completed", method), err)
	}

	if formatter.Format == "json" {
		return formatter.Success(wire.ToEJSON(result))
	}
	text, err := wire.EJSON{}.Marshal(result)
	if err != nil {
		return formatter.fail(ExitFailure, ErrCodeGeneric, "encode result", err)
	}
	return formatter.Success(string(text))
}

// callMethod is CallContext with an optional random seed.
func callMethod(ctx context.Context, eng *engine.Engine, method string, params []any, seeded bool) (any, error) {
	if !seeded {
		return eng.CallContext(ctx, method, params...)
	}

	type outcome struct {
		result any
		err    error
	}
	ch := make(chan outcome, 1)
	eng.CallWithRandomSeed(method, params, engine.NewRandomSeed(), func(result any, err error) {
		ch <- outcome{result: result, err: err}
	}, nil)

	select {
	case o := <-ch:
		return o.result, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// parseParams decodes each argument as EJSON.
func parseParams(raw []string) ([]any, error) {
	params := make([]any, 0, len(raw))
	for i, arg := range raw {
		v, err := wire.EJSON{}.Unmarshal([]byte(arg))
		if err != nil {
			return nil, fmt.Errorf("param %d: %w", i+1, err)
		}
		params = append(params, v)
	}
	return params, nil
}
