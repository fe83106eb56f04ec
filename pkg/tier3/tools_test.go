package tier3

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolRegistry(t *testing.T) {
	r := NewToolRegistry()
	echo := func(_ context.Context, params, inputs map[string]any) (ToolResult, error) {
		return ToolResult{Output: map[string]any{"params": params, "inputs": inputs}}, nil
	}

	require.Error(t, r.Register(Tool{Fn: echo}))
	require.Error(t, r.Register(Tool{Name: "no-fn"}))
	require.Error(t, r.Register(Tool{Name: "bad", Schema: `{"type": 12}`, Fn: echo}))

	require.NoError(t, r.Register(Tool{
		Name:    "count",
		Schema:  `{"type":"object","properties":{"n":{"type":"integer","maximum":10}}}`,
		Credits: 4,
		Fn:      echo,
	}))
	require.NoError(t, r.Register(Tool{Name: "free", Fn: func(context.Context, map[string]any, map[string]any) (ToolResult, error) {
		return ToolResult{CreditsUsed: 9}, nil
	}}))
	assert.Equal(t, []string{"count", "free"}, r.Names())

	ctx := context.Background()
	res, err := r.Invoke(ctx, "count", map[string]any{"n": 3}, map[string]any{"prev": 1})
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.CreditsUsed, "declared cost applies when the tool reports none")
	assert.Equal(t, map[string]any{"prev": 1}, res.Output["inputs"])

	res, err = r.Invoke(ctx, "free", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(9), res.CreditsUsed)
	assert.NotNil(t, res.Output)

	_, err = r.Invoke(ctx, "count", map[string]any{"n": 11}, nil)
	require.ErrorIs(t, err, ErrInvalidParams)

	_, err = r.Invoke(ctx, "count", map[string]any{"n": 1.5}, nil)
	require.ErrorIs(t, err, ErrInvalidParams)

	_, err = r.Invoke(ctx, "missing", nil, nil)
	require.ErrorIs(t, err, ErrToolNotFound)

	boom := errors.New("upstream down")
	require.NoError(t, r.Register(Tool{Name: "flaky", Fn: func(context.Context, map[string]any, map[string]any) (ToolResult, error) {
		return ToolResult{}, boom
	}}))
	_, err = r.Invoke(ctx, "flaky", nil, nil)
	require.ErrorIs(t, err, boom)
}
