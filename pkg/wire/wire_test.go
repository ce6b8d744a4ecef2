package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUnmarshal(t *testing.T) {
	t.Run("push", func(t *testing.T) {
		msg, err := Unmarshal(`["push",["pipeline",0,["hello"],["World"]]]`)
		require.NoError(t, err)
		require.Equal(t, MessagePush, msg.Type)
		require.Equal(t, []any{"pipeline", int64(0), []any{"hello"}, []any{"World"}}, msg.Expr)
	})

	t.Run("pull", func(t *testing.T) {
		msg, err := Unmarshal(`["pull",3]`)
		require.NoError(t, err)
		require.Equal(t, Pull(3), msg)
	})

	t.Run("release", func(t *testing.T) {
		msg, err := Unmarshal(`["release",-1,2]`)
		require.NoError(t, err)
		require.Equal(t, Release(-1, 2), msg)
	})

	t.Run("resolve keeps floats", func(t *testing.T) {
		msg, err := Unmarshal(`["resolve",1,1.5]`)
		require.NoError(t, err)
		require.Equal(t, 1.5, msg.Expr)
	})

	t.Run("malformed frames", func(t *testing.T) {
		for _, frame := range []string{
			`{"push":1}`,
			`[]`,
			`[1,2]`,
			`["pull"]`,
			`["pull","x"]`,
			`["release",1]`,
			`["release",1,-2]`,
			`["resolve",1]`,
			`not json`,
		} {
			_, err := Unmarshal(frame)
			require.ErrorIs(t, err, ErrMalformedFrame, frame)
		}
	})

	t.Run("unknown tag", func(t *testing.T) {
		_, err := Unmarshal(`["stream",1]`)
		require.ErrorIs(t, err, ErrUnknownMessage)
	})
}

func TestMarshal(t *testing.T) {
	frame, err := Push([]any{"pipeline", int64(0), []any{"hello"}, []any{"World"}}).Marshal()
	require.NoError(t, err)
	require.Equal(t, `["push",["pipeline",0,["hello"],["World"]]]`, frame)

	frame, err = Release(-2, 1).Marshal()
	require.NoError(t, err)
	require.Equal(t, `["release",-2,1]`, frame)

	frame, err = Resolve(1, map[string]any{"b": 1, "a": "x"}).Marshal()
	require.NoError(t, err)
	require.Equal(t, `["resolve",1,{"a":"x","b":1}]`, frame)

	_, err = Message{}.Marshal()
	require.ErrorIs(t, err, ErrUnknownMessage)
}

func TestBatch(t *testing.T) {
	frames := SplitBatch("[\"pull\",1]\n\n[\"pull\",2]\n")
	require.Equal(t, []string{`["pull",1]`, `["pull",2]`}, frames)
	require.Equal(t, "[\"pull\",1]\n[\"pull\",2]", JoinBatch(frames))
	require.Empty(t, SplitBatch(""))
}

func TestFloat(t *testing.T) {
	for in, want := range map[float64]string{
		3:      "3.0",
		-0.25:  "-0.25",
		1e21:   "1e+21",
		-2:     "-2.0",
		123.75: "123.75",
	} {
		require.Equal(t, want, string(Float(in)))

		out, err := Decode(string(Float(in)))
		require.NoError(t, err)
		require.Equal(t, in, out)
	}

	out, err := Decode(`[3,3.0,3e0]`)
	require.NoError(t, err)
	require.Equal(t, []any{int64(3), 3.0, 3.0}, out)
}
