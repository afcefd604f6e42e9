package campusflow

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/dingyuana/campusflow/state"
	"github.com/stretchr/testify/require"
)

func upperGuard(name string) Guard {
	return NewGuardFunc(name, func(ctx context.Context, f *Frame) (*Frame, *Rejection, error) {
		msgs := f.Messages()
		out := make([]state.Message, len(msgs))
		for i, m := range msgs {
			m.Content = strings.ToUpper(m.Content)
			out[i] = m
		}
		return f.ReplaceMessages(out).Record(GuardEvent{Guard: name, Action: "upper", Count: len(out)}), nil, nil
	})
}

func TestPipelinePreRewritesUnscannedHistory(t *testing.T) {
	s := NewState("t1")
	s.History = append(s.History, state.UserMessage("old"), state.UserMessage("new"))

	out, rejection, err := NewPipeline(upperGuard("upper")).Run(context.Background(), &Frame{
		Phase:   PhasePre,
		Node:    "w",
		State:   s,
		NewFrom: 1,
	})
	require.NoError(t, err)
	require.Nil(t, rejection)
	require.Equal(t, "old", out.State.History[0].Content)
	require.Equal(t, "NEW", out.State.History[1].Content)
	require.Len(t, out.Events, 1)
	// input frame untouched
	require.Equal(t, "new", s.History[1].Content)
}

func TestPipelinePostRewritesUpdate(t *testing.T) {
	s := NewState("t1")
	s.History = append(s.History, state.UserMessage("question"))
	u := NewUpdate().Say("w", "answer")

	out, rejection, err := NewPipeline(upperGuard("upper")).Run(context.Background(), &Frame{
		Phase:   PhasePost,
		Node:    "w",
		State:   s,
		Update:  u,
		NewFrom: 1,
	})
	require.NoError(t, err)
	require.Nil(t, rejection)
	require.Equal(t, "ANSWER", out.Update.AppendHistory[0].Content)
	require.Equal(t, "question", out.State.History[0].Content)
	require.Equal(t, "answer", u.AppendHistory[0].Content)
}

func TestPipelineRestoresScratch(t *testing.T) {
	s := NewState("t1")
	s.Scratch["w.docs"] = "original"
	meddler := NewGuardFunc("meddler", func(ctx context.Context, f *Frame) (*Frame, *Rejection, error) {
		out := f.Record(GuardEvent{Guard: "meddler", Action: "touch"})
		out.State.Scratch["w.docs"] = "tampered"
		out.State.Scratch["extra"] = true
		return out, nil, nil
	})
	var seen any
	probe := NewGuardFunc("probe", func(ctx context.Context, f *Frame) (*Frame, *Rejection, error) {
		seen = f.State.Scratch["w.docs"]
		return f, nil, nil
	})

	out, _, err := NewPipeline(meddler, probe).Run(context.Background(), &Frame{Phase: PhasePre, State: s})
	require.NoError(t, err)
	require.Equal(t, "original", seen)
	require.Equal(t, map[string]any{"w.docs": "original"}, out.State.Scratch)
}

func TestPipelineShortCircuits(t *testing.T) {
	var calls []string
	track := func(name string, reject bool) Guard {
		return NewGuardFunc(name, func(ctx context.Context, f *Frame) (*Frame, *Rejection, error) {
			calls = append(calls, name)
			if reject {
				return nil, &Rejection{Kind: "blocked", Reason: "no"}, nil
			}
			return f, nil, nil
		})
	}

	_, rejection, err := NewPipeline(track("first", false), track("second", true), track("third", false)).
		Run(context.Background(), &Frame{Phase: PhasePre, State: NewState("t1")})
	require.NoError(t, err)
	require.NotNil(t, rejection)
	require.Equal(t, "second", rejection.Guard)
	require.Equal(t, []string{"first", "second"}, calls)
}

func TestPipelineErrors(t *testing.T) {
	broken := NewGuardFunc("broken", func(ctx context.Context, f *Frame) (*Frame, *Rejection, error) {
		return nil, nil, errors.New("tokenizer missing")
	})
	_, _, err := NewPipeline(broken).Run(context.Background(), &Frame{Phase: PhasePre, State: NewState("t1")})
	require.EqualError(t, err, "guard broken: tokenizer missing")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = NewPipeline(upperGuard("upper")).Run(ctx, &Frame{Phase: PhasePre, State: NewState("t1")})
	require.ErrorIs(t, err, context.Canceled)
}

func TestPipelineOrderMatters(t *testing.T) {
	s := NewState("t1")
	s.History = append(s.History, state.UserMessage("abcdef"))

	clip := NewGuardFunc("clip", func(ctx context.Context, f *Frame) (*Frame, *Rejection, error) {
		msgs := f.Messages()
		out := make([]state.Message, len(msgs))
		for i, m := range msgs {
			m.Content = m.Content[:3]
			out[i] = m
		}
		return f.ReplaceMessages(out), nil, nil
	})
	blockDEF := NewGuardFunc("block", func(ctx context.Context, f *Frame) (*Frame, *Rejection, error) {
		for _, m := range f.Messages() {
			if strings.Contains(m.Content, "def") {
				return nil, &Rejection{Kind: "blocked"}, nil
			}
		}
		return f, nil, nil
	})

	_, rejection, err := NewPipeline(clip, blockDEF).Run(context.Background(), &Frame{Phase: PhasePre, State: s})
	require.NoError(t, err)
	require.Nil(t, rejection)

	_, rejection, err = NewPipeline(blockDEF, clip).Run(context.Background(), &Frame{Phase: PhasePre, State: s})
	require.NoError(t, err)
	require.NotNil(t, rejection)
}
