// ABOUTME: Tests for the built-in generators
// ABOUTME: Verifies event order, tokenization and cancellation

package generator

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/store"
)

func trigger(content string) *store.Message {
	return &store.Message{ID: "m1", Sequence: 1, Role: store.RoleUser, Type: store.MessageTypeChat, Content: content}
}

func drain(t *testing.T, ch <-chan *Reply) []*Reply {
	t.Helper()
	var out []*Reply
	timeout := time.After(5 * time.Second)
	for {
		select {
		case r, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, r)
		case <-timeout:
			t.Fatal("generator did not close its channel")
		}
	}
}

func TestScripted_EventOrder(t *testing.T) {
	g := NewScripted(0, nil)
	req := &Request{Trigger: trigger("Summarize my January report"), History: []*store.Message{trigger("Summarize my January report")}}

	ch, err := g.Generate(context.Background(), req)
	require.NoError(t, err)
	replies := drain(t, ch)

	require.GreaterOrEqual(t, len(replies), 4)
	assert.Equal(t, KindToolCall, replies[0].Kind)
	assert.Equal(t, KindToolResult, replies[1].Kind)
	assert.Equal(t, replies[0].ToolCall.ID, replies[1].ToolResult.CallID)
	assert.Equal(t, KindMessageStart, replies[2].Kind)
	assert.Equal(t, store.FormatMarkdown, replies[2].Message.Format)

	var input map[string]any
	require.NoError(t, json.Unmarshal([]byte(replies[0].ToolCall.InputJSON), &input))
	assert.Equal(t, "Summarize my January report", input["query"])

	var text strings.Builder
	for _, r := range replies[3:] {
		require.Equal(t, KindMessageDelta, r.Kind)
		assert.Equal(t, "answer", r.Delta.Key)
		text.WriteString(r.Delta.Text)
	}
	assert.Contains(t, text.String(), "**Summarize my January report**")
	assert.Contains(t, text.String(), "first message")
}

func TestScripted_StopsOnCancel(t *testing.T) {
	g := NewScripted(50*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := g.Generate(ctx, &Request{Trigger: trigger("hello")})
	require.NoError(t, err)

	// Read past the tool events, then cancel mid-stream.
	for i := 0; i < 3; i++ {
		<-ch
	}
	cancel()

	rest := drain(t, ch)
	assert.Less(t, len(rest), len(Tokenize(scriptedAnswer("hello", 0))))
}

func TestScripted_RequiresTrigger(t *testing.T) {
	_, err := NewScripted(0, nil).Generate(context.Background(), &Request{})
	assert.Error(t, err)
}

func TestEcho(t *testing.T) {
	ch, err := NewEcho().Generate(context.Background(), &Request{Trigger: trigger("hi")})
	require.NoError(t, err)
	replies := drain(t, ch)

	require.Len(t, replies, 1)
	assert.Equal(t, KindMessage, replies[0].Kind)
	assert.Equal(t, "Echo: **hi**", replies[0].Message.Content)
}

func TestTokenize_RoundTrips(t *testing.T) {
	tests := []string{
		"",
		"one",
		"two words",
		"trailing space ",
		"line\nbreaks\n\nand  double  spaces",
		"unicode ✓ works … fine",
	}
	for _, text := range tests {
		assert.Equal(t, text, strings.Join(Tokenize(text), ""))
	}
	assert.Equal(t, []string{"a ", "b ", "c"}, Tokenize("a b c"))
}

func TestNew(t *testing.T) {
	g, err := New(Config{Kind: "echo"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &Echo{}, g)

	g, err = New(Config{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &Scripted{}, g)

	_, err = New(Config{Kind: "gpt"}, nil)
	assert.Error(t, err)
}

func TestFunc(t *testing.T) {
	var g Generator = Func(func(ctx context.Context, req *Request) (<-chan *Reply, error) {
		ch := make(chan *Reply, 1)
		ch <- &Reply{Kind: KindError, Err: assert.AnError}
		close(ch)
		return ch, nil
	})
	ch, err := g.Generate(context.Background(), &Request{})
	require.NoError(t, err)
	replies := drain(t, ch)
	require.Len(t, replies, 1)
	assert.Equal(t, "error", replies[0].Kind.String())
}
