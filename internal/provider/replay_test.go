package provider

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgecode/forge/pkg/protocol"
)

// scriptedProvider replays canned message slices, one per completion.
type scriptedProvider struct {
	completions [][]*schema.Message
	next        int
}

func (s *scriptedProvider) ID() string                            { return "scripted" }
func (s *scriptedProvider) Name() string                          { return "Scripted" }
func (s *scriptedProvider) Models() []protocol.Model              { return nil }
func (s *scriptedProvider) ChatModel() model.ToolCallingChatModel { return nil }

func (s *scriptedProvider) CreateCompletion(ctx context.Context, req *CompletionRequest) (*CompletionStream, error) {
	msgs := s.completions[s.next]
	s.next++
	return NewCompletionStream(schema.StreamReaderFromArray(msgs)), nil
}

func drain(t *testing.T, stream *CompletionStream) []*schema.Message {
	t.Helper()
	var out []*schema.Message
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, msg)
	}
}

func TestRecordThenPlaybackRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream.jsonl")

	inner := &scriptedProvider{completions: [][]*schema.Message{
		{
			{Role: schema.Assistant, Content: "Hel"},
			{Role: schema.Assistant, Content: "lo"},
		},
		{
			{Role: schema.Assistant, Content: "second turn"},
		},
	}}

	rec, err := NewRecordingProvider(inner, path)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		stream, err := rec.CreateCompletion(context.Background(), &CompletionRequest{})
		require.NoError(t, err)
		drain(t, stream)
	}
	require.NoError(t, rec.Close())

	playback, err := NewPlaybackProvider(path, true)
	require.NoError(t, err)

	first, err := playback.CreateCompletion(context.Background(), &CompletionRequest{})
	require.NoError(t, err)
	msgs := drain(t, first)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hel", msgs[0].Content)
	assert.Equal(t, "lo", msgs[1].Content)

	second, err := playback.CreateCompletion(context.Background(), &CompletionRequest{})
	require.NoError(t, err)
	msgs = drain(t, second)
	require.Len(t, msgs, 1)
	assert.Equal(t, "second turn", msgs[0].Content)

	_, err = playback.CreateCompletion(context.Background(), &CompletionRequest{})
	assert.Error(t, err, "recording holds exactly two completions")
}

func TestPlaybackProvider_AnnouncesSyntheticModel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.jsonl")

	inner := &scriptedProvider{completions: [][]*schema.Message{{}}}
	rec, err := NewRecordingProvider(inner, path)
	require.NoError(t, err)
	stream, err := rec.CreateCompletion(context.Background(), &CompletionRequest{})
	require.NoError(t, err)
	drain(t, stream)
	require.NoError(t, rec.Close())

	playback, err := NewPlaybackProvider(path, false)
	require.NoError(t, err)

	require.Len(t, playback.Models(), 1)
	assert.Equal(t, "playback", playback.ID())
	assert.True(t, playback.Models()[0].SupportsTools)
}
