package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/forgecode/forge/pkg/protocol"
)

// recordedChunk is one line of a stream recording: the message delta
// plus how long after the previous delta it arrived.
type recordedChunk struct {
	DelayMs int64           `json:"delay_ms"`
	Message *schema.Message `json:"message"`
}

// recordedBoundary separates consecutive completions in one recording
// file, so a whole multi-iteration agent run replays deterministically.
type recordedBoundary struct {
	EndOfStream bool `json:"end_of_stream"`
}

// RecordingProvider wraps another Provider and tees every streamed
// chunk to a JSONL file that PlaybackProvider can replay later,
// enabling deterministic reproduction of full agent runs.
type RecordingProvider struct {
	inner Provider

	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewRecordingProvider appends recordings to path, creating it if
// needed.
func NewRecordingProvider(inner Provider, path string) (*RecordingProvider, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening recording file: %w", err)
	}
	return &RecordingProvider{inner: inner, file: f, enc: json.NewEncoder(f)}, nil
}

func (r *RecordingProvider) ID() string                            { return r.inner.ID() }
func (r *RecordingProvider) Name() string                          { return r.inner.Name() }
func (r *RecordingProvider) Models() []protocol.Model              { return r.inner.Models() }
func (r *RecordingProvider) ChatModel() model.ToolCallingChatModel { return r.inner.ChatModel() }

// Close flushes and closes the recording file.
func (r *RecordingProvider) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Close()
}

func (r *RecordingProvider) CreateCompletion(ctx context.Context, req *CompletionRequest) (*CompletionStream, error) {
	stream, err := r.inner.CreateCompletion(ctx, req)
	if err != nil {
		return nil, err
	}

	reader, writer := schema.Pipe[*schema.Message](8)

	go func() {
		defer writer.Close()
		defer stream.Close()
		last := time.Now()
		for {
			msg, err := stream.Recv()
			if err == io.EOF {
				r.writeLine(recordedBoundary{EndOfStream: true})
				return
			}
			if err != nil {
				writer.Send(nil, err)
				r.writeLine(recordedBoundary{EndOfStream: true})
				return
			}
			now := time.Now()
			r.writeLine(recordedChunk{DelayMs: now.Sub(last).Milliseconds(), Message: msg})
			last = now
			if closed := writer.Send(msg, nil); closed {
				return
			}
		}
	}()

	return NewCompletionStream(reader), nil
}

func (r *RecordingProvider) writeLine(v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enc.Encode(v)
}

// PlaybackProvider replays a recording produced by RecordingProvider.
// Each CreateCompletion call consumes the next recorded completion in
// file order; recorded inter-chunk delays are honored unless Fast is
// set, which replays as fast as the consumer can read.
type PlaybackProvider struct {
	id     string
	models []protocol.Model
	fast   bool

	mu          sync.Mutex
	completions [][]recordedChunk
	next        int
}

// NewPlaybackProvider loads the recording at path. The provider
// announces a single synthetic model so registry resolution works
// without any real credentials.
func NewPlaybackProvider(path string, fast bool) (*PlaybackProvider, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening playback file: %w", err)
	}
	defer f.Close()

	var completions [][]recordedChunk
	var current []recordedChunk

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var boundary recordedBoundary
		if err := json.Unmarshal(line, &boundary); err == nil && boundary.EndOfStream {
			completions = append(completions, current)
			current = nil
			continue
		}

		var chunk recordedChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return nil, fmt.Errorf("malformed recording line: %w", err)
		}
		current = append(current, chunk)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(current) > 0 {
		completions = append(completions, current)
	}

	return &PlaybackProvider{
		id:   "playback",
		fast: fast,
		models: []protocol.Model{{
			ID:            "playback",
			Name:          "Playback",
			ProviderID:    "playback",
			ContextLength: 200000,
			SupportsTools: true,
		}},
		completions: completions,
	}, nil
}

func (p *PlaybackProvider) ID() string                            { return p.id }
func (p *PlaybackProvider) Name() string                          { return "Playback" }
func (p *PlaybackProvider) Models() []protocol.Model              { return p.models }
func (p *PlaybackProvider) ChatModel() model.ToolCallingChatModel { return nil }

func (p *PlaybackProvider) CreateCompletion(ctx context.Context, req *CompletionRequest) (*CompletionStream, error) {
	p.mu.Lock()
	if p.next >= len(p.completions) {
		p.mu.Unlock()
		return nil, fmt.Errorf("playback exhausted: %d completions recorded", len(p.completions))
	}
	chunks := p.completions[p.next]
	p.next++
	p.mu.Unlock()

	if p.fast {
		msgs := make([]*schema.Message, len(chunks))
		for i, c := range chunks {
			msgs[i] = c.Message
		}
		return NewCompletionStream(schema.StreamReaderFromArray(msgs)), nil
	}

	reader, writer := schema.Pipe[*schema.Message](8)
	go func() {
		defer writer.Close()
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(c.DelayMs) * time.Millisecond):
			}
			if closed := writer.Send(c.Message, nil); closed {
				return
			}
		}
	}()
	return NewCompletionStream(reader), nil
}
