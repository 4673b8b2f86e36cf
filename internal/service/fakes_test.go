package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/noah-isme/dissertation-eval-api/internal/dto"
	"github.com/noah-isme/dissertation-eval-api/pkg/ai"
	"github.com/noah-isme/dissertation-eval-api/pkg/queue"
)

var (
	errChannelGone  = errors.New("channel gone")
	errReadDeadline = errors.New("read deadline exceeded")
)

type recordedEvent struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	SessionID string          `json:"session_id"`
}

func (e recordedEvent) field(name string) interface{} {
	var data map[string]interface{}
	_ = json.Unmarshal(e.Data, &data)
	return data[name]
}

type fakeChannel struct {
	mu        sync.Mutex
	events    []recordedEvent
	failAfter int
	writes    int

	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	// readsSurviveClose mimics a hijacked server connection: Close does not
	// interrupt a blocked read, only an expired read deadline does.
	readsSurviveClose bool
	expired           chan struct{}
	expireOnce        sync.Once
}

func newFakeChannel(frames ...string) *fakeChannel {
	ch := &fakeChannel{
		failAfter: -1,
		inbound:   make(chan []byte, len(frames)+8),
		closed:    make(chan struct{}),
		expired:   make(chan struct{}),
	}
	for _, frame := range frames {
		ch.inbound <- []byte(frame)
	}
	return ch
}

func (c *fakeChannel) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.closed:
		return errChannelGone
	default:
	}
	if c.failAfter >= 0 && c.writes >= c.failAfter {
		return errChannelGone
	}
	c.writes++

	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var event recordedEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return err
	}
	c.events = append(c.events, event)
	return nil
}

func (c *fakeChannel) ReadMessage() (int, []byte, error) {
	closed := c.closed
	if c.readsSurviveClose {
		closed = nil
	}

	select {
	case frame := <-c.inbound:
		return 1, frame, nil
	case <-closed:
		return 0, nil, io.EOF
	case <-c.expired:
		return 0, nil, errReadDeadline
	}
}

func (c *fakeChannel) SetReadDeadline(t time.Time) error {
	if t.IsZero() {
		return nil
	}
	if wait := time.Until(t); wait > 0 {
		time.AfterFunc(wait, c.expire)
		return nil
	}
	c.expire()
	return nil
}

func (c *fakeChannel) expire() {
	c.expireOnce.Do(func() { close(c.expired) })
}

func (c *fakeChannel) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeChannel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeChannel) snapshot() []recordedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]recordedEvent, len(c.events))
	copy(out, c.events)
	return out
}

func (c *fakeChannel) types() []string {
	events := c.snapshot()
	out := make([]string, 0, len(events))
	for _, event := range events {
		out = append(out, event.Type)
	}
	return out
}

func (c *fakeChannel) ofType(eventType string) []recordedEvent {
	out := make([]recordedEvent, 0)
	for _, event := range c.snapshot() {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

type fakeGenerator struct {
	criteria  []string
	chunks    map[string][]string
	scores    map[string]string
	streamErr map[string]error
	scoreErr  map[string]error
	onChunk   func(criterion string, index int)

	mu      sync.Mutex
	streams []string
	scored  []string
}

func newFakeGenerator(criteria ...string) *fakeGenerator {
	g := &fakeGenerator{
		criteria:  criteria,
		chunks:    make(map[string][]string),
		scores:    make(map[string]string),
		streamErr: make(map[string]error),
		scoreErr:  make(map[string]error),
	}
	for _, name := range criteria {
		g.chunks[name] = []string{"Analysis of ", name, "."}
		g.scores[name] = "spanda_score: 4"
	}
	return g
}

func (g *fakeGenerator) criterionOf(prompt ai.Prompt) string {
	for _, name := range g.criteria {
		if prompt.Role == ai.RoleAnalysis && strings.Contains(prompt.User, "### "+name+"\n") {
			return name
		}
		if prompt.Role == ai.RoleScoring && strings.Contains(prompt.User, "Score only the criterion "+name+" and") {
			return name
		}
	}
	return ""
}

func (g *fakeGenerator) Stream(ctx context.Context, prompt ai.Prompt) (ai.ChunkStream, error) {
	name := g.criterionOf(prompt)
	g.mu.Lock()
	g.streams = append(g.streams, name)
	g.mu.Unlock()

	if err := g.streamErr[name]; err != nil {
		return nil, err
	}
	return &fakeStream{criterion: name, chunks: g.chunks[name], onChunk: g.onChunk}, nil
}

func (g *fakeGenerator) Complete(ctx context.Context, prompt ai.Prompt) (string, error) {
	name := g.criterionOf(prompt)
	g.mu.Lock()
	g.scored = append(g.scored, name)
	g.mu.Unlock()

	if err := g.scoreErr[name]; err != nil {
		return "", err
	}
	return g.scores[name], nil
}

func (g *fakeGenerator) scoredCriteria() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.scored...)
}

type fakeStream struct {
	criterion string
	chunks    []string
	index     int
	onChunk   func(criterion string, index int)
}

func (s *fakeStream) Recv() (string, error) {
	if s.index >= len(s.chunks) {
		return "", io.EOF
	}
	if s.onChunk != nil {
		s.onChunk(s.criterion, s.index)
	}
	chunk := s.chunks[s.index]
	s.index++
	return chunk, nil
}

func (s *fakeStream) Close() error { return nil }

type fakeRecorder struct {
	mu       sync.Mutex
	outcomes []EvaluationOutcome
	err      error
}

func (r *fakeRecorder) Record(_ context.Context, outcome EvaluationOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
	return r.err
}

func (r *fakeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outcomes)
}

type stubRunner struct {
	mu       sync.Mutex
	requests []dto.EvaluationRequest
	block    chan struct{}
	started  chan string
}

func newStubRunner() *stubRunner {
	return &stubRunner{started: make(chan string, 16)}
}

func (r *stubRunner) Run(channel Channel, request dto.EvaluationRequest, token *CancellationToken) (EvaluationState, EvaluationOutcome) {
	r.mu.Lock()
	r.requests = append(r.requests, request)
	r.mu.Unlock()
	r.started <- request.SessionID

	if r.block != nil {
		select {
		case <-r.block:
		case <-token.Context().Done():
			return StateCancelled, EvaluationOutcome{}
		}
	}
	_ = channel.WriteJSON(dto.NewEvent(dto.EventComplete, dto.CompleteData{Name: request.PreAnalysis.Name}))
	return StateComplete, EvaluationOutcome{SessionID: request.SessionID}
}

func (r *stubRunner) runs() []dto.EvaluationRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]dto.EvaluationRequest(nil), r.requests...)
}

// stubBroker is an in-memory Broker that records calls.
type stubBroker struct {
	mu          sync.Mutex
	topicExists bool
	publishErr  []error
	published   [][]byte
	pending     []queue.Message
	committed   []string
	ensureCalls int
	fetchWait   time.Duration
	closed      bool
}

func (b *stubBroker) Publish(_ context.Context, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.publishErr) > 0 {
		err := b.publishErr[0]
		b.publishErr = b.publishErr[1:]
		if err != nil {
			return err
		}
	}
	if !b.topicExists {
		return queue.ErrTopicNotFound
	}
	b.published = append(b.published, payload)
	b.pending = append(b.pending, queue.Message{ID: fmt.Sprintf("%d-0", len(b.published)), Payload: payload})
	return nil
}

func (b *stubBroker) EnsureTopic(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ensureCalls++
	b.topicExists = true
	return nil
}

func (b *stubBroker) Fetch(ctx context.Context) (queue.Message, error) {
	b.mu.Lock()
	if len(b.pending) > 0 {
		msg := b.pending[0]
		b.pending = b.pending[1:]
		b.mu.Unlock()
		return msg, nil
	}
	b.mu.Unlock()

	wait := b.fetchWait
	if wait <= 0 {
		wait = 10 * time.Millisecond
	}
	select {
	case <-ctx.Done():
		return queue.Message{}, ctx.Err()
	case <-time.After(wait):
		return queue.Message{}, queue.ErrNoMessage
	}
}

func (b *stubBroker) Commit(_ context.Context, msg queue.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.committed = append(b.committed, msg.ID)
	return nil
}

func (b *stubBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *stubBroker) inject(id, payload string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, queue.Message{ID: id, Payload: []byte(payload)})
}

func (b *stubBroker) stats() (published int, committed []string, ensureCalls int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published), append([]string(nil), b.committed...), b.ensureCalls
}

func (b *stubBroker) dialer() queue.Dialer {
	return func(context.Context) (queue.Broker, error) { return b, nil }
}

func sampleRequest(criteria ...string) dto.EvaluationRequest {
	rubric := make(dto.Rubric, 0, len(criteria))
	for _, name := range criteria {
		rubric = append(rubric, dto.RubricEntry{Name: name, Spec: dto.CriterionSpec{
			Explanation:        "explain " + name,
			OutputInstructions: "output " + name,
			ScoreGuidelines:    "guide " + name,
		}})
	}
	return dto.EvaluationRequest{
		Rubric: rubric,
		PreAnalysis: dto.PreAnalysis{
			Degree:             "PhD Physics",
			Name:               "Ada Lovelace",
			Topic:              "Analytical engines",
			PreAnalyzedSummary: "A summary.",
		},
	}
}

func samplePayload(criteria ...string) string {
	payload, _ := json.Marshal(sampleRequest(criteria...))
	return string(payload)
}

type promptCapture struct {
	inner   *fakeGenerator
	mu      sync.Mutex
	prompts []ai.Prompt
}

func (p *promptCapture) Stream(ctx context.Context, prompt ai.Prompt) (ai.ChunkStream, error) {
	p.mu.Lock()
	p.prompts = append(p.prompts, prompt)
	p.mu.Unlock()
	return p.inner.Stream(ctx, prompt)
}

func (p *promptCapture) Complete(ctx context.Context, prompt ai.Prompt) (string, error) {
	p.mu.Lock()
	p.prompts = append(p.prompts, prompt)
	p.mu.Unlock()
	return p.inner.Complete(ctx, prompt)
}
