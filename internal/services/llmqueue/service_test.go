package llmqueue

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koljaschoepe/arasul-jet-sub010/internal/common"
	"github.com/koljaschoepe/arasul-jet-sub010/internal/interfaces"
	"github.com/koljaschoepe/arasul-jet-sub010/internal/models"
	"github.com/koljaschoepe/arasul-jet-sub010/internal/services/modelcatalog"
	"github.com/koljaschoepe/arasul-jet-sub010/internal/services/residency"
	"github.com/koljaschoepe/arasul-jet-sub010/internal/storage"
)

// fakeStream plays back a scripted chunk sequence, honouring the request
// context like the real NDJSON stream does.
type fakeStream struct {
	ctx    context.Context
	chunks []interfaces.GenerateChunk
	idx    int
	hang   bool
}

func (s *fakeStream) Next() (*interfaces.GenerateChunk, error) {
	if s.ctx != nil {
		select {
		case <-s.ctx.Done():
			return nil, s.ctx.Err()
		default:
		}
	}
	if s.idx >= len(s.chunks) {
		if s.hang && s.ctx != nil {
			<-s.ctx.Done()
			return nil, s.ctx.Err()
		}
		return nil, io.EOF
	}
	c := s.chunks[s.idx]
	s.idx++
	return &c, nil
}

func (s *fakeStream) Close() error { return nil }

// fakeRuntime emulates the runtime contract: a zero keep_alive generate
// unloads, the minimal single-token generate loads, anything else streams
// the next script.
type fakeRuntime struct {
	mu       sync.Mutex
	tags     []interfaces.RuntimeModel
	loaded   string
	scripts  [][]interfaces.GenerateChunk
	hang     bool
	requests []interfaces.GenerateRequest
}

func (f *fakeRuntime) Tags(ctx context.Context) ([]interfaces.RuntimeModel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]interfaces.RuntimeModel(nil), f.tags...), nil
}

func (f *fakeRuntime) Ps(ctx context.Context) ([]interfaces.RuntimeProcess, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loaded == "" {
		return nil, nil
	}
	return []interfaces.RuntimeProcess{{Name: f.loaded}}, nil
}

func (f *fakeRuntime) Generate(ctx context.Context, req interfaces.GenerateRequest) (interfaces.GenerateStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)

	if req.KeepAlive == 0 {
		if f.loaded == req.Model {
			f.loaded = ""
		}
		return &fakeStream{chunks: []interfaces.GenerateChunk{{Done: true}}}, nil
	}
	if req.Prompt == " " && req.Options.NumPredict == 1 {
		f.loaded = req.Model
		return &fakeStream{chunks: []interfaces.GenerateChunk{{Done: true}}}, nil
	}

	f.loaded = req.Model
	var chunks []interfaces.GenerateChunk
	if len(f.scripts) > 0 {
		chunks = f.scripts[0]
		f.scripts = f.scripts[1:]
	}
	return &fakeStream{ctx: ctx, chunks: chunks, hang: f.hang}, nil
}

func (f *fakeRuntime) Pull(ctx context.Context, name string, onProgress func(interfaces.PullProgress) error) error {
	return nil
}

func (f *fakeRuntime) Delete(ctx context.Context, name string) error { return nil }

func (f *fakeRuntime) Tokenize(ctx context.Context, model, text string) (int, error) {
	return (len(text) + 3) / 4, nil
}

func (f *fakeRuntime) addTag(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tags = append(f.tags, interfaces.RuntimeModel{Name: name})
}

func (f *fakeRuntime) setLoaded(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loaded = name
}

func (f *fakeRuntime) addScript(chunks ...interfaces.GenerateChunk) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts = append(f.scripts, chunks)
}

// mainRequests filters out warm-up and unload calls.
func (f *fakeRuntime) mainRequests() []interfaces.GenerateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []interfaces.GenerateRequest
	for _, r := range f.requests {
		if r.KeepAlive == 0 || (r.Prompt == " " && r.Options.NumPredict == 1) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func chunksOf(tokens ...string) []interfaces.GenerateChunk {
	chunks := make([]interfaces.GenerateChunk, 0, len(tokens)+1)
	for _, tok := range tokens {
		chunks = append(chunks, interfaces.GenerateChunk{Response: tok})
	}
	return append(chunks, interfaces.GenerateChunk{Done: true})
}

// eventRecorder collects stream events from a subscription.
type eventRecorder struct {
	mu     sync.Mutex
	events []models.StreamEvent
}

func (r *eventRecorder) add(ev models.StreamEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) snapshot() []models.StreamEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.StreamEvent(nil), r.events...)
}

type testEnv struct {
	cfg  *common.Config
	st   interfaces.StorageManager
	fake *fakeRuntime
	res  *residency.Manager
	cat  *modelcatalog.Service
	svc  *Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := common.NewDefaultConfig()
	cfg.Storage.Path = t.TempDir()
	cfg.Residency.SwitchCooldown = "1ms"
	cfg.Queue.BatchFlushMs = 1

	logger := common.NewSilentLogger()
	st, err := storage.NewStorageManager(logger, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	fake := &fakeRuntime{}
	res := residency.NewManager(fake, st, cfg, logger)
	cat := modelcatalog.NewService(fake, st, res, cfg, logger)
	bus := NewBus(logger)
	svc := NewService(st, fake, res, cat, bus, nil, cfg, logger)

	return &testEnv{cfg: cfg, st: st, fake: fake, res: res, cat: cat, svc: svc}
}

// seedModel registers a catalog entry, marks it installed, and puts it on
// the fake runtime's disk.
func (e *testEnv) seedModel(t *testing.T, id, external string, isDefault bool) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, e.st.ModelStore().UpsertCatalog(ctx, &models.CatalogEntry{
		ID:           id,
		ExternalName: external,
		DisplayName:  id,
	}))
	require.NoError(t, e.st.ModelStore().UpsertInstalled(ctx, &models.InstalledModel{
		ID:               id,
		Status:           models.ModelStatusAvailable,
		DownloadProgress: 100,
		DownloadedAt:     time.Now(),
	}))
	if isDefault {
		require.NoError(t, e.st.ModelStore().SetDefault(ctx, id))
	}
	e.fake.addTag(external)
}

func chatPayload(text string, thinking bool) models.RequestPayload {
	return models.RequestPayload{
		Messages:        []models.ChatMessage{{Role: "user", Content: text}},
		ThinkingEnabled: thinking,
	}
}

func TestChatJobStreamsToCompletion(t *testing.T) {
	env := newTestEnv(t)
	env.seedModel(t, "qwen3-4b", "qwen3:4b", true)
	env.fake.addScript(chunksOf("he", "llo")...)
	ctx := context.Background()

	res, err := env.svc.Enqueue(ctx, "conv1", models.JobTypeChat, chatPayload("hi", false), models.EnqueueOptions{})
	require.NoError(t, err)
	assert.Equal(t, "qwen3-4b", res.ResolvedModel)
	assert.Equal(t, 1, res.QueuePosition)

	rec := &eventRecorder{}
	unsub, err := env.svc.Subscribe(res.JobID, rec.add)
	require.NoError(t, err)
	defer unsub()

	env.svc.processNext(ctx)

	events := rec.snapshot()
	require.NotEmpty(t, events)

	// Pre-roll pending status, then the live stream.
	assert.Equal(t, models.EventTypeStatus, events[0].Type)
	assert.Equal(t, models.JobStatusPending, events[0].Status)

	var tokens []string
	for _, ev := range events {
		if ev.Type == models.EventTypeResponse {
			tokens = append(tokens, ev.Token)
		}
	}
	assert.Equal(t, []string{"he", "llo"}, tokens)

	last := events[len(events)-1]
	assert.True(t, last.Terminal())
	assert.Empty(t, last.Error)
	assert.Equal(t, res.JobID, last.JobID)

	job, err := env.st.JobStore().GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, "hello", job.Content)

	msg, err := env.st.MessageStore().Get(ctx, res.MessageID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, msg.Status)
	assert.Equal(t, "hello", msg.Content)

	// The main generate call used the runtime-side name, the configured
	// keep_alive, and the /no_think prefix since thinking is off.
	main := env.fake.mainRequests()
	require.Len(t, main, 1)
	assert.Equal(t, "qwen3:4b", main[0].Model)
	assert.Equal(t, env.cfg.Residency.GetDefaultKeepAlive(), main[0].KeepAlive)
	assert.True(t, strings.HasPrefix(main[0].Prompt, "/no_think "))
	assert.Contains(t, main[0].Prompt, "user: hi")

	// The cold activation was recorded.
	switches, err := env.st.SwitchLogStore().Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, switches, 1)
	assert.Equal(t, "qwen3-4b", switches[0].ToModel)
	assert.Equal(t, "queue", switches[0].TriggeredBy)
	assert.Equal(t, models.SwitchReasonNoCurrent, switches[0].Reason)
}

func TestThinkingStreamParsedAndPersisted(t *testing.T) {
	env := newTestEnv(t)
	env.seedModel(t, "qwen3-4b", "qwen3:4b", true)
	env.fake.addScript(chunksOf("<th", "ink>pondering</th", "ink>answer")...)
	ctx := context.Background()

	res, err := env.svc.Enqueue(ctx, "conv1", models.JobTypeChat, chatPayload("hi", true), models.EnqueueOptions{})
	require.NoError(t, err)

	rec := &eventRecorder{}
	unsub, err := env.svc.Subscribe(res.JobID, rec.add)
	require.NoError(t, err)
	defer unsub()

	env.svc.processNext(ctx)

	var thinking, response string
	sawEnd := false
	for _, ev := range rec.snapshot() {
		switch ev.Type {
		case models.EventTypeThinking:
			thinking += ev.Token
		case models.EventTypeThinkingEnd:
			sawEnd = true
		case models.EventTypeResponse:
			response += ev.Token
		}
	}
	assert.Equal(t, "pondering", thinking)
	assert.True(t, sawEnd)
	assert.Equal(t, "answer", response)

	job, err := env.st.JobStore().GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, "pondering", job.Thinking)
	assert.Equal(t, "answer", job.Content)

	main := env.fake.mainRequests()
	require.Len(t, main, 1)
	assert.False(t, strings.HasPrefix(main[0].Prompt, "/no_think "))
}

func TestThinkingDroppedWhenDisabled(t *testing.T) {
	env := newTestEnv(t)
	env.seedModel(t, "qwen3-4b", "qwen3:4b", true)
	env.fake.addScript(chunksOf("<think>pondering</think>", "answer")...)
	ctx := context.Background()

	res, err := env.svc.Enqueue(ctx, "conv1", models.JobTypeChat, chatPayload("hi", false), models.EnqueueOptions{})
	require.NoError(t, err)

	rec := &eventRecorder{}
	unsub, err := env.svc.Subscribe(res.JobID, rec.add)
	require.NoError(t, err)
	defer unsub()

	env.svc.processNext(ctx)

	for _, ev := range rec.snapshot() {
		assert.NotEqual(t, models.EventTypeThinking, ev.Type)
		assert.NotEqual(t, models.EventTypeThinkingEnd, ev.Type)
	}

	job, err := env.st.JobStore().GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Empty(t, job.Thinking)
	assert.Equal(t, "answer", job.Content)
}

func TestRAGJobEmitsSources(t *testing.T) {
	env := newTestEnv(t)
	env.seedModel(t, "qwen3-8b", "qwen3:8b", true)
	env.fake.addScript(chunksOf("cited answer")...)
	ctx := context.Background()

	payload := models.RequestPayload{
		System:  "You answer from context.",
		Context: "The sky is blue.",
		Query:   "What colour is the sky?",
		Sources: []byte(`[{"doc":"weather.md"}]`),
	}
	res, err := env.svc.Enqueue(ctx, "conv1", models.JobTypeRAG, payload, models.EnqueueOptions{})
	require.NoError(t, err)

	rec := &eventRecorder{}
	unsub, err := env.svc.Subscribe(res.JobID, rec.add)
	require.NoError(t, err)
	defer unsub()

	env.svc.processNext(ctx)

	sawSources := false
	for _, ev := range rec.snapshot() {
		if ev.Type == models.EventTypeSources {
			sawSources = true
			assert.JSONEq(t, `[{"doc":"weather.md"}]`, string(ev.Sources))
		}
	}
	assert.True(t, sawSources)

	job, err := env.st.JobStore().GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.JSONEq(t, `[{"doc":"weather.md"}]`, string(job.Sources))

	main := env.fake.mainRequests()
	require.Len(t, main, 1)
	assert.Contains(t, main[0].Prompt, "Context:\nThe sky is blue.")
	assert.Contains(t, main[0].Prompt, "What colour is the sky?")
}

func TestCancelStreamingJob(t *testing.T) {
	env := newTestEnv(t)
	env.seedModel(t, "qwen3-4b", "qwen3:4b", true)
	env.fake.hang = true
	env.fake.addScript(interfaces.GenerateChunk{Response: "wait"})
	ctx := context.Background()

	res, err := env.svc.Enqueue(ctx, "conv1", models.JobTypeChat, chatPayload("hi", false), models.EnqueueOptions{})
	require.NoError(t, err)

	rec := &eventRecorder{}
	unsub, err := env.svc.Subscribe(res.JobID, rec.add)
	require.NoError(t, err)
	defer unsub()

	done := make(chan struct{})
	go func() {
		env.svc.processNext(ctx)
		close(done)
	}()

	// Wait until the stream produced its first token.
	require.Eventually(t, func() bool {
		for _, ev := range rec.snapshot() {
			if ev.Type == models.EventTypeResponse {
				return true
			}
		}
		return false
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, env.svc.Cancel(ctx, res.JobID))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch did not finish after cancel")
	}

	job, err := env.st.JobStore().GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, job.Status)
	assert.Equal(t, models.CancelledMessage, job.ErrorMessage)

	events := rec.snapshot()
	last := events[len(events)-1]
	assert.Equal(t, models.EventTypeCancelled, last.Type)
	assert.True(t, last.Terminal())
}

func TestCancelPendingJob(t *testing.T) {
	env := newTestEnv(t)
	env.seedModel(t, "qwen3-4b", "qwen3:4b", true)
	ctx := context.Background()

	res, err := env.svc.Enqueue(ctx, "conv1", models.JobTypeChat, chatPayload("hi", false), models.EnqueueOptions{})
	require.NoError(t, err)

	require.NoError(t, env.svc.Cancel(ctx, res.JobID))

	job, err := env.st.JobStore().GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, job.Status)

	// Terminal jobs replay their ending without registering.
	rec := &eventRecorder{}
	unsub, err := env.svc.Subscribe(res.JobID, rec.add)
	require.NoError(t, err)
	defer unsub()

	events := rec.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventTypeCancelled, events[0].Type)

	// Cancelling again is a no-op.
	require.NoError(t, env.svc.Cancel(ctx, res.JobID))
}

func TestLateJoinerGetsPreroll(t *testing.T) {
	env := newTestEnv(t)
	env.seedModel(t, "qwen3-4b", "qwen3:4b", true)
	ctx := context.Background()

	res, err := env.svc.Enqueue(ctx, "conv1", models.JobTypeChat, chatPayload("hi", false), models.EnqueueOptions{})
	require.NoError(t, err)

	// Simulate a stream already in flight with persisted content.
	_, err = env.st.JobStore().StartNext(ctx, res.JobID)
	require.NoError(t, err)
	require.NoError(t, env.st.JobStore().AppendContent(ctx, res.JobID, models.ContentDelta{Content: "hel"}))

	rec := &eventRecorder{}
	unsub, err := env.svc.Subscribe(res.JobID, rec.add)
	require.NoError(t, err)
	defer unsub()

	events := rec.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, models.EventTypeStatus, events[0].Type)
	assert.Equal(t, models.JobStatusStreaming, events[0].Status)
	assert.Equal(t, models.EventTypeResponse, events[1].Type)
	assert.Equal(t, "hel", events[1].Token)

	// Live events keep flowing after the pre-roll.
	env.svc.Bus().Publish(res.JobID, models.ResponseEvent("lo"))
	events = rec.snapshot()
	require.Len(t, events, 3)
	assert.Equal(t, "lo", events[2].Token)
}

func TestLateJoinerSeesUnflushedTokens(t *testing.T) {
	env := newTestEnv(t)
	// Thresholds high enough that nothing reaches storage mid-stream: the
	// pre-roll must come from the live stream, not the persisted row.
	env.cfg.Queue.BatchFlushMs = 600000
	env.cfg.Queue.BatchFlushChars = 10000
	env.seedModel(t, "qwen3-4b", "qwen3:4b", true)
	env.fake.hang = true
	env.fake.addScript(
		interfaces.GenerateChunk{Response: "to"},
		interfaces.GenerateChunk{Response: "ken"},
		interfaces.GenerateChunk{Response: "s"},
	)
	ctx := context.Background()

	res, err := env.svc.Enqueue(ctx, "conv1", models.JobTypeChat, chatPayload("hi", false), models.EnqueueOptions{})
	require.NoError(t, err)

	early := &eventRecorder{}
	unsub, err := env.svc.Subscribe(res.JobID, early.add)
	require.NoError(t, err)
	defer unsub()

	done := make(chan struct{})
	go func() {
		env.svc.processNext(ctx)
		close(done)
	}()

	// Wait until all three tokens went out on the bus.
	require.Eventually(t, func() bool {
		count := 0
		for _, ev := range early.snapshot() {
			if ev.Type == models.EventTypeResponse {
				count++
			}
		}
		return count == 3
	}, 5*time.Second, time.Millisecond)

	// None of it has been persisted yet.
	job, err := env.st.JobStore().GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Empty(t, job.Content)

	// A joiner arriving mid-stream still gets every prior token.
	late := &eventRecorder{}
	lateUnsub, err := env.svc.Subscribe(res.JobID, late.add)
	require.NoError(t, err)
	defer lateUnsub()

	preroll := late.snapshot()
	require.NotEmpty(t, preroll)
	assert.Equal(t, models.EventTypeStatus, preroll[0].Type)
	assert.Equal(t, models.JobStatusStreaming, preroll[0].Status)

	var content string
	for _, ev := range preroll {
		if ev.Type == models.EventTypeResponse {
			content += ev.Token
		}
	}
	assert.Equal(t, "tokens", content)

	// The live tail keeps flowing after the pre-roll.
	require.NoError(t, env.svc.Cancel(ctx, res.JobID))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch did not finish after cancel")
	}

	events := late.snapshot()
	assert.True(t, events[len(events)-1].Terminal())
}

func TestCancelDropsHeldParserFragment(t *testing.T) {
	env := newTestEnv(t)
	env.seedModel(t, "qwen3-4b", "qwen3:4b", true)
	env.fake.hang = true
	env.fake.addScript(
		interfaces.GenerateChunk{Response: "ans"},
		interfaces.GenerateChunk{Response: "<th"},
	)
	ctx := context.Background()

	res, err := env.svc.Enqueue(ctx, "conv1", models.JobTypeChat, chatPayload("hi", true), models.EnqueueOptions{})
	require.NoError(t, err)

	rec := &eventRecorder{}
	unsub, err := env.svc.Subscribe(res.JobID, rec.add)
	require.NoError(t, err)
	defer unsub()

	done := make(chan struct{})
	go func() {
		env.svc.processNext(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		for _, ev := range rec.snapshot() {
			if ev.Type == models.EventTypeResponse {
				return true
			}
		}
		return false
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, env.svc.Cancel(ctx, res.JobID))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch did not finish after cancel")
	}

	// The partial tag held by the parser is not emitted after the cancel.
	for _, ev := range rec.snapshot() {
		assert.NotContains(t, ev.Token, "<th")
	}

	job, err := env.st.JobStore().GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, job.Status)
	assert.Equal(t, "ans", job.Content)
}

func TestBatchingPrefersMatchingModel(t *testing.T) {
	env := newTestEnv(t)
	env.seedModel(t, "qwen3-4b", "qwen3:4b", true)
	env.seedModel(t, "deepseek-r1-8b", "deepseek-r1:8b", false)
	env.fake.setLoaded("qwen3:4b")
	ctx := context.Background()

	other, err := env.svc.Enqueue(ctx, "conv1", models.JobTypeChat, chatPayload("hi", false), models.EnqueueOptions{Model: "deepseek-r1-8b"})
	require.NoError(t, err)
	matching, err := env.svc.Enqueue(ctx, "conv2", models.JobTypeChat, chatPayload("hi", false), models.EnqueueOptions{Model: "qwen3-4b"})
	require.NoError(t, err)

	env.fake.addScript(chunksOf("first")...)
	env.svc.processNext(ctx)

	// The job matching the resident model ran first despite queue order.
	job, err := env.st.JobStore().GetJob(ctx, matching.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)

	job, err = env.st.JobStore().GetJob(ctx, other.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)

	// With no matching work left the queue switches and records why.
	env.fake.addScript(chunksOf("second")...)
	env.svc.processNext(ctx)

	job, err = env.st.JobStore().GetJob(ctx, other.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)

	switches, err := env.st.SwitchLogStore().Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, switches, 1)
	assert.Equal(t, "qwen3:4b", switches[0].FromModel)
	assert.Equal(t, "deepseek-r1-8b", switches[0].ToModel)
	assert.Equal(t, models.SwitchReasonQueueEmpty, switches[0].Reason)
}

func TestModelSequenceFallsBackToAlternate(t *testing.T) {
	env := newTestEnv(t)
	env.seedModel(t, "qwen3-4b", "qwen3:4b", true)
	// Requested model exists in the catalog but not on the runtime.
	ctx := context.Background()
	require.NoError(t, env.st.ModelStore().UpsertCatalog(ctx, &models.CatalogEntry{
		ID:           "qwen3-14b",
		ExternalName: "qwen3:14b",
	}))

	env.fake.addScript(chunksOf("fallback")...)

	res, err := env.svc.Enqueue(ctx, "conv1", models.JobTypeChat, chatPayload("hi", false), models.EnqueueOptions{
		Model:         "qwen3-14b",
		ModelSequence: []string{"qwen3-14b", "qwen3-4b"},
	})
	require.NoError(t, err)

	env.svc.processNext(ctx)

	job, err := env.st.JobStore().GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, "fallback", job.Content)

	main := env.fake.mainRequests()
	require.Len(t, main, 1)
	assert.Equal(t, "qwen3:4b", main[0].Model)
}

func TestActivationFailureFailsJob(t *testing.T) {
	env := newTestEnv(t)
	env.seedModel(t, "qwen3-4b", "qwen3:4b", true)
	ctx := context.Background()

	res, err := env.svc.Enqueue(ctx, "conv1", models.JobTypeChat, chatPayload("hi", false), models.EnqueueOptions{Model: "ghost-model"})
	require.NoError(t, err)

	env.svc.processNext(ctx)

	job, err := env.st.JobStore().GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusError, job.Status)
	assert.Contains(t, job.ErrorMessage, "Model activation failed")

	msg, err := env.st.MessageStore().Get(ctx, res.MessageID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusError, msg.Status)
}

func TestEnqueueRejectsUnknownType(t *testing.T) {
	env := newTestEnv(t)
	env.seedModel(t, "qwen3-4b", "qwen3:4b", true)

	_, err := env.svc.Enqueue(context.Background(), "conv1", "embedding", models.RequestPayload{}, models.EnqueueOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown job type")
}

func TestEnqueueWithoutDefaultFails(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Enqueue(context.Background(), "conv1", models.JobTypeChat, chatPayload("hi", false), models.EnqueueOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no default model")
}

func TestPrioritizeMovesJobAhead(t *testing.T) {
	env := newTestEnv(t)
	env.seedModel(t, "qwen3-4b", "qwen3:4b", true)
	ctx := context.Background()

	first, err := env.svc.Enqueue(ctx, "conv1", models.JobTypeChat, chatPayload("a", false), models.EnqueueOptions{})
	require.NoError(t, err)
	_, err = env.svc.Enqueue(ctx, "conv2", models.JobTypeChat, chatPayload("b", false), models.EnqueueOptions{})
	require.NoError(t, err)
	third, err := env.svc.Enqueue(ctx, "conv3", models.JobTypeChat, chatPayload("c", false), models.EnqueueOptions{})
	require.NoError(t, err)

	require.NoError(t, env.svc.Prioritize(ctx, third.JobID))

	snap, err := env.svc.QueueStatus(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Pending, 3)
	assert.Equal(t, third.JobID, snap.Pending[0].ID)
	assert.Equal(t, first.JobID, snap.Pending[1].ID)
	for i, job := range snap.Pending {
		assert.Equal(t, i+1, job.QueuePosition)
	}
}
