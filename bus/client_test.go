package bus_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenVoiceOS/ovos-bus-client/bus"
	"github.com/OpenVoiceOS/ovos-bus-client/internal/testutil"
	"github.com/OpenVoiceOS/ovos-bus-client/message"
	"github.com/OpenVoiceOS/ovos-bus-client/metrics"
	"github.com/OpenVoiceOS/ovos-bus-client/session"
)

const secret = "0123456789abcdef"

func start(t *testing.T, tr bus.Transport, optFns ...func(o *bus.Options)) *bus.Client {
	t.Helper()
	c := bus.New(tr, optFns...)
	done := c.RunInBackground(context.Background())
	t.Cleanup(func() {
		_ = c.Close()
		<-done
	})
	require.Eventually(t, c.Connected, time.Second, 5*time.Millisecond)
	return c
}

func receive(t *testing.T, ch <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func capture(c *bus.Client, msgType string) <-chan *message.Message {
	ch := make(chan *message.Message, 16)
	c.On(msgType, func(_ context.Context, m *message.Message) { ch <- m })
	return ch
}

func TestEmitBeforeRunFails(t *testing.T) {
	c := bus.New(testutil.NewLoopbackTransport(), func(o *bus.Options) {
		o.ConnectTimeout = 20 * time.Millisecond
	})
	err := c.Emit(context.Background(), message.New("speak", nil, nil))
	assert.ErrorIs(t, err, bus.ErrNotRunning)
}

func TestEmitAfterCloseFails(t *testing.T) {
	c := bus.New(testutil.NewLoopbackTransport())
	require.NoError(t, c.Close())
	err := c.Emit(context.Background(), message.New("speak", nil, nil))
	assert.ErrorIs(t, err, bus.ErrClosed)
}

func TestEmitAttachesSessionAndEchoes(t *testing.T) {
	sess := testutil.NewSessionBuilder("conv-1").Lang("pt-PT").Build()
	c := start(t, testutil.NewLoopbackTransport(), func(o *bus.Options) { o.Session = sess })
	speak := capture(c, "speak")

	msg := testutil.NewMessageBuilder("speak").Data("utterance", "olá").Build()
	require.NoError(t, c.Emit(context.Background(), msg))

	got := receive(t, speak)
	assert.Equal(t, "olá", got.Data["utterance"])
	data, ok := got.Context["session"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "conv-1", data["session_id"])
	assert.Equal(t, "pt-PT", data["lang"])
	assert.Equal(t, "conv-1", c.SessionID())
}

func TestEmitKeepsExplicitSession(t *testing.T) {
	c := start(t, testutil.NewLoopbackTransport())
	speak := capture(c, "speak")

	other := testutil.NewSessionBuilder("explicit").Build()
	msg := testutil.NewMessageBuilder("speak").Session(other).Build()
	require.NoError(t, c.Emit(context.Background(), msg))

	got := receive(t, speak)
	assert.Equal(t, "explicit", got.Context["session"].(map[string]any)["session_id"])
}

func TestOpenDispatchesLocalEventAndRequestsSync(t *testing.T) {
	tr := testutil.NewLoopbackTransport()
	c := bus.New(tr)
	opened := capture(c, bus.EventOpen)
	syncs := capture(c, session.SyncMessage)
	done := c.RunInBackground(context.Background())
	t.Cleanup(func() { _ = c.Close(); <-done })

	receive(t, opened)
	receive(t, syncs)
	require.NotEmpty(t, tr.Sent())
	var first map[string]any
	require.NoError(t, json.Unmarshal(tr.Sent()[0], &first))
	assert.Equal(t, session.SyncMessage, first["type"])
}

func TestInboundSessionIsRegistered(t *testing.T) {
	hub := testutil.NewHub()
	c := start(t, hub.Transport())
	seen := capture(c, "recognizer_loop:utterance")

	remote := testutil.NewSessionBuilder("remote-1").Lang("de-DE").Active("skill.timer").Build()
	frame, err := testutil.NewMessageBuilder("recognizer_loop:utterance").Session(remote).Build().Serialize()
	require.NoError(t, err)
	hub.Broadcast(frame)
	receive(t, seen)

	s, ok := c.Sessions().Lookup("remote-1")
	require.True(t, ok)
	assert.Equal(t, "de-DE", s.Lang)
	assert.True(t, s.IsActive("skill.timer"))
}

func TestInboundDefaultSessionDoesNotOverrideDefault(t *testing.T) {
	hub := testutil.NewHub()
	c := start(t, hub.Transport())
	seen := capture(c, "ping")
	before := c.Sessions().Default()

	remote := testutil.NewSessionBuilder(session.DefaultSessionID).Lang("fr-FR").Build()
	frame, err := testutil.NewMessageBuilder("ping").Session(remote).Build().Serialize()
	require.NoError(t, err)
	hub.Broadcast(frame)
	receive(t, seen)

	assert.Same(t, before, c.Sessions().Default())
	assert.Equal(t, session.DefaultLang, c.Sessions().Default().Lang)
}

func TestMalformedFrameIsDropped(t *testing.T) {
	m := metrics.New()
	hub := testutil.NewHub()
	c := start(t, hub.Transport(), func(o *bus.Options) { o.Metrics = m })
	raw := make(chan []byte, 4)
	c.OnRaw(func(_ context.Context, frame []byte) { raw <- frame })
	pings := capture(c, "ping")

	hub.Broadcast([]byte("{not json"))
	select {
	case f := <-raw:
		assert.Equal(t, "{not json", string(f))
	case <-time.After(time.Second):
		t.Fatal("raw observer not called")
	}
	assert.Eventually(t, func() bool {
		return promtest.ToFloat64(m.FramesDropped.WithLabelValues("decode")) == 1
	}, time.Second, 5*time.Millisecond)

	frame, err := message.New("ping", nil, nil).Serialize()
	require.NoError(t, err)
	hub.Broadcast(frame)
	receive(t, pings)
}

func TestEncryptedClientsTalk(t *testing.T) {
	codec, err := message.NewCodec(secret)
	require.NoError(t, err)
	wrong, err := message.NewCodec("fedcba9876543210")
	require.NoError(t, err)
	m := metrics.New()

	hub := testutil.NewHub()
	a := start(t, hub.Transport(), func(o *bus.Options) { o.Codec = codec })
	b := start(t, hub.Transport(), func(o *bus.Options) { o.Codec = codec })
	c := start(t, hub.Transport(), func(o *bus.Options) { o.Codec = wrong; o.Metrics = m })
	fromB := capture(b, "speak")
	fromC := capture(c, "speak")

	require.NoError(t, a.Emit(context.Background(), message.New("speak", map[string]any{"utterance": "secret"}, nil)))
	got := receive(t, fromB)
	assert.Equal(t, "secret", got.Data["utterance"])

	assert.Eventually(t, func() bool {
		return promtest.ToFloat64(m.FramesDropped.WithLabelValues("auth")) >= 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, fromC)
}

func TestWaitForMessageTimesOutAndUnregisters(t *testing.T) {
	c := start(t, testutil.NewLoopbackTransport())
	got := c.WaitForMessage(context.Background(), "never", 30*time.Millisecond)
	assert.Nil(t, got)
	assert.Equal(t, 0, c.ListenerCount("never"))
}

func TestWaitForMessageCancelled(t *testing.T) {
	c := start(t, testutil.NewLoopbackTransport())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Nil(t, c.WaitForMessage(ctx, "never", time.Minute))
	assert.Equal(t, 0, c.ListenerCount("never"))
}

func TestWaitForResponse(t *testing.T) {
	hub := testutil.NewHub()
	asker := start(t, hub.Transport())
	answerer := start(t, hub.Transport())
	answerer.On("skill.ping", func(ctx context.Context, m *message.Message) {
		_ = answerer.Emit(ctx, m.Response(map[string]any{"pong": true}, nil))
	})

	req := testutil.NewMessageBuilder("skill.ping").Route("asker", "skill").Build()
	resp, err := asker.WaitForResponse(context.Background(), req, 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "skill.ping.response", resp.Type)
	assert.Equal(t, true, resp.Data["pong"])
	assert.Equal(t, "skill", resp.Context["source"])
	assert.Equal(t, "asker", resp.Context["destination"])
	assert.Equal(t, 0, asker.ListenerCount("skill.ping.response"))
}

func TestWaitForResponseCustomReplyTypes(t *testing.T) {
	hub := testutil.NewHub()
	asker := start(t, hub.Transport())
	answerer := start(t, hub.Transport())
	answerer.On("q", func(ctx context.Context, m *message.Message) {
		_ = answerer.Emit(ctx, m.Reply("q.failed", nil, nil))
	})

	resp, err := asker.WaitForResponse(context.Background(), message.New("q", nil, nil),
		2*time.Second, "q.done", "q.failed")
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "q.failed", resp.Type)
}

func TestCollectResponses(t *testing.T) {
	hub := testutil.NewHub()
	asker := start(t, hub.Transport())
	skills := start(t, hub.Transport())

	skills.OnCollect("question", func(ctx context.Context, m *message.CollectionMessage) {
		_ = skills.Emit(ctx, m.Success(map[string]any{"answer": "42"}, nil))
	}, time.Second)
	skills.OnCollect("question", func(ctx context.Context, m *message.CollectionMessage) {
		_ = skills.Emit(ctx, m.Failure())
	}, time.Second)

	began := time.Now()
	got, err := asker.CollectResponses(context.Background(), message.New("question", nil, nil),
		bus.CollectOptions{MinTimeout: 300 * time.Millisecond, MaxTimeout: 2 * time.Second})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "42", got[0].Data["answer"])
	assert.Less(t, time.Since(began), 2*time.Second, "returns once every handler answered")
	assert.Equal(t, 0, asker.ListenerCount("question.response"))
	assert.Equal(t, 0, asker.ListenerCount("question.handling"))
}

func TestCollectResponsesDirectReturn(t *testing.T) {
	hub := testutil.NewHub()
	asker := start(t, hub.Transport())
	skills := start(t, hub.Transport())

	skills.OnCollect("question", func(ctx context.Context, m *message.CollectionMessage) {
		_ = skills.Emit(ctx, m.Success(map[string]any{"answer": "fast"}, nil))
	}, time.Second)
	skills.OnCollect("question", func(context.Context, *message.CollectionMessage) {}, time.Second)

	began := time.Now()
	got, err := asker.CollectResponses(context.Background(), message.New("question", nil, nil),
		bus.CollectOptions{
			MinTimeout:   10 * time.Millisecond,
			MaxTimeout:   5 * time.Second,
			DirectReturn: func(m *message.Message) bool { return m.Data["answer"] == "fast" },
		})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Less(t, time.Since(began), 5*time.Second)
}

func TestCollectResponsesWithoutHandlers(t *testing.T) {
	c := start(t, testutil.NewLoopbackTransport())
	got, err := c.CollectResponses(context.Background(), message.New("nobody", nil, nil),
		bus.CollectOptions{MinTimeout: 20 * time.Millisecond, MaxTimeout: time.Second})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestOnCollectAcknowledges(t *testing.T) {
	c := start(t, testutil.NewLoopbackTransport())
	acks := capture(c, "question.handling")
	called := make(chan *message.CollectionMessage, 1)
	c.OnCollect("question", func(_ context.Context, m *message.CollectionMessage) { called <- m }, 3*time.Second)

	q := message.New("question", nil, map[string]any{message.CollectIDKey: "q-1"})
	require.NoError(t, c.Emit(context.Background(), q))

	ack := receive(t, acks)
	assert.Equal(t, "q-1", ack.Data["query"])
	assert.Equal(t, 3.0, ack.Data["timeout"])
	select {
	case m := <-called:
		assert.Equal(t, "q-1", m.QueryID)
		assert.Equal(t, ack.Data["handler"], m.HandlerID)
	case <-time.After(time.Second):
		t.Fatal("collect handler not called")
	}
}

func TestDefaultSessionSyncAcrossProcesses(t *testing.T) {
	hub := testutil.NewHub()

	coreSessions := session.NewManager(func(o *session.Options) {
		o.Defaults = session.DefaultDefaults()
		o.Defaults.Lang = "pt-PT"
	})
	core := start(t, hub.Transport(), func(o *bus.Options) { o.Sessions = coreSessions })
	require.NoError(t, coreSessions.ConnectToBus(context.Background(), core))

	skill := start(t, hub.Transport())
	assert.Eventually(t, func() bool {
		return skill.Sessions().Default().Lang == "pt-PT"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, session.DefaultSessionID, skill.Sessions().Default().ID())
}

func TestHandlerResolvesSessionFromContext(t *testing.T) {
	c := start(t, testutil.NewLoopbackTransport())
	langs := make(chan string, 1)
	c.On("intent", func(ctx context.Context, _ *message.Message) {
		langs <- c.Sessions().GetContext(ctx).Lang
	})

	sess := testutil.NewSessionBuilder("ctx-sess").Lang("sv-SE").Build()
	require.NoError(t, c.Emit(context.Background(), testutil.NewMessageBuilder("intent").Session(sess).Build()))
	select {
	case l := <-langs:
		assert.Equal(t, "sv-SE", l)
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}
}

func TestOnceAndRemoveOnClient(t *testing.T) {
	c := start(t, testutil.NewLoopbackTransport())
	once := make(chan *message.Message, 4)
	c.Once("tick", func(_ context.Context, m *message.Message) { once <- m })
	id := c.On("tick", func(context.Context, *message.Message) {})
	assert.True(t, c.Remove("tick", id))

	require.NoError(t, c.Emit(context.Background(), message.New("tick", nil, nil)))
	receive(t, once)
	assert.Equal(t, 0, c.ListenerCount("tick"))
}

func TestForwardingHandlersDoNotShareContext(t *testing.T) {
	tr := testutil.NewLoopbackTransport()
	c := start(t, tr)
	pongs := capture(c, "pong")

	const handlers = 8
	seen := make(chan *message.Message, handlers)
	for i := 0; i < handlers; i++ {
		c.On("ping", func(ctx context.Context, m *message.Message) {
			assert.NoError(t, c.Emit(ctx, m.Forward("pong", nil)))
			seen <- m
		})
	}
	tr.Inject([]byte(`{"type":"ping","data":{},"context":{"source":"a"}}`))

	for i := 0; i < handlers; i++ {
		got := receive(t, pongs)
		assert.Equal(t, "a", got.Context["source"])
		assert.Contains(t, got.Context, message.ContextSession)
	}
	inbound := receive(t, seen)
	assert.NotContains(t, inbound.Context, message.ContextSession)
}

func TestEmitLeavesMessageUntouched(t *testing.T) {
	c := start(t, testutil.NewLoopbackTransport())
	speak := capture(c, "speak")

	msg := message.New("speak", nil, map[string]any{"source": "cli"})
	require.NoError(t, c.Emit(context.Background(), msg))
	assert.Equal(t, map[string]any{"source": "cli"}, msg.Context)

	got := receive(t, speak)
	assert.Contains(t, got.Context, message.ContextSession)
}

// downTransport never connects.
type downTransport struct{}

func (downTransport) Run(ctx context.Context, _ bus.Events) error {
	<-ctx.Done()
	return ctx.Err()
}

func (downTransport) Send(context.Context, []byte) error { return testutil.ErrTransportDown }

func (downTransport) Close() error { return nil }

func TestWaitForResponseTimesOutWhileDisconnected(t *testing.T) {
	c := bus.New(downTransport{}, func(o *bus.Options) { o.ConnectTimeout = 50 * time.Millisecond })
	done := c.RunInBackground(context.Background())
	t.Cleanup(func() {
		_ = c.Close()
		<-done
	})

	began := time.Now()
	resp, err := c.WaitForResponse(context.Background(), message.New("q", nil, nil), 200*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, resp)
	assert.Less(t, time.Since(began), 2*time.Second)
	assert.Equal(t, 0, c.ListenerCount("q.response"))

	got, err := c.CollectResponses(context.Background(), message.New("q", nil, nil),
		bus.CollectOptions{MinTimeout: 20 * time.Millisecond, MaxTimeout: 200 * time.Millisecond})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, 0, c.ListenerCount("q.handling"))
}

func TestCollectResponsesHonorsExtend(t *testing.T) {
	hub := testutil.NewHub()
	asker := start(t, hub.Transport())
	skills := start(t, hub.Transport())

	skills.OnCollect("question", func(ctx context.Context, m *message.CollectionMessage) {
		_ = skills.Emit(ctx, m.Extend(2))
		time.Sleep(600 * time.Millisecond)
		_ = skills.Emit(ctx, m.Success(map[string]any{"answer": "slow"}, nil))
	}, 100*time.Millisecond)

	got, err := asker.CollectResponses(context.Background(), message.New("question", nil, nil),
		bus.CollectOptions{MinTimeout: 10 * time.Millisecond, MaxTimeout: 300 * time.Millisecond})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "slow", got[0].Data["answer"])
}
