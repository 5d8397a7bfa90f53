package mqtt

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/icecap85/vdcd/internal/infrastructure/config"
)

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "vdcd-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

// =============================================================================
// Fakes
// =============================================================================

type fakeToken struct {
	err     error
	timeout bool
}

func (t *fakeToken) Wait() bool                       { return true }
func (t *fakeToken) WaitTimeout(_ time.Duration) bool { return !t.timeout }
func (t *fakeToken) Error() error                     { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  string
}

type fakePaho struct {
	mu           sync.Mutex
	connected    bool
	published    []published
	subscribed   map[string]pahomqtt.MessageHandler
	unsubscribed []string
	disconnected bool
	subToken     *fakeToken
	pubToken     *fakeToken
}

func newFakePaho() *fakePaho {
	return &fakePaho{connected: true, subscribed: make(map[string]pahomqtt.MessageHandler)}
}

func (f *fakePaho) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}
func (f *fakePaho) IsConnectionOpen() bool  { return f.IsConnected() }
func (f *fakePaho) Connect() pahomqtt.Token { return &fakeToken{} }
func (f *fakePaho) Disconnect(_ uint) {
	f.mu.Lock()
	f.connected = false
	f.disconnected = true
	f.mu.Unlock()
}
func (f *fakePaho) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	var body string
	switch p := payload.(type) {
	case string:
		body = p
	case []byte:
		body = string(p)
	}
	f.published = append(f.published, published{topic, qos, retained, body})
	if f.pubToken != nil {
		return f.pubToken
	}
	return &fakeToken{}
}
func (f *fakePaho) Subscribe(topic string, _ byte, cb pahomqtt.MessageHandler) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed[topic] = cb
	if f.subToken != nil {
		return f.subToken
	}
	return &fakeToken{}
}
func (f *fakePaho) SubscribeMultiple(_ map[string]byte, _ pahomqtt.MessageHandler) pahomqtt.Token {
	return &fakeToken{}
}
func (f *fakePaho) Unsubscribe(topics ...string) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, topics...)
	return &fakeToken{}
}
func (f *fakePaho) AddRoute(_ string, _ pahomqtt.MessageHandler) {}
func (f *fakePaho) OptionsReader() pahomqtt.ClientOptionsReader {
	return pahomqtt.ClientOptionsReader{}
}

// deliver simulates an incoming message on a subscribed topic.
func (f *fakePaho) deliver(sub, topic string, payload []byte) {
	f.mu.Lock()
	cb := f.subscribed[sub]
	f.mu.Unlock()
	cb(f, &fakeMessage{topic: topic, payload: payload})
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type recordingLogger struct {
	mu     sync.Mutex
	errors []string
	warns  []string
}

func (l *recordingLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	l.errors = append(l.errors, msg)
	l.mu.Unlock()
}

func (l *recordingLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	l.warns = append(l.warns, msg)
	l.mu.Unlock()
}

func connectedClient(t *testing.T) (*Client, *fakePaho) {
	t.Helper()
	pc := newFakePaho()
	c := newClient(testConfig(), pc)
	c.handleConnect()
	return c, pc
}

// =============================================================================
// Connection
// =============================================================================

func TestHandleConnect_PublishesOnlineStatus(t *testing.T) {
	c, pc := connectedClient(t)

	if !c.IsConnected() {
		t.Fatal("IsConnected() = false after handleConnect")
	}
	if len(pc.published) != 1 {
		t.Fatalf("published %d messages, want 1", len(pc.published))
	}
	p := pc.published[0]
	if p.topic != "graylogic/system/status/vdcd-test" || !p.retained {
		t.Errorf("status publish = %+v", p)
	}
	if !strings.Contains(p.payload, `"status":"online"`) {
		t.Errorf("payload = %s, want online status", p.payload)
	}
}

func TestHandleConnect_RestoresSubscriptions(t *testing.T) {
	c, pc := connectedClient(t)
	handler := func(string, []byte) error { return nil }

	for _, topic := range []string{"graylogic/command/dali/#", "graylogic/command/x/#"} {
		if err := c.Subscribe(topic, 1, handler); err != nil {
			t.Fatalf("Subscribe(%s) error = %v", topic, err)
		}
	}

	pc.subscribed = make(map[string]pahomqtt.MessageHandler)
	c.handleDisconnect(errors.New("link down"))
	if c.IsConnected() {
		t.Error("IsConnected() = true after disconnect")
	}
	c.handleConnect()

	if len(pc.subscribed) != 2 {
		t.Errorf("restored %d subscriptions, want 2", len(pc.subscribed))
	}
}

func TestCallbacks(t *testing.T) {
	c, _ := connectedClient(t)

	var connects int
	var lost error
	c.SetOnConnect(func() { connects++ })
	c.SetOnDisconnect(func(err error) { lost = err })

	cause := errors.New("eof")
	c.handleDisconnect(cause)
	c.handleConnect()

	if !errors.Is(lost, cause) {
		t.Errorf("disconnect callback error = %v, want %v", lost, cause)
	}
	if connects != 1 {
		t.Errorf("connect callback ran %d times, want 1", connects)
	}
}

func TestClose(t *testing.T) {
	c, pc := connectedClient(t)

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !pc.disconnected {
		t.Error("paho client not disconnected")
	}
	last := pc.published[len(pc.published)-1]
	if !strings.Contains(last.payload, "graceful_shutdown") {
		t.Errorf("last publish = %s, want graceful offline status", last.payload)
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after Close")
	}
}

func TestCloseNil(t *testing.T) {
	var c *Client
	if err := c.Close(); err != nil {
		t.Errorf("nil Close() error = %v", err)
	}
	if err := newClient(testConfig(), nil).Close(); err != nil {
		t.Errorf("Close() without paho client error = %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	c, pc := connectedClient(t)

	if err := c.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck(cancelled) error = %v, want context.Canceled", err)
	}

	pc.Disconnect(0)
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() disconnected error = %v, want ErrNotConnected", err)
	}
}

// =============================================================================
// Publish
// =============================================================================

func TestPublish_Validation(t *testing.T) {
	c, _ := connectedClient(t)

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		wantErr error
	}{
		{"empty topic", "", []byte("x"), 1, ErrInvalidTopic},
		{"qos too high", "a/b", []byte("x"), 3, ErrInvalidQoS},
		{"payload too large", "a/b", make([]byte, maxPayloadSize+1), 1, ErrPublishFailed},
		{"nil payload", "a/b", nil, 0, nil},
		{"ok", "a/b", []byte(`{"on":true}`), 2, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Publish(tt.topic, tt.payload, tt.qos, false)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Publish() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestPublish_Disconnected(t *testing.T) {
	c := newClient(testConfig(), newFakePaho())
	if err := c.Publish("a/b", []byte("x"), 1, false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() error = %v, want ErrNotConnected", err)
	}
}

func TestPublish_TokenFailures(t *testing.T) {
	c, pc := connectedClient(t)

	pc.pubToken = &fakeToken{timeout: true}
	if err := c.Publish("a/b", []byte("x"), 1, false); !errors.Is(err, ErrPublishFailed) {
		t.Errorf("Publish() timeout error = %v, want ErrPublishFailed", err)
	}

	pc.pubToken = &fakeToken{err: errors.New("broker says no")}
	if err := c.Publish("a/b", []byte("x"), 1, false); !errors.Is(err, ErrPublishFailed) {
		t.Errorf("Publish() token error = %v, want ErrPublishFailed", err)
	}
}

func TestPublishRetained(t *testing.T) {
	c, pc := connectedClient(t)

	if err := c.PublishRetained("graylogic/state/dali/x", []byte("{}")); err != nil {
		t.Fatalf("PublishRetained() error = %v", err)
	}
	p := pc.published[len(pc.published)-1]
	if !p.retained || p.qos != 1 {
		t.Errorf("publish = %+v, want retained qos 1", p)
	}
}

// =============================================================================
// Subscribe
// =============================================================================

func TestSubscribe_Validation(t *testing.T) {
	c, _ := connectedClient(t)
	handler := func(string, []byte) error { return nil }

	if err := c.Subscribe("", 1, handler); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("empty topic error = %v", err)
	}
	if err := c.Subscribe("a", 3, handler); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("bad qos error = %v", err)
	}
	if err := c.Subscribe("a", 1, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("nil handler error = %v", err)
	}
	if c.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d after failures", c.SubscriptionCount())
	}
}

func TestSubscribe_FailureIsNotTracked(t *testing.T) {
	c, pc := connectedClient(t)
	pc.subToken = &fakeToken{err: errors.New("not authorised")}

	err := c.Subscribe("a/b", 1, func(string, []byte) error { return nil })
	if !errors.Is(err, ErrSubscribeFailed) {
		t.Fatalf("Subscribe() error = %v, want ErrSubscribeFailed", err)
	}
	if c.HasSubscription("a/b") {
		t.Error("failed subscription is still tracked")
	}
}

func TestSubscribe_DeliversMessages(t *testing.T) {
	c, pc := connectedClient(t)

	var gotTopic, gotPayload string
	err := c.Subscribe("graylogic/command/dali/#", 1, func(topic string, payload []byte) error {
		gotTopic, gotPayload = topic, string(payload)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	pc.deliver("graylogic/command/dali/#", "graylogic/command/dali/light-1", []byte(`{"command":"on"}`))

	if gotTopic != "graylogic/command/dali/light-1" || gotPayload != `{"command":"on"}` {
		t.Errorf("handler got (%q, %q)", gotTopic, gotPayload)
	}
}

func TestSubscribe_HandlerErrorAndPanicAreLogged(t *testing.T) {
	c, pc := connectedClient(t)
	logger := &recordingLogger{}
	c.SetLogger(logger)

	_ = c.Subscribe("err", 0, func(string, []byte) error { return errors.New("bad payload") })
	_ = c.Subscribe("panic", 0, func(string, []byte) error { panic("boom") })

	pc.deliver("err", "err", nil)
	pc.deliver("panic", "panic", nil)

	if len(logger.warns) != 1 || len(logger.errors) != 1 {
		t.Errorf("warns=%v errors=%v, want one of each", logger.warns, logger.errors)
	}
}

func TestUnsubscribe(t *testing.T) {
	c, pc := connectedClient(t)
	_ = c.Subscribe("a/b", 1, func(string, []byte) error { return nil })

	if err := c.Unsubscribe("a/b"); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if c.HasSubscription("a/b") {
		t.Error("subscription still tracked")
	}
	if len(pc.unsubscribed) != 1 || pc.unsubscribed[0] != "a/b" {
		t.Errorf("unsubscribed = %v", pc.unsubscribed)
	}
	if err := c.Unsubscribe(""); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Unsubscribe(\"\") error = %v", err)
	}
}

// =============================================================================
// Options and topics
// =============================================================================

func TestBrokerURL(t *testing.T) {
	cfg := testConfig()
	if got := brokerURL(cfg); got != "tcp://127.0.0.1:1883" {
		t.Errorf("brokerURL() = %s", got)
	}
	cfg.Broker.TLS = true
	cfg.Broker.Port = 8883
	if got := brokerURL(cfg); got != "ssl://127.0.0.1:8883" {
		t.Errorf("brokerURL(tls) = %s", got)
	}
}

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Username = "vdcd"
	cfg.Auth.Password = "secret"

	opts := buildClientOptions(cfg)
	if opts.ClientID != "vdcd-test" {
		t.Errorf("ClientID = %s", opts.ClientID)
	}
	if opts.Username != "vdcd" || opts.Password != "secret" {
		t.Error("credentials not applied")
	}
	if !opts.AutoReconnect || !opts.CleanSession {
		t.Error("auto reconnect and clean session should be enabled")
	}

	configureLWT(opts, cfg.Broker.ClientID)
	if !opts.WillEnabled || opts.WillTopic != "graylogic/system/status/vdcd-test" || !opts.WillRetained {
		t.Errorf("LWT = enabled:%v topic:%s retained:%v", opts.WillEnabled, opts.WillTopic, opts.WillRetained)
	}
	if !strings.Contains(string(opts.WillPayload), "unexpected_disconnect") {
		t.Errorf("LWT payload = %s", opts.WillPayload)
	}
}

func TestTopicBuilders(t *testing.T) {
	topics := Topics{}
	tests := []struct {
		got  string
		want string
	}{
		{topics.BridgeCommand("dali", "light-1"), "graylogic/command/dali/light-1"},
		{topics.BridgeCommands("dali"), "graylogic/command/dali/#"},
		{topics.BridgeAck("dali", "light-1"), "graylogic/ack/dali/light-1"},
		{topics.BridgeState("dali", "light-1"), "graylogic/state/dali/light-1"},
		{topics.BridgeHealth("dali"), "graylogic/health/dali"},
		{topics.BridgeDiscovery("dali"), "graylogic/discovery/dali"},
		{topics.DaemonStatus("vdcd"), "graylogic/system/status/vdcd"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("topic = %s, want %s", tt.got, tt.want)
		}
	}
}

func TestAddressFromTopic(t *testing.T) {
	tests := []struct {
		topic string
		want  string
	}{
		{"graylogic/command/dali/light-1", "light-1"},
		{"graylogic/command/dali/", ""},
		{"graylogic/command/dali", ""},
		{"other/command/dali/light-1", ""},
		{"graylogic/command/dali/a/b", ""},
	}
	for _, tt := range tests {
		if got := AddressFromTopic(tt.topic); got != tt.want {
			t.Errorf("AddressFromTopic(%q) = %q, want %q", tt.topic, got, tt.want)
		}
	}
}
