package supervisor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kwlctl/netclient/internal/config"
	"github.com/kwlctl/netclient/internal/scheduler"
)

var (
	errDriver       = errors.New("driver failure")
	errLinkDown     = errors.New("link down")
	errNotConnected = errors.New("not connected")
)

type fakeTransport struct {
	beginErr    error
	link        bool
	maintainErr error

	begins     int
	maintains  int
	linkChecks int
}

func (f *fakeTransport) Begin(ctx context.Context) error {
	f.begins++
	return f.beginErr
}

func (f *fakeTransport) LinkUp() bool {
	f.linkChecks++
	return f.link
}

func (f *fakeTransport) Maintain(ctx context.Context) error {
	f.maintains++
	if !f.link {
		return errLinkDown
	}
	return f.maintainErr
}

func (f *fakeTransport) Addr() net.IP { return net.IPv4(192, 168, 1, 50) }

type fakeSession struct {
	connectErr error
	loopOK     bool
	lostErr    error
	subErr     map[string]error

	connected bool
	connects  int
	subs      []string
	closes    int
	publishes int
	shutdowns int
}

func (f *fakeSession) Connect(ctx context.Context, clientID string) error {
	f.connects++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeSession) Loop() bool {
	if !f.loopOK {
		f.connected = false
	}
	return f.connected
}

func (f *fakeSession) Publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	if !f.connected {
		return errNotConnected
	}
	f.publishes++
	return nil
}

func (f *fakeSession) Subscribe(ctx context.Context, topic string) error {
	if !f.connected {
		return errNotConnected
	}
	if err := f.subErr[topic]; err != nil {
		return err
	}
	f.subs = append(f.subs, topic)
	return nil
}

func (f *fakeSession) Connected() bool { return f.connected }

func (f *fakeSession) Err() error { return f.lostErr }

func (f *fakeSession) Close() {
	f.closes++
	f.connected = false
}

func (f *fakeSession) Shutdown(ctx context.Context) {
	f.shutdowns++
	f.Close()
}

type fakeRegistrar struct {
	added     map[string]scheduler.Task
	triggered []string
}

func (r *fakeRegistrar) Add(name string, t scheduler.Task) {
	if r.added == nil {
		r.added = make(map[string]scheduler.Task)
	}
	r.added[name] = t
}

func (r *fakeRegistrar) Trigger(name string) {
	r.triggered = append(r.triggered, name)
}

type harness struct {
	sup       *Supervisor
	transport *fakeTransport
	session   *fakeSession
	clock     *clock.Mock
	sched     *fakeRegistrar
	metrics   *Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.MQTT.Broker = "tcp://broker:1883"

	h := &harness{
		transport: &fakeTransport{link: true},
		session:   &fakeSession{loopOK: true},
		clock:     clock.NewMock(),
		sched:     &fakeRegistrar{},
		metrics:   NewMetrics(prometheus.NewRegistry()),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.sup = New(cfg, "kwlctl-test", h.transport, h.session, logger,
		WithClock(h.clock),
		WithScheduler(h.sched),
		WithMetrics(h.metrics),
	)
	t.Cleanup(func() { installed.CompareAndSwap(h.sup, nil) })
	return h
}

func (h *harness) poll() bool {
	return h.sup.Poll(context.Background())
}

// up drives the harness through the three polls of a clean bring-up.
func (h *harness) up(t *testing.T) {
	t.Helper()
	h.poll()
	h.poll()
	h.poll()
	cmd, dbg := h.sup.Subscribed()
	if !h.sup.IsLANOk() || !h.sup.IsMQTTOk() || !cmd || !dbg {
		t.Fatalf("stack not up: lan=%v mqtt=%v cmd=%v dbg=%v",
			h.sup.IsLANOk(), h.sup.IsMQTTOk(), cmd, dbg)
	}
}

func (h *harness) assertAllDown(t *testing.T) {
	t.Helper()
	cmd, dbg := h.sup.Subscribed()
	if h.sup.IsMQTTOk() || cmd || dbg {
		t.Errorf("mqtt=%v cmd=%v dbg=%v, want all false", h.sup.IsMQTTOk(), cmd, dbg)
	}
}

func TestNew_InitialState(t *testing.T) {
	h := newHarness(t)
	cmd, dbg := h.sup.Subscribed()
	if h.sup.IsLANOk() || h.sup.IsMQTTOk() || cmd || dbg {
		t.Error("all flags should start false")
	}
	if h.transport.begins != 0 || h.session.connects != 0 {
		t.Error("New must not open any connection")
	}
	for _, st := range h.sup.Status() {
		if !st.LastAttempt.IsZero() {
			t.Errorf("%s LastAttempt = %v, want zero", st.Name, st.LastAttempt)
		}
	}
}

func TestStart_Success(t *testing.T) {
	h := newHarness(t)
	var sink bytes.Buffer

	h.sup.Start(context.Background(), &sink)

	if !h.sup.IsLANOk() {
		t.Error("IsLANOk() = false after successful Start")
	}
	if !strings.Contains(sink.String(), "LAN OK, address 192.168.1.50") {
		t.Errorf("sink = %q, want LAN OK line", sink.String())
	}
	if h.sched.added[TaskName] != h.sup {
		t.Error("supervisor not registered with scheduler")
	}
	if !HasClient() {
		t.Error("HasClient() = false after Start")
	}
}

func TestStart_FailureIsSilent(t *testing.T) {
	h := newHarness(t)
	h.transport.beginErr = errDriver
	var sink bytes.Buffer

	h.sup.Start(context.Background(), &sink)

	if h.sup.IsLANOk() {
		t.Error("IsLANOk() = true after failed Start")
	}
	if !strings.Contains(sink.String(), "LAN not available") {
		t.Errorf("sink = %q, want failure line", sink.String())
	}
	if h.sched.added[TaskName] == nil {
		t.Error("supervisor must register even when bring-up fails")
	}

	// Start counted as the first attempt: the poll path waits out the
	// retry interval before trying again.
	h.poll()
	if h.transport.maintains != 0 {
		t.Error("poll retried transport inside the retry interval")
	}
	h.clock.Add(5 * time.Second)
	h.poll()
	if !h.sup.IsLANOk() {
		t.Error("poll did not recover the transport")
	}
}

func TestPoll_StepwiseBringUp(t *testing.T) {
	h := newHarness(t)

	h.poll()
	if !h.sup.IsLANOk() || h.sup.IsMQTTOk() {
		t.Fatalf("after poll 1: lan=%v mqtt=%v, want true/false", h.sup.IsLANOk(), h.sup.IsMQTTOk())
	}

	h.poll()
	cmd, dbg := h.sup.Subscribed()
	if !h.sup.IsMQTTOk() || cmd || dbg {
		t.Fatalf("after poll 2: mqtt=%v cmd=%v dbg=%v, want true/false/false", h.sup.IsMQTTOk(), cmd, dbg)
	}

	h.poll()
	cmd, dbg = h.sup.Subscribed()
	if !cmd || !dbg {
		t.Fatalf("after poll 3: cmd=%v dbg=%v, want true/true", cmd, dbg)
	}
	if got := strings.Join(h.session.subs, ","); got != "d15/set/#,d15/debugset/#" {
		t.Errorf("subscriptions = %s", got)
	}

	if got := testutil.ToFloat64(h.metrics.LayerUp.WithLabelValues(LayerMQTT)); got != 1 {
		t.Errorf("layer_up{mqtt} = %v, want 1", got)
	}
}

func TestPoll_TransportNeverUp(t *testing.T) {
	h := newHarness(t)
	h.transport.link = false

	for range 500 {
		h.poll()
		h.clock.Add(100 * time.Millisecond)
		if h.sup.IsLANOk() {
			t.Fatal("IsLANOk() = true with a failing transport")
		}
	}
	if h.session.connects != 0 {
		t.Errorf("session connects = %d, want 0", h.session.connects)
	}
	if got := testutil.ToFloat64(h.metrics.Attempts.WithLabelValues(LayerLAN, "error")); got == 0 {
		t.Error("failed lan attempts not counted")
	}
}

func TestPoll_SessionDropAndResubscribe(t *testing.T) {
	h := newHarness(t)
	h.up(t)

	h.session.loopOK = false
	h.poll()
	h.assertAllDown(t)
	if !h.sup.IsLANOk() {
		t.Error("a session drop must not affect the transport")
	}
	if h.session.closes == 0 {
		t.Error("dropped session was not closed")
	}

	h.session.loopOK = true
	h.clock.Add(5 * time.Second)
	h.poll() // reconnect
	h.poll() // resubscribe
	cmd, dbg := h.sup.Subscribed()
	if !h.sup.IsMQTTOk() || !cmd || !dbg {
		t.Fatalf("after recovery: mqtt=%v cmd=%v dbg=%v", h.sup.IsMQTTOk(), cmd, dbg)
	}
	if len(h.session.subs) != 4 {
		t.Errorf("subscribe calls = %d, want 4 (both topics twice)", len(h.session.subs))
	}
}

func TestPoll_SessionDropRecordsCause(t *testing.T) {
	h := newHarness(t)
	h.up(t)

	cause := errors.New("server disconnect reason 139")
	h.session.loopOK = false
	h.session.lostErr = cause
	h.poll()

	err := h.sup.mqtt.LastError()
	if !errors.Is(err, ErrSessionDropped) || !errors.Is(err, cause) {
		t.Errorf("mqtt LastError() = %v, want ErrSessionDropped wrapping cause", err)
	}
	if st := h.sup.Status()[1]; !strings.Contains(st.LastError, "reason 139") {
		t.Errorf("mqtt status LastError = %q, want cause", st.LastError)
	}
}

func TestHealthCheck_SingleDriverCall(t *testing.T) {
	h := newHarness(t)
	h.up(t)
	base := h.transport.maintains

	for range 5 {
		h.clock.Add(time.Second)
		h.poll()
	}
	if got := h.transport.maintains - base; got != 5 {
		t.Errorf("health checks = %d, want 5", got)
	}
	if h.transport.linkChecks != 0 {
		t.Errorf("LinkUp calls = %d, want 0 (Maintain covers the link)", h.transport.linkChecks)
	}
}

func TestStart_ReportsMissingLink(t *testing.T) {
	h := newHarness(t)
	h.transport.link = false
	h.transport.beginErr = errDriver
	var sink bytes.Buffer

	h.sup.Start(context.Background(), &sink)

	if !strings.Contains(sink.String(), "LAN cable not connected") {
		t.Errorf("sink = %q, want missing link line", sink.String())
	}
}

func TestClient_PublishWhileDown(t *testing.T) {
	h := newHarness(t)
	h.transport.beginErr = errDriver
	h.sup.Start(context.Background(), nil)

	if !HasClient() {
		t.Fatal("HasClient() = false after Start")
	}
	before := h.sup.Status()

	err := Client().Publish(context.Background(), "d15/state/fan", []byte("1"), false)
	if err == nil {
		t.Fatal("Publish() succeeded while session down")
	}

	after := h.sup.Status()
	for i := range before {
		if before[i] != after[i] {
			t.Errorf("status of %s changed: %+v -> %+v", before[i].Name, before[i], after[i])
		}
	}
}

func TestCascade_TransportLoss(t *testing.T) {
	h := newHarness(t)
	h.up(t)

	h.transport.link = false
	h.clock.Add(time.Second) // health check interval
	h.poll()

	if h.sup.IsLANOk() {
		t.Error("IsLANOk() = true after link loss")
	}
	h.assertAllDown(t)
	if h.session.closes == 0 {
		t.Error("session not closed on transport loss")
	}
}

func TestCascade_AddressLoss(t *testing.T) {
	h := newHarness(t)
	h.up(t)

	h.transport.maintainErr = errDriver
	h.clock.Add(time.Second)
	h.poll()

	if h.sup.IsLANOk() {
		t.Error("IsLANOk() = true after address loss")
	}
	h.assertAllDown(t)
}

func TestHealthCheck_Paced(t *testing.T) {
	h := newHarness(t)
	h.up(t)
	base := h.transport.maintains

	for range 9 {
		h.poll()
		h.clock.Add(100 * time.Millisecond)
	}
	if got := h.transport.maintains - base; got != 0 {
		t.Errorf("health checks within interval = %d, want 0", got)
	}
	h.clock.Add(100 * time.Millisecond)
	h.poll()
	if got := h.transport.maintains - base; got != 1 {
		t.Errorf("health checks after interval = %d, want 1", got)
	}
}

func TestSessionRetryBound(t *testing.T) {
	h := newHarness(t)
	h.session.connectErr = errDriver
	h.poll() // transport up

	const (
		window = 60 * time.Second
		retry  = 5 * time.Second
	)
	for elapsed := time.Duration(0); elapsed <= window; elapsed += 50 * time.Millisecond {
		h.poll()
		h.clock.Add(50 * time.Millisecond)
	}

	limit := int((window+retry-1)/retry) + 1
	if h.session.connects > limit {
		t.Errorf("session connects = %d, want <= %d", h.session.connects, limit)
	}
	if h.session.connects < limit-1 {
		t.Errorf("session connects = %d, want close to %d", h.session.connects, limit)
	}
	if h.sup.IsMQTTOk() {
		t.Error("IsMQTTOk() = true with failing session driver")
	}
}

func TestSubscribeFailure_RetriedWithoutAffectingHealth(t *testing.T) {
	h := newHarness(t)
	h.session.subErr = map[string]error{"d15/debugset/#": errDriver}
	h.poll()
	h.poll()

	for range 3 {
		h.poll()
	}
	cmd, dbg := h.sup.Subscribed()
	if !cmd || dbg {
		t.Errorf("cmd=%v dbg=%v, want true/false", cmd, dbg)
	}
	if !h.sup.IsMQTTOk() {
		t.Error("subscription failure must not mark the session unhealthy")
	}
	if len(h.session.subs) != 1 {
		t.Errorf("successful subscribe calls = %d, want 1 (no resubscribe of command)", len(h.session.subs))
	}

	delete(h.session.subErr, "d15/debugset/#")
	h.poll()
	if _, dbg := h.sup.Subscribed(); !dbg {
		t.Error("debug subscription not retried on next poll")
	}
}

func TestHealthReads_Idempotent(t *testing.T) {
	h := newHarness(t)
	h.poll()

	lan, mqtt := h.sup.IsLANOk(), h.sup.IsMQTTOk()
	for range 10 {
		if h.sup.IsLANOk() != lan || h.sup.IsMQTTOk() != mqtt {
			t.Fatal("health reads changed without a poll")
		}
	}
	if h.transport.maintains != 1 {
		t.Errorf("health reads touched the driver: maintains = %d", h.transport.maintains)
	}
}

// Session is never up unless transport is up, across random driver
// behavior.
func TestProperty_SessionNeedsTransport(t *testing.T) {
	h := newHarness(t)
	rng := rand.New(rand.NewPCG(1, 2))

	for i := range 2000 {
		h.transport.link = rng.IntN(10) != 0
		h.session.loopOK = rng.IntN(20) != 0
		if rng.IntN(4) == 0 {
			h.session.connectErr = errDriver
		} else {
			h.session.connectErr = nil
		}

		lanBefore := h.sup.IsLANOk()
		mqttBefore := h.sup.IsMQTTOk()
		h.poll()
		h.clock.Add(time.Duration(rng.IntN(1500)) * time.Millisecond)

		if h.sup.IsMQTTOk() && !h.sup.IsLANOk() {
			t.Fatalf("poll %d: session up with transport down", i)
		}
		if !mqttBefore && h.sup.IsMQTTOk() && !lanBefore {
			t.Fatalf("poll %d: session came up in the same poll as transport", i)
		}
		cmd, dbg := h.sup.Subscribed()
		if (cmd || dbg) && !h.sup.IsMQTTOk() {
			t.Fatalf("poll %d: subscribed without session", i)
		}
	}
}

func TestRequestBringUp(t *testing.T) {
	h := newHarness(t)
	h.transport.link = false
	h.transport.beginErr = errDriver
	h.sup.Start(context.Background(), nil)

	h.sup.RequestBringUp()
	if len(h.sched.triggered) != 1 || h.sched.triggered[0] != TaskName {
		t.Errorf("triggered = %v, want [%s]", h.sched.triggered, TaskName)
	}
	if !h.poll() {
		t.Fatal("Poll() = false with a pending bring-up")
	}

	h.transport.beginErr = nil
	h.sup.Run(context.Background())
	if h.transport.begins != 2 {
		t.Errorf("begins = %d, want 2 (Start + Run)", h.transport.begins)
	}
	if !h.sup.IsLANOk() {
		t.Error("IsLANOk() = false after successful Run")
	}
	if h.poll() {
		t.Error("Poll() = true after bring-up completed")
	}
}

func TestRun_NoopWhileUp(t *testing.T) {
	h := newHarness(t)
	h.poll()

	h.sup.Run(context.Background())
	if h.transport.begins != 0 {
		t.Errorf("begins = %d, want 0 while transport is up", h.transport.begins)
	}
}

func TestShutdown(t *testing.T) {
	h := newHarness(t)
	h.sup.Start(context.Background(), nil)
	h.poll()
	h.poll()

	h.sup.Shutdown(context.Background())

	if HasClient() || Client() != nil {
		t.Error("accessor still installed after Shutdown")
	}
	if h.session.shutdowns != 1 {
		t.Errorf("session shutdowns = %d, want 1", h.session.shutdowns)
	}
	if h.sup.IsMQTTOk() {
		t.Error("IsMQTTOk() = true after Shutdown")
	}
}

func TestWithScheduler_Tick(t *testing.T) {
	cfg := config.Default()
	cfg.MQTT.Broker = "tcp://broker:1883"
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sched := scheduler.New(logger, time.Millisecond)
	transport := &fakeTransport{link: true, beginErr: errDriver}
	sup := New(cfg, "kwlctl-test", transport, &fakeSession{loopOK: true}, logger,
		WithClock(clock.NewMock()), WithScheduler(sched))
	t.Cleanup(func() { installed.CompareAndSwap(sup, nil) })

	sup.Start(context.Background(), nil)
	transport.beginErr = nil
	sup.RequestBringUp()
	sched.Tick(context.Background())

	if !sup.IsLANOk() {
		t.Error("scheduler did not run the requested bring-up")
	}
	if transport.begins != 2 {
		t.Errorf("begins = %d, want 2", transport.begins)
	}
}
