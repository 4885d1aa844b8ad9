package provider_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/outpost/internal/driver"
	"grimm.is/outpost/internal/events"
	"grimm.is/outpost/internal/logging"
	"grimm.is/outpost/internal/messaging"
	"grimm.is/outpost/internal/metrics"
	"grimm.is/outpost/internal/protocol"
	"grimm.is/outpost/internal/provider"
	"grimm.is/outpost/internal/testutil"
	"grimm.is/outpost/internal/transport"
	"grimm.is/outpost/internal/unit"
)

const envTestUnit = "OUTPOST_TEST_UNIT"

// TestMain doubles as the guest unit when the provider runs this binary.
func TestMain(m *testing.M) {
	switch os.Getenv(envTestUnit) {
	case "":
		os.Exit(m.Run())
	case "progress":
		os.Exit(runGuest(func(ctx context.Context, s *messaging.Sender, _ *messaging.Receiver) error {
			p := unit.NewProgressReporter(os.Stdout, logging.Discard())
			p.Steps = 4
			p.Interval = 10 * time.Millisecond
			return p.Run(ctx, s)
		}))
	case "prophecy":
		os.Exit(runGuest(func(ctx context.Context, s *messaging.Sender, r *messaging.Receiver) error {
			return unit.NewProphecy(os.Stdout, logging.Discard()).Run(ctx, s, r)
		}))
	}
	os.Exit(2)
}

func runGuest(fn func(context.Context, *messaging.Sender, *messaging.Receiver) error) int {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s, r, err := messaging.OpenGuest(ctx, os.Getenv(messaging.EnvSocket), logging.Discard())
	if err != nil {
		return 3
	}
	defer r.Close()
	if err := fn(ctx, s, r); err != nil {
		return 4
	}
	return 0
}

type env struct {
	srv     *provider.Server
	client  *transport.Client
	metrics *metrics.Registry
}

func startProvider(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	self, err := os.Executable()
	require.NoError(t, err)

	opts := provider.DefaultOptions()
	opts.Token = "secret"
	opts.OfferDelay = 10 * time.Millisecond
	opts.WorkDir = filepath.Join(dir, "w")
	opts.Heartbeat = 50 * time.Millisecond
	opts.Units = map[string]provider.Unit{
		"/bin/progress-reporter":  {Command: []string{self}, Env: map[string]string{envTestUnit: "progress"}},
		"/bin/prophecy-on-demand": {Command: []string{self}, Env: map[string]string{envTestUnit: "prophecy"}},
		"/bin/fail":               {Command: []string{"/bin/sh", "-c", "echo out; echo err >&2; exit 3"}},
		"/bin/sleep":              {Command: []string{"/bin/sh", "-c", "sleep 30"}},
	}
	m := metrics.NewIsolated()
	srv := provider.New(opts, logging.Discard(), m)

	endpoint := "unix://" + filepath.Join(dir, "p.sock")
	ln, err := transport.Listen(endpoint)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		defer close(served)
		_ = srv.Serve(ctx, ln)
	}()

	client, err := transport.Connect(ctx, endpoint, "secret", logging.Discard())
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Close()
		cancel()
		<-served
		srv.Close()
	})
	return &env{srv: srv, client: client, metrics: m}
}

func newDriver(e *env) (*driver.Driver, *testutil.Buffer, *testutil.Buffer, *testutil.Buffer) {
	opts := driver.DefaultOptions()
	opts.NegotiationTimeout = 10 * time.Second
	opts.DrainTimeout = 5 * time.Second
	opts.DestroyTimeout = 5 * time.Second

	d := driver.New(opts, e.client, e.client, e.client, logging.Discard(), metrics.NewIsolated())
	d.Hub = events.NewHub()
	stdout, stderr, results := &testutil.Buffer{}, &testutil.Buffer{}, &testutil.Buffer{}
	d.Stdout, d.Stderr, d.Results = stdout, stderr, results
	return d, stdout, stderr, results
}

func task(t *testing.T, kind driver.TaskKind) driver.Task {
	t.Helper()
	tk, err := driver.DefaultTask(kind)
	require.NoError(t, err)
	tk.PackageRef = "outpost-test-unit"
	return tk
}

func TestConnect_RejectsBadToken(t *testing.T) {
	e := startProvider(t)
	endpoint := "unix://" + filepath.Join(filepath.Dir(e.srv.Options.WorkDir), "p.sock")

	_, err := transport.Connect(context.Background(), endpoint, "wrong", logging.Discard())
	var remote *transport.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, "invalid token")
}

func TestConnect_ThrottlesRepeatedBadTokens(t *testing.T) {
	e := startProvider(t)
	endpoint := "unix://" + filepath.Join(filepath.Dir(e.srv.Options.WorkDir), "p.sock")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := transport.Connect(ctx, endpoint, "wrong", logging.Discard())
		require.Error(t, err)
	}

	_, err := transport.Connect(ctx, endpoint, "secret", logging.Discard())
	var remote *transport.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, "too many failed attempts")
}

func TestDriver_ProgressTask(t *testing.T) {
	e := startProvider(t)
	d, stdout, _, _ := newDriver(e)
	progress := d.Hub.Subscribe(64, events.EventProgress)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	r, err := d.Run(ctx, task(t, driver.TaskProgress))
	require.NoError(t, err)

	assert.True(t, r.Outcome.Finished)
	assert.Equal(t, 0, r.Outcome.ReturnCode)
	assert.NoError(t, r.StreamErr)
	assert.NoError(t, r.DestroyErr)
	assert.Equal(t, []driver.State{
		driver.StateNegotiating, driver.StateLaunching, driver.StateMonitoring,
		driver.StateDraining, driver.StateDestroying, driver.StateDone,
	}, r.States)
	assert.Equal(t, "\n\n\n\n", stdout.String())

	var fractions []float64
	for len(fractions) < 4 {
		select {
		case ev := <-progress:
			fractions = append(fractions, ev.Data.(events.ProgressData).Fraction)
		case <-time.After(5 * time.Second):
			t.Fatalf("got %v progress reports", fractions)
		}
	}
	assert.Equal(t, []float64{0.25, 0.5, 0.75, 1}, fractions)

	st, err := e.client.State(ctx, r.ActivityID)
	require.NoError(t, err)
	assert.Equal(t, protocol.StateTerminated, st.State)
	assert.Equal(t, float64(1), promtest.ToFloat64(e.metrics.ProviderRequests.WithLabelValues(string(protocol.MsgDestroy), "ok")))
}

// linesUntil feeds "get", waits for a printed result, then feeds "exit".
type linesUntil struct {
	results *testutil.Buffer
	n       int
}

func (l *linesUntil) ReadLine(ctx context.Context) (string, error) {
	l.n++
	switch l.n {
	case 1:
		return "get", nil
	case 2:
		for strings.TrimSpace(l.results.String()) == "" {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(5 * time.Millisecond):
			}
		}
		return "exit", nil
	}
	<-ctx.Done()
	return "", ctx.Err()
}

func TestDriver_InteractTask(t *testing.T) {
	e := startProvider(t)
	d, stdout, _, results := newDriver(e)
	d.Input = &linesUntil{results: results}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	r, err := d.Run(ctx, task(t, driver.TaskInteract))
	require.NoError(t, err)

	assert.True(t, r.Outcome.Finished)
	assert.Equal(t, 0, r.Outcome.ReturnCode)
	assert.NoError(t, r.StreamErr)

	prophecy := strings.TrimSpace(results.String())
	assert.Len(t, strings.Fields(prophecy), unit.PhraseWords)
	assert.Contains(t, stdout.String(), "Debug print: "+prophecy)
}

func TestDriver_FailingUnit(t *testing.T) {
	e := startProvider(t)
	d, stdout, stderr, _ := newDriver(e)

	tk := task(t, driver.TaskProgress)
	tk.Binary = "/bin/fail"
	tk.Messages = nil

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	r, err := d.Run(ctx, tk)
	require.NoError(t, err)

	assert.True(t, r.Outcome.Finished)
	assert.Equal(t, 3, r.Outcome.ReturnCode)
	assert.Equal(t, "exit status 3", r.Outcome.Message)
	assert.Equal(t, "out\n", stdout.String())
	assert.Equal(t, "err\n", stderr.String())
}

func TestDriver_UnknownEntryPoint(t *testing.T) {
	e := startProvider(t)
	d, _, _, _ := newDriver(e)

	tk := task(t, driver.TaskProgress)
	tk.Binary = "/bin/missing"
	tk.Messages = nil

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	r, err := d.Run(ctx, tk)
	require.NoError(t, err)
	assert.Equal(t, 127, r.Outcome.ReturnCode)
}

func TestDestroy_KillsRunningUnit(t *testing.T) {
	e := startProvider(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	c := e.client

	sub, err := c.PublishDemand(ctx, protocol.Demand{Properties: map[string]any{"golem.srv.comp.task_package": "pkg"}})
	require.NoError(t, err)
	var offers []protocol.Offer
	for len(offers) == 0 {
		offers, err = c.PollOffers(ctx, sub, 100*time.Millisecond, 1)
		require.NoError(t, err)
	}
	a, err := c.AcceptOffer(ctx, sub, offers[0].ID, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, c.Unsubscribe(ctx, sub))

	act, err := c.CreateActivity(ctx, a.ID)
	require.NoError(t, err)
	batchID, err := c.Exec(ctx, act, []protocol.Command{protocol.Deploy(), protocol.Start()})
	require.NoError(t, err)
	res, err := c.Wait(ctx, act, batchID)
	require.NoError(t, err)
	_, failed := res.Failed()
	require.False(t, failed)

	batchID, err = c.Exec(ctx, act, []protocol.Command{protocol.Run("/bin/sleep")})
	require.NoError(t, err)
	stream, err := c.Attach(ctx, act, batchID)
	require.NoError(t, err)
	defer stream.Close()

	ev, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.EventStarted, ev.Kind)

	require.Eventually(t, func() bool {
		st, err := c.State(ctx, act)
		return err == nil && st.RunningCommand != nil
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Destroy(ctx, act))
	res, err = c.Wait(ctx, act, batchID)
	require.NoError(t, err)
	_, failed = res.Failed()
	assert.True(t, failed, "killed unit reports a non-zero code")

	for {
		ev, err = stream.Next(ctx)
		if err != nil {
			break
		}
	}
	assert.True(t, errors.Is(err, io.EOF), "stream ends after the batch: %v", err)
}

func TestRemoteErrors(t *testing.T) {
	e := startProvider(t)
	ctx := context.Background()

	_, err := e.client.CreateActivity(ctx, "no-such-agreement")
	var remote *transport.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, protocol.MsgCreateActivity, remote.Op)

	_, err = e.client.OpenChannel(ctx, "no-such-activity", "/messages")
	assert.Error(t, err)
}
