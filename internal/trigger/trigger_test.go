package trigger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"file-batch-ingester/internal/gate"
	"file-batch-ingester/internal/job"
	"file-batch-ingester/internal/models"
	"file-batch-ingester/internal/queue"
)

type fakeTracker struct {
	mu        sync.Mutex
	states    map[string]string
	failed    map[string]string
	lookupErr []error
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{states: map[string]string{}, failed: map[string]string{}}
}

func (f *fakeTracker) IsAlreadyProcessed(_ context.Context, fileID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.lookupErr) > 0 {
		err := f.lookupErr[0]
		f.lookupErr = f.lookupErr[1:]
		return false, err
	}
	return f.states[fileID] == models.StatusCompleted, nil
}

func (f *fakeTracker) MarkProcessingStarted(_ context.Context, fileID, _ string, _ int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.states[fileID]; ok && st != models.StatusFailed {
		return false, nil
	}
	f.states[fileID] = models.StatusProcessing
	return true, nil
}

func (f *fakeTracker) MarkFailed(_ context.Context, fileID, message string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[fileID] = models.StatusFailed
	f.failed[fileID] = message
	return true, nil
}

// fakeLauncher holds every permit it is given until the test releases it.
type fakeLauncher struct {
	mu      sync.Mutex
	permits map[string]gate.Permit
	err     error
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{permits: map[string]gate.Permit{}}
}

func (f *fakeLauncher) Launch(_ context.Context, jobID string, msg models.TriggerMessage, permit gate.Permit) (*job.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.permits[msg.FileID] = permit
	return &job.Run{JobID: jobID, Trigger: msg, Permit: permit}, nil
}

func (f *fakeLauncher) finish(fileID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permits[fileID].Release()
	delete(f.permits, fileID)
}

func (f *fakeLauncher) launched() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.permits)
}

type ackCounter struct{ n int }

func (a *ackCounter) ack() error {
	a.n++
	return nil
}

func msgFor(fileID string) models.TriggerMessage {
	return models.TriggerMessage{FileID: fileID, FilePath: "/data/" + fileID + ".csv", RecordCount: 10}
}

func TestDecode(t *testing.T) {
	msg, err := Decode([]byte(`{"fileId":"f1","filePath":"/data/f1.csv","recordCount":95,"sourceSystem":"crm"}`))
	require.NoError(t, err)
	assert.Equal(t, "f1", msg.FileID)
	assert.EqualValues(t, 95, msg.RecordCount)
	assert.Equal(t, ",", msg.EffectiveDelimiter())

	for _, payload := range []string{
		`not json`,
		`{"filePath":"/x","recordCount":1}`,
		`{"fileId":"f1","filePath":" ","recordCount":1}`,
		`{"fileId":"f1","filePath":"/x","recordCount":0}`,
	} {
		_, err := Decode([]byte(payload))
		assert.ErrorIs(t, err, ErrInvalidTrigger, payload)
	}
}

func TestEncodeRoundTripsValidTriggers(t *testing.T) {
	b, err := Encode(msgFor("f1"))
	require.NoError(t, err)
	msg, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, msgFor("f1"), msg)

	_, err = Encode(models.TriggerMessage{FileID: "f1"})
	assert.ErrorIs(t, err, ErrInvalidTrigger)
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Initial: 2 * time.Second, Multiplier: 2, Max: 30 * time.Second, Retries: 3}
	assert.Equal(t, 2*time.Second, b.Delay(0))
	assert.Equal(t, 4*time.Second, b.Delay(1))
	assert.Equal(t, 8*time.Second, b.Delay(2))
	assert.Equal(t, 16*time.Second, b.Delay(3))
	assert.Equal(t, 30*time.Second, b.Delay(4))
	assert.Equal(t, 30*time.Second, b.Delay(10))
}

func TestConsumerAcksDuplicateWithoutLaunching(t *testing.T) {
	tracker := newFakeTracker()
	tracker.states["f1"] = models.StatusCompleted
	launcher := newFakeLauncher()
	g := gate.NewLocal(2)
	c := NewConsumer(tracker, g, launcher)

	acks := &ackCounter{}
	require.NoError(t, c.Handle(context.Background(), msgFor("f1"), acks.ack))

	assert.Equal(t, 1, acks.n)
	assert.Zero(t, launcher.launched())
	inUse, _ := g.InUse(context.Background())
	assert.Zero(t, inUse)
}

func TestConsumerAppliesBackpressureToThirdTrigger(t *testing.T) {
	ctx := context.Background()
	tracker := newFakeTracker()
	launcher := newFakeLauncher()
	c := NewConsumer(tracker, gate.NewLocal(2), launcher)

	a1, a2, a3 := &ackCounter{}, &ackCounter{}, &ackCounter{}
	require.NoError(t, c.Handle(ctx, msgFor("f1"), a1.ack))
	require.NoError(t, c.Handle(ctx, msgFor("f2"), a2.ack))

	err := c.Handle(ctx, msgFor("f3"), a3.ack)
	assert.ErrorIs(t, err, ErrBackpressure)
	assert.Zero(t, a3.n, "the third trigger is not acknowledged")
	assert.Equal(t, 2, launcher.launched())
	_, claimed := tracker.states["f3"]
	assert.False(t, claimed)

	launcher.finish("f1")
	require.NoError(t, c.Handle(ctx, msgFor("f3"), a3.ack))
	assert.Equal(t, 1, a3.n)
	assert.Equal(t, 2, launcher.launched())
}

func TestConsumerLaunchFailureReleasesSlot(t *testing.T) {
	ctx := context.Background()
	tracker := newFakeTracker()
	launcher := newFakeLauncher()
	launcher.err = errors.New("cannot plan")
	g := gate.NewLocal(1)
	c := NewConsumer(tracker, g, launcher)

	acks := &ackCounter{}
	err := c.Handle(ctx, msgFor("f1"), acks.ack)
	require.Error(t, err)

	assert.Zero(t, acks.n)
	assert.Equal(t, models.StatusFailed, tracker.states["f1"])
	assert.Contains(t, tracker.failed["f1"], "cannot plan")
	inUse, _ := g.InUse(ctx)
	assert.Zero(t, inUse)

	launcher.err = nil
	require.NoError(t, c.Handle(ctx, msgFor("f1"), acks.ack), "a FAILED file can be redriven")
	assert.Equal(t, 1, acks.n)
}

func TestConsumerSkipsFileAlreadyProcessing(t *testing.T) {
	ctx := context.Background()
	tracker := newFakeTracker()
	tracker.states["f1"] = models.StatusProcessing
	launcher := newFakeLauncher()
	g := gate.NewLocal(1)
	c := NewConsumer(tracker, g, launcher)

	acks := &ackCounter{}
	require.NoError(t, c.Handle(ctx, msgFor("f1"), acks.ack))
	assert.Equal(t, 1, acks.n)
	assert.Zero(t, launcher.launched())
	inUse, _ := g.InUse(ctx)
	assert.Zero(t, inUse)
}

type published struct {
	topic     string
	partition int32
	key       string
	value   string
	headers map[string]string
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (f *fakePublisher) PublishTo(_ context.Context, topic string, partition int32, key, value []byte, headers map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, published{topic: topic, partition: partition, key: string(key), value: string(value), headers: headers})
	return nil
}

type fakeJournal struct{ entries []models.DeadLetter }

func (f *fakeJournal) Push(_ context.Context, dl models.DeadLetter) error {
	f.entries = append(f.entries, dl)
	return nil
}

func quickBackoff() Backoff {
	return Backoff{Initial: time.Millisecond, Multiplier: 2, Max: 5 * time.Millisecond, Retries: 3}
}

func newMessage(key, value string, acks *ackCounter) *queue.Message {
	return queue.NewMessage("batch-trigger-topic", 1, 42, []byte(key), []byte(value), map[string]string{"source": "sftp"}, acks.ack)
}

func TestRouterDeadLettersInvalidTriggerImmediately(t *testing.T) {
	tracker := newFakeTracker()
	pub := &fakePublisher{}
	journal := &fakeJournal{}
	r := NewRouter(NewConsumer(tracker, gate.NewLocal(1), newFakeLauncher()), pub, journal, "dlt", quickBackoff())

	acks := &ackCounter{}
	require.NoError(t, r.Handle(context.Background(), newMessage("f1", `{"fileId":"f1"}`, acks)))

	require.Len(t, pub.sent, 1)
	assert.Equal(t, "dlt", pub.sent[0].topic)
	assert.Equal(t, "f1", pub.sent[0].key)
	assert.Equal(t, `{"fileId":"f1"}`, pub.sent[0].value)
	assert.Equal(t, "batch-trigger-topic", pub.sent[0].headers["dlq-original-topic"])
	assert.Equal(t, "sftp", pub.sent[0].headers["source"])
	assert.Equal(t, 1, acks.n)
	require.Len(t, journal.entries, 1)
	assert.Equal(t, 1, journal.entries[0].Attempts)
}

func TestRouterDeadLettersAfterBackoffExhausted(t *testing.T) {
	g := gate.NewLocal(1)
	held, ok, err := g.TryAcquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	defer held.Release()

	pub := &fakePublisher{}
	journal := &fakeJournal{}
	r := NewRouter(NewConsumer(newFakeTracker(), g, newFakeLauncher()), pub, journal, "dlt", quickBackoff())

	acks := &ackCounter{}
	payload := `{"fileId":"f9","filePath":"/data/f9.csv","recordCount":5}`
	require.NoError(t, r.Handle(context.Background(), newMessage("f9", payload, acks)))

	require.Len(t, pub.sent, 1)
	assert.Equal(t, "f9", pub.sent[0].key)
	assert.Equal(t, int32(1), pub.sent[0].partition)
	assert.Equal(t, payload, pub.sent[0].value, "the original payload is republished unchanged")
	assert.Contains(t, pub.sent[0].headers["dlq-exception-message"], "max concurrent jobs")
	assert.Equal(t, 1, acks.n)
	require.Len(t, journal.entries, 1)
	assert.Equal(t, "f9", journal.entries[0].FileID)
	assert.Equal(t, 4, journal.entries[0].Attempts)
}

func TestRouterRetriesTransientFailures(t *testing.T) {
	tracker := newFakeTracker()
	tracker.lookupErr = []error{errors.New("connection reset"), errors.New("connection reset")}
	launcher := newFakeLauncher()
	pub := &fakePublisher{}
	r := NewRouter(NewConsumer(tracker, gate.NewLocal(1), launcher), pub, nil, "dlt", quickBackoff())

	acks := &ackCounter{}
	require.NoError(t, r.Handle(context.Background(), newMessage("f1", `{"fileId":"f1","filePath":"/x","recordCount":3}`, acks)))

	assert.Empty(t, pub.sent)
	assert.Equal(t, 1, acks.n)
	assert.Equal(t, 1, launcher.launched())
}

func TestRouterKeepsMessageWhenDeadLetterPublishFails(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker unavailable")}
	r := NewRouter(NewConsumer(newFakeTracker(), gate.NewLocal(1), newFakeLauncher()), pub, nil, "dlt", quickBackoff())

	acks := &ackCounter{}
	err := r.Handle(context.Background(), newMessage("f1", `garbage`, acks))
	assert.Error(t, err)
	assert.Zero(t, acks.n)
}

func TestRouterDeadLetterKeepsSourcePartitionWithoutKey(t *testing.T) {
	pub := &fakePublisher{}
	r := NewRouter(NewConsumer(newFakeTracker(), gate.NewLocal(1), newFakeLauncher()), pub, nil, "dlt", quickBackoff())

	acks := &ackCounter{}
	m := queue.NewMessage("batch-trigger-topic", 3, 7, nil, []byte("not json"), nil, acks.ack)
	require.NoError(t, r.Handle(context.Background(), m))

	require.Len(t, pub.sent, 1)
	assert.Equal(t, int32(3), pub.sent[0].partition)
	assert.Equal(t, "", pub.sent[0].key)
	assert.Equal(t, "3", pub.sent[0].headers["dlq-original-partition"])
	assert.Equal(t, 1, acks.n)
}
