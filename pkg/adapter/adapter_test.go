package adapter

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liaisonhq/liaison/pkg/config"
	"github.com/liaisonhq/liaison/pkg/errdefs"
	"github.com/liaisonhq/liaison/pkg/platform"
)

// loopClient is a controllable platform client for lifecycle tests.
type loopClient struct {
	events      chan *platform.RawEvent
	alive       atomic.Bool
	connects    atomic.Int32
	disconnects atomic.Int32
	connectErr  error
	closeOnce   atomic.Bool
}

func newLoopClient() *loopClient {
	return &loopClient{events: make(chan *platform.RawEvent, 8)}
}

func (l *loopClient) Connect(ctx context.Context) error {
	l.connects.Add(1)
	if l.connectErr != nil {
		return l.connectErr
	}
	l.alive.Store(true)
	return nil
}

func (l *loopClient) Disconnect(ctx context.Context) error {
	l.disconnects.Add(1)
	l.alive.Store(false)
	if l.closeOnce.CompareAndSwap(false, true) {
		close(l.events)
	}
	return nil
}

func (l *loopClient) IsAlive() bool                     { return l.alive.Load() }
func (l *loopClient) Events() <-chan *platform.RawEvent { return l.events }
func (l *loopClient) BotUserID() string                 { return "bot" }
func (l *loopClient) Capabilities() platform.Capabilities {
	return platform.Capabilities{EchoesOwnMessages: true}
}

func (l *loopClient) SendMessage(ctx context.Context, conversationID, threadID, replyToID, text string, files []platform.OutgoingFile) (*platform.SendResult, error) {
	return &platform.SendResult{MessageIDs: []string{"1"}}, nil
}
func (l *loopClient) EditMessage(ctx context.Context, conversationID, messageID, text string) error {
	return nil
}
func (l *loopClient) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	return nil
}
func (l *loopClient) AddReaction(ctx context.Context, conversationID, messageID, emoji string) error {
	return nil
}
func (l *loopClient) RemoveReaction(ctx context.Context, conversationID, messageID, emoji string) error {
	return nil
}
func (l *loopClient) PinMessage(ctx context.Context, conversationID, messageID string) error {
	return nil
}
func (l *loopClient) UnpinMessage(ctx context.Context, conversationID, messageID string) error {
	return nil
}
func (l *loopClient) FetchHistory(ctx context.Context, q platform.HistoryQuery) ([]*platform.RawMessage, error) {
	return nil, nil
}
func (l *loopClient) DownloadAttachment(ctx context.Context, ref platform.AttachmentRef) ([]byte, error) {
	return nil, nil
}

var testClient *loopClient

func init() {
	platform.Register("looptest", func(cfg *config.Config) (platform.Client, error) {
		return testClient, nil
	})
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Adapter.AdapterType = "looptest"
	cfg.Adapter.RetryDelay = 10 * time.Millisecond
	cfg.Adapter.ConnectionCheckInterval = 20 * time.Millisecond
	cfg.Adapter.MaxReconnectAttempts = 2
	cfg.Attachments.StorageDir = t.TempDir()
	cfg.Socket.Port = 0
	return cfg
}

func TestStartStop(t *testing.T) {
	testClient = newLoopClient()
	a, err := New(testConfig(t))
	require.NoError(t, err)

	require.NoError(t, a.Start(context.Background()))
	assert.Equal(t, int32(1), testClient.connects.Load())

	require.NoError(t, a.Stop())
	assert.Equal(t, int32(1), testClient.disconnects.Load())
}

func TestConnectRetriesThenFails(t *testing.T) {
	testClient = newLoopClient()
	testClient.connectErr = assert.AnError
	a, err := New(testConfig(t))
	require.NoError(t, err)

	err = a.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errdefs.IsFatal(err))
	// initial attempt plus the configured retries
	assert.Equal(t, int32(3), testClient.connects.Load())
}

func TestMonitorReconnects(t *testing.T) {
	testClient = newLoopClient()
	cfg := testConfig(t)
	a, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	// drop the connection; the monitor should restore it
	testClient.alive.Store(false)

	assert.Eventually(t, func() bool {
		return testClient.IsAlive() && testClient.connects.Load() >= 2
	}, time.Second, 10*time.Millisecond)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	testClient = newLoopClient()
	a, err := New(testConfig(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, int32(1), testClient.disconnects.Load())
}
