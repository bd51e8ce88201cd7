package capture

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/imu-capture/pkg/sink"
)

type chanIngester struct {
	got chan string
}

func (c *chanIngester) Ingest(_ context.Context, payload []byte, _ net.Addr) Result {
	c.got <- string(payload)
	return ResultDiscarded
}

func sendDatagrams(t *testing.T, addr net.Addr, payloads ...string) {
	t.Helper()
	conn, err := net.Dial("udp", addr.String())
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	for _, p := range payloads {
		_, err := conn.Write([]byte(p))
		require.NoError(t, err)
	}
}

func TestListen_Validation(t *testing.T) {
	_, err := Listen(context.Background(), "127.0.0.1:0", 0, nil)
	assert.Error(t, err)

	_, err = Listen(context.Background(), "not-an-address", 0, &chanIngester{})
	assert.Error(t, err)
}

func TestListener_DeliversInOrder(t *testing.T) {
	ing := &chanIngester{got: make(chan string, 8)}
	l, err := Listen(context.Background(), "127.0.0.1:0", 0, ing)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- l.Run(ctx) }()

	sendDatagrams(t, l.Addr(), "one", "two", "three")
	for _, want := range []string{"one", "two", "three"} {
		select {
		case got := <-ing.got:
			assert.Equal(t, want, got)
		case <-time.After(recTestWait):
			t.Fatalf("timed out waiting for %q", want)
		}
	}

	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err, "cancelled loop exits cleanly")
	case <-time.After(recTestWait):
		t.Fatal("Run did not return after cancel")
	}
	assert.NoError(t, l.Close(), "closing twice is fine")
}

func TestListener_TruncatesToBuffer(t *testing.T) {
	ing := &chanIngester{got: make(chan string, 1)}
	l, err := Listen(context.Background(), "127.0.0.1:0", 4, ing)
	require.NoError(t, err)
	go func() { _ = l.Run(context.Background()) }()
	defer func() { _ = l.Close() }()

	sendDatagrams(t, l.Addr(), "abcdefgh")
	select {
	case got := <-ing.got:
		assert.Equal(t, "abcd", got)
	case <-time.After(recTestWait):
		t.Fatal("timed out")
	}
}

func TestListener_RecorderEndToEnd(t *testing.T) {
	dir := t.TempDir()
	rec, err := NewRecorder(Config{OutputDir: dir}, sink.NewManager(sink.Config{Labels: true, Fsync: true}))
	require.NoError(t, err)
	rec.StartWorker()

	l, err := Listen(context.Background(), "127.0.0.1:0", DefaultBufferSize, rec)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Run(ctx) }()

	sendDatagrams(t, l.Addr(), recTestPayload)
	require.Eventually(t, func() bool { return rec.Stats().Discarded == 1 }, recTestWait, recTestTick)

	_, _, err = rec.Start(time.Minute, labelPtr(recTestLabel))
	require.NoError(t, err)
	sendDatagrams(t, l.Addr(), recTestPayload, "garbage", recTestPayload)
	require.Eventually(t, func() bool { return rec.Stats().Appended == 2 }, recTestWait, recTestTick)
	assert.Equal(t, int64(1), rec.Stats().Malformed)

	require.NoError(t, rec.Close(context.Background()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	rows := readCSV(t, filepath.Join(dir, entries[0].Name()))
	require.Len(t, rows, 3)
	for _, row := range rows[1:] {
		assert.Equal(t, "1000", row[1])
		assert.Equal(t, recTestLabel, row[9])
	}
}
