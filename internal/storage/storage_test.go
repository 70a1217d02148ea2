package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bellbot/internal/transport"
	logx "bellbot/pkg/logx"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openDriver(t *testing.T, driver string) (Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "bellbot."+driver)
	st, err := Open(Config{Driver: driver, Path: path, BusyTimeout: time.Second}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st, path
}

func at(id int, nick string, ago time.Duration) transport.Message {
	return transport.Message{ID: id, ChatID: -100, SenderID: "1" + nick, SenderName: nick, Text: "hi", At: t0.Add(-ago)}
}

func TestOpenDisabled(t *testing.T) {
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	require.NoError(t, err)
	require.Nil(t, st)

	_, err = Open(Config{Driver: "redis"}, logx.Nop())
	require.ErrorContains(t, err, "unknown storage driver")

	_, err = RoomHistory{Room: "ops"}.MessagesBefore(context.Background(), t0, 1)
	require.ErrorIs(t, err, ErrDisabled)
}

func TestStoreDrivers(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			st, _ := openDriver(t, driver)

			// out of order on purpose
			for _, m := range []transport.Message{at(2, "bob", 2*time.Minute), at(1, "alice", 3*time.Minute), at(3, "carol", time.Minute)} {
				require.NoError(t, st.AppendMessage(ctx, "ops", m))
			}
			require.NoError(t, st.AppendMessage(ctx, "dev", at(4, "dave", time.Minute)))

			got, err := st.MessagesBefore(ctx, "ops", t0, 2)
			require.NoError(t, err)
			require.Len(t, got, 2)
			require.Equal(t, "carol", got[0].SenderName)
			require.Equal(t, "bob", got[1].SenderName)
			require.True(t, got[0].At.Equal(t0.Add(-time.Minute)))

			got, err = RoomHistory{Store: st, Room: "ops"}.MessagesBefore(ctx, t0.Add(-2*time.Minute), 10)
			require.NoError(t, err)
			require.Len(t, got, 1)
			require.Equal(t, "alice", got[0].SenderName)
			require.Equal(t, int64(-100), got[0].ChatID)
			require.Equal(t, "1alice", got[0].SenderID)

			n, err := st.PruneBefore(ctx, t0.Add(-90*time.Second))
			require.NoError(t, err)
			require.Equal(t, int64(2), n)

			got, err = st.MessagesBefore(ctx, "ops", t0, 10)
			require.NoError(t, err)
			require.Len(t, got, 1)
			got, err = st.MessagesBefore(ctx, "dev", t0, 10)
			require.NoError(t, err)
			require.Len(t, got, 1)
		})
	}
}

func TestFileStoreReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "log.jsonl")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.AppendMessage(ctx, "ops", at(1, "alice", time.Hour)))
	require.NoError(t, st.AppendMessage(ctx, "ops", at(2, "bob", time.Minute)))
	_, err = st.PruneBefore(ctx, t0.Add(-30*time.Minute))
	require.NoError(t, err)
	require.NoError(t, st.AppendMessage(ctx, "ops", at(3, "carol", time.Second)))
	require.NoError(t, st.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	got, err := st.MessagesBefore(ctx, "ops", t0, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "carol", got[0].SenderName)
	require.Equal(t, "bob", got[1].SenderName)

	require.NoError(t, st.Close())
	_, err = st.MessagesBefore(ctx, "ops", t0, 10)
	require.ErrorIs(t, err, ErrClosed)
}
