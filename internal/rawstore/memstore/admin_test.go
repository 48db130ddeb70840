package memstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	accesserrors "github.com/devrev/pairdb/store-access/internal/errors"
	"github.com/devrev/pairdb/store-access/internal/model"
	"github.com/devrev/pairdb/store-access/internal/rawstore"
	"github.com/devrev/pairdb/store-access/internal/storage/rowcodec"
)

func populate(t *testing.T, s *Store) rawstore.Transaction {
	t.Helper()
	tx, err := s.StartTransaction("setup")
	require.NoError(t, err)
	_, err = tx.AddContainer(heapSpec(16))
	require.NoError(t, err)
	h := openForUpdate(t, s, tx, 16)
	_, err = h.Insert(model.Row{int64(7), "seven"})
	require.NoError(t, err)
	h.Close()
	_, err = tx.AddContainer(rawstore.ContainerSpec{Kind: rawstore.ContainerKindHeap, Temporary: true})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return tx
}

func TestBackupWritesImages(t *testing.T) {
	s := newTestStore(t)
	populate(t, s)
	dir := t.TempDir()

	require.NoError(t, s.Backup(context.Background(), dir, false))

	m, err := LoadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, []model.ContainerID{16}, m.Containers)

	img, err := LoadContainerImage(dir, 16)
	require.NoError(t, err)
	require.Len(t, img.Records, 1)
	row, err := rowcodec.DecodeValues(img.Records[0].Values)
	require.NoError(t, err)
	assert.Equal(t, model.Row{int64(7), "seven"}, row)
}

func TestBackupDetectsCorruption(t *testing.T) {
	s := newTestStore(t)
	populate(t, s)
	dir := t.TempDir()
	require.NoError(t, s.Backup(context.Background(), dir, false))

	path := filepath.Join(dir, ContainerFile(16))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[8] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = LoadContainerImage(dir, 16)
	assert.True(t, accesserrors.Is(err, accesserrors.ErrCodeChecksumFailed))

	require.NoError(t, os.WriteFile(path, []byte{1}, 0o644))
	_, err = LoadContainerImage(dir, 16)
	assert.True(t, accesserrors.Is(err, accesserrors.ErrCodeCorruptedData))
}

func TestBackupBlockedByPendingWrites(t *testing.T) {
	s := newTestStore(t)
	tx := populate(t, s)
	h := openForUpdate(t, s, tx, 16)
	_, err := h.Insert(model.Row{int64(8), "eight"})
	require.NoError(t, err)
	h.Close()

	err = s.Backup(context.Background(), t.TempDir(), false)
	assert.True(t, accesserrors.Is(err, accesserrors.ErrCodeBackupBlocked))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = s.Backup(ctx, t.TempDir(), true)
	assert.True(t, accesserrors.Is(err, accesserrors.ErrCodeBackupBlocked))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = tx.Commit()
	}()
	assert.NoError(t, s.Backup(context.Background(), t.TempDir(), true))
}

func TestBackupDiskFull(t *testing.T) {
	s := newTestStore(t)
	s.cfg.DiskCheck = func(string, uint64) error { return accesserrors.DiskFull(99, 0) }
	populate(t, s)
	err := s.Backup(context.Background(), t.TempDir(), false)
	assert.True(t, accesserrors.Is(err, accesserrors.ErrCodeDiskFull))

	err = s.BackupAndEnableLogArchiveMode(context.Background(), t.TempDir(), false, false)
	assert.Error(t, err)
	assert.False(t, s.IsArchiveMode())
}

func TestArchiveMode(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.BackupAndEnableLogArchiveMode(context.Background(), t.TempDir(), false, false))
	assert.True(t, s.IsArchiveMode())
	require.NoError(t, s.DisableLogArchiveMode(context.Background(), true))
	assert.False(t, s.IsArchiveMode())
}

func TestFreezeBlocksWriters(t *testing.T) {
	s := newTestStore(t)
	tx := populate(t, s)
	ctx := context.Background()

	require.NoError(t, s.Freeze(ctx))
	assert.True(t, s.IsFrozen())
	assert.Error(t, s.Freeze(ctx))

	done := make(chan error, 1)
	go func() {
		h, err := tx.OpenContainer(16, recordPolicy(t, s, model.IsolationSerializable), model.OpenModeForUpdate)
		if err != nil {
			done <- err
			return
		}
		defer h.Close()
		_, err = h.Insert(model.Row{int64(9), "nine"})
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("writer ran while frozen")
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, s.Unfreeze(ctx))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("writer was not released")
	}
	assert.Error(t, s.Unfreeze(ctx))
}

func TestCheckpoint(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Checkpoint(context.Background()))
	require.NoError(t, s.Checkpoint(context.Background()))
	assert.Equal(t, int64(2), s.Checkpoints())
}

func TestSimulateCrashUndoOrder(t *testing.T) {
	s := newTestStore(t)
	populate(t, s)

	write := func(tx rawstore.Transaction, v int64) {
		h := openForUpdate(t, s, tx, 16)
		_, err := h.Insert(model.Row{v, "x"})
		require.NoError(t, err)
		h.Close()
	}

	user1, _ := s.StartTransaction("user1")
	write(user1, 100)
	internal1, _ := s.StartInternalTransaction()
	write(internal1, 101)
	user2, _ := s.StartTransaction("user2")
	write(user2, 102)
	internal2, _ := s.StartInternalTransaction()
	write(internal2, 103)
	global, _ := s.StartGlobalTransaction(testXid("crash"))
	write(global, 104)
	_, err := global.XAPrepare()
	require.NoError(t, err)

	undone := s.SimulateCrash()
	assert.Equal(t, []string{internal2.ID(), internal1.ID(), user2.ID(), user1.ID()}, undone)
	assert.Equal(t, undone, s.RecoveryLog())

	inDoubt := s.InDoubt()
	require.Len(t, inDoubt, 1)
	assert.True(t, inDoubt[0].Equal(testXid("crash")))

	require.NoError(t, global.XARollback())
	reader, _ := s.StartTransaction("reader")
	h, err := reader.OpenContainer(16, recordPolicy(t, s, model.IsolationReadCommitted), 0)
	require.NoError(t, err)
	defer h.Close()
	n, err := h.RowCount()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
