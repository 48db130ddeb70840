package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/devrev/pairdb/store-access/internal/conglomid"
	accesserrors "github.com/devrev/pairdb/store-access/internal/errors"
	"github.com/devrev/pairdb/store-access/internal/model"
	"github.com/devrev/pairdb/store-access/internal/rawstore"
	"github.com/devrev/pairdb/store-access/internal/rawstore/memstore"
	"github.com/devrev/pairdb/store-access/internal/security"
	"github.com/devrev/pairdb/store-access/internal/storage/heap"
)

func newRawStore() *memstore.Store {
	cfg := memstore.DefaultConfig()
	cfg.DeadlockTimeout = 20 * time.Millisecond
	cfg.LockWaitTimeout = 100 * time.Millisecond
	cfg.DiskCheck = func(string, uint64) error { return nil }
	return memstore.New(cfg, nil, nil)
}

func bootManager(t *testing.T, raw rawstore.RawStore, authorizer security.Authorizer, props model.Properties) *AccessManager {
	t.Helper()
	am := New(DefaultConfig(), raw, authorizer, nil, nil)
	require.NoError(t, am.Boot(context.Background(), true, props))
	t.Cleanup(func() { _ = am.Stop(context.Background()) })
	return am
}

func newManager(t *testing.T) *AccessManager {
	t.Helper()
	return bootManager(t, newRawStore(), nil, nil)
}

func userTxn(t *testing.T, am *AccessManager) *Transaction {
	t.Helper()
	s, err := am.NewSession("test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	txn, err := s.GetTransaction("user")
	require.NoError(t, err)
	return txn
}

func TestBootCreatesPropertyConglomerate(t *testing.T) {
	raw := newRawStore()
	am := bootManager(t, raw, nil, model.Properties{"derby.custom.setting": "on", "unrelated": "x"})

	assert.True(t, am.IsBooted())
	assert.False(t, am.IsReadOnly())
	_, ok := raw.ServiceProperty(propertiesIDKey)
	assert.True(t, ok)

	txn := userTxn(t, am)
	v, ok, err := txn.GetProperty("derby.custom.setting")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "on", v)

	_, ok, err = txn.GetProperty("unrelated")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, am.CreateFinished())
	v, _ = raw.ServiceProperty(propertyCreateFinished)
	assert.Equal(t, "true", v)

	err = am.Boot(context.Background(), false, nil)
	assert.True(t, accesserrors.Is(err, accesserrors.ErrCodeBootFailed))
}

func TestLockGranularityFloor(t *testing.T) {
	tests := []struct {
		name  string
		props model.Properties
		want  model.Granularity
	}{
		{name: "default is record level", want: model.GranularityRecord},
		{name: "row locking disabled", props: model.Properties{model.PropertyRowLocking: "false"}, want: model.GranularityTable},
		{name: "row locking enabled", props: model.Properties{model.PropertyRowLocking: "true"}, want: model.GranularityRecord},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			am := bootManager(t, newRawStore(), nil, tt.props)
			assert.Equal(t, tt.want, am.LockGranularity())

			txn := userTxn(t, am)
			id, err := txn.CreateConglomerate(heap.ImplementationType, model.Row{int64(0)}, nil, nil, nil, model.TemporaryFlagNone)
			require.NoError(t, err)
			cc, err := txn.OpenConglomerate(id, false, model.OpenModeForUpdate, model.GranularityRecord, model.IsolationReadCommitted)
			require.NoError(t, err)
			assert.Equal(t, tt.want, cc.Policy().Granularity())

			table, err := txn.OpenConglomerate(id, false, model.OpenModeDefault, model.GranularityTable, model.IsolationReadCommitted)
			require.NoError(t, err)
			assert.Equal(t, model.GranularityTable, table.Policy().Granularity())
			require.NoError(t, txn.Commit())
		})
	}
}

func TestRebootReadsStoredFloor(t *testing.T) {
	ctx := context.Background()
	raw := newRawStore()
	am := New(DefaultConfig(), raw, nil, nil, nil)
	require.NoError(t, am.Boot(ctx, true, nil))
	txn := userTxn(t, am)
	require.NoError(t, txn.SetProperty(model.PropertyRowLocking, "false"))
	require.NoError(t, txn.Commit())
	require.NoError(t, am.Stop(ctx))

	// the stored property wins over the boot value
	rebooted := New(DefaultConfig(), raw, nil, nil, nil)
	require.NoError(t, rebooted.Boot(ctx, false, model.Properties{model.PropertyRowLocking: "true"}))
	defer rebooted.Stop(ctx)
	assert.Equal(t, model.GranularityTable, rebooted.LockGranularity())
}

func TestConglomerateIDCollision(t *testing.T) {
	raw := newRawStore()
	pre, err := raw.StartTransaction("pre")
	require.NoError(t, err)
	for _, id := range []model.ContainerID{16, 32} {
		_, err := pre.AddContainer(rawstore.ContainerSpec{ID: id, Kind: rawstore.ContainerKindHeap})
		require.NoError(t, err)
	}
	require.NoError(t, pre.Commit())
	require.NoError(t, pre.Destroy())

	am := bootManager(t, raw, nil, nil)
	v, _ := raw.ServiceProperty(propertiesIDKey)
	assert.Equal(t, "48", v)

	txn := userTxn(t, am)
	id, err := txn.CreateConglomerate(heap.ImplementationType, model.Row{""}, nil, nil, nil, model.TemporaryFlagNone)
	require.NoError(t, err)
	assert.Equal(t, model.ConglomerateID(64), id)
	assert.Equal(t, conglomid.TagHeap, conglomid.Tag(id))
}

func TestUnknownFactoryTag(t *testing.T) {
	am := newManager(t)
	txn := userTxn(t, am)

	id, err := conglomid.Encode(5, 2)
	require.NoError(t, err)
	_, err = txn.OpenConglomerate(id, false, model.OpenModeDefault, model.GranularityRecord, model.IsolationReadCommitted)
	assert.True(t, accesserrors.Is(err, accesserrors.ErrCodeConglomerateDoesNotExist))

	exists, err := txn.ConglomerateExists(id)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = txn.CreateConglomerate("hash", model.Row{int64(0)}, nil, nil, nil, model.TemporaryFlagNone)
	assert.True(t, accesserrors.Is(err, accesserrors.ErrCodeNoSuchConglomerateType))
}

func TestCryptoPropertiesAreImmutable(t *testing.T) {
	am := newManager(t)
	txn := userTxn(t, am)

	err := txn.SetProperty(model.PropertyCryptoProvider, "other")
	assert.True(t, accesserrors.Is(err, accesserrors.ErrCodeEncryptionProviderImmutable))
	err = am.SetServiceProperty(model.PropertyCryptoAlgorithm, "AES/CBC")
	assert.True(t, accesserrors.Is(err, accesserrors.ErrCodeEncryptionAlgorithmImmutable))

	err = txn.SetProperty(model.PropertyRowLocking, "maybe")
	assert.True(t, accesserrors.Is(err, accesserrors.ErrCodeInvalidProperty))
	err = txn.SetProperty(model.PropertyLockWaitTimeout, "-1")
	assert.True(t, accesserrors.Is(err, accesserrors.ErrCodeInvalidProperty))

	var seen []string
	am.AddPropertyValidator(func(key string, _ *string, _ model.Properties) error {
		seen = append(seen, key)
		return nil
	})
	require.NoError(t, txn.SetProperty(model.PropertyLockWaitTimeout, "30"))
	assert.Equal(t, []string{model.PropertyLockWaitTimeout}, seen)
}

func TestLockTimeoutPropertyAppliedOnCommit(t *testing.T) {
	raw := newRawStore()
	am := bootManager(t, raw, nil, nil)
	txn := userTxn(t, am)
	ctx := context.Background()

	require.NoError(t, txn.SetProperty(model.PropertyLockWaitTimeout, "9"))
	require.NoError(t, txn.Abort())
	require.NoError(t, am.WaitForPostCommitToFinishWork(ctx))
	_, ok := raw.ServiceProperty(model.PropertyLockWaitTimeout)
	assert.False(t, ok)

	require.NoError(t, txn.SetProperty(model.PropertyLockWaitTimeout, "4"))
	require.NoError(t, txn.SetProperty(model.PropertyDeadlockTimeout, "2"))
	require.NoError(t, txn.Commit())
	require.NoError(t, am.WaitForPostCommitToFinishWork(ctx))

	v, ok := raw.ServiceProperty(model.PropertyLockWaitTimeout)
	require.True(t, ok)
	assert.Equal(t, "4", v)
	v, _ = raw.ServiceProperty(model.PropertyDeadlockTimeout)
	assert.Equal(t, "2", v)
}

func TestPropertyDefaults(t *testing.T) {
	am := newManager(t)
	txn := userTxn(t, am)

	require.NoError(t, txn.SetPropertyDefault("derby.app.mode", "fast"))
	v, ok, err := txn.GetProperty("derby.app.mode")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "fast", v)
	visible, err := txn.PropertyDefaultIsVisible("derby.app.mode")
	require.NoError(t, err)
	assert.True(t, visible)

	require.NoError(t, txn.SetProperty("derby.app.mode", "safe"))
	require.NoError(t, txn.SetProperty("derby.app.mode", "safer"))
	v, _, err = txn.GetProperty("derby.app.mode")
	require.NoError(t, err)
	assert.Equal(t, "safer", v)
	visible, err = txn.PropertyDefaultIsVisible("derby.app.mode")
	require.NoError(t, err)
	assert.False(t, visible)

	all, err := txn.Properties()
	require.NoError(t, err)
	assert.Equal(t, "safer", all["derby.app.mode"])

	require.NoError(t, txn.ClearProperty("derby.app.mode"))
	v, _, err = txn.GetProperty("derby.app.mode")
	require.NoError(t, err)
	assert.Equal(t, "fast", v)

	// properties are transactional
	require.NoError(t, txn.Abort())
	_, ok, err = txn.GetProperty("derby.app.mode")
	require.NoError(t, err)
	assert.False(t, ok)
}

// spyStore records the administrative calls that reach the raw store
type spyStore struct {
	*memstore.Store
	mock.Mock
}

func (s *spyStore) Freeze(ctx context.Context) error {
	return s.Called(ctx).Error(0)
}

func (s *spyStore) Unfreeze(ctx context.Context) error {
	return s.Called(ctx).Error(0)
}

func TestAdminOperationsAreAuthorized(t *testing.T) {
	spy := &spyStore{Store: newRawStore()}
	authorizer := security.NewConfigAuthorizer(security.Config{
		Enabled:           true,
		AllowedOperations: []string{string(security.OpFreeze), string(security.OpUnfreeze)},
		AdminPrincipals:   []string{"dba"},
	}, nil)
	am := bootManager(t, spy, authorizer, nil)

	err := am.Freeze(context.Background())
	assert.True(t, accesserrors.Is(err, accesserrors.ErrCodeNotAuthorized))
	err = am.Freeze(security.WithPrincipal(context.Background(), "guest"))
	assert.True(t, accesserrors.Is(err, accesserrors.ErrCodeNotAuthorized))
	spy.AssertNotCalled(t, "Freeze", mock.Anything)
	assert.False(t, am.IsFrozen())

	admin := security.WithPrincipal(context.Background(), "dba")
	err = am.Checkpoint(admin)
	assert.True(t, accesserrors.Is(err, accesserrors.ErrCodeNotAuthorized))

	spy.On("Freeze", mock.Anything).Return(nil).Once()
	spy.On("Unfreeze", mock.Anything).Return(nil).Once()
	require.NoError(t, am.Freeze(admin))
	assert.True(t, am.IsFrozen())
	require.NoError(t, am.Unfreeze(admin))
	assert.False(t, am.IsFrozen())
	spy.AssertExpectations(t)
}

func TestAdminOperations(t *testing.T) {
	ctx := context.Background()
	raw := newRawStore()
	am := bootManager(t, raw, nil, nil)

	require.NoError(t, am.Checkpoint(ctx))
	assert.Equal(t, int64(1), raw.Checkpoints())

	require.NoError(t, am.Freeze(ctx))
	assert.True(t, am.IsFrozen())
	require.NoError(t, am.Unfreeze(ctx))
	assert.False(t, am.IsFrozen())

	err := am.Backup(ctx, "", true)
	assert.True(t, accesserrors.Is(err, accesserrors.ErrCodeInvalidArgument))

	dir := t.TempDir()
	require.NoError(t, am.BackupAndEnableLogArchiveMode(ctx, dir, false, true))
	assert.True(t, raw.IsArchiveMode())
	require.NoError(t, am.DisableLogArchiveMode(ctx, true))
	assert.False(t, raw.IsArchiveMode())
}

func TestNotBooted(t *testing.T) {
	am := New(DefaultConfig(), newRawStore(), nil, nil, nil)
	_, err := am.NewSession("early")
	assert.True(t, accesserrors.Is(err, accesserrors.ErrCodeInternal))
	assert.True(t, accesserrors.Is(am.Checkpoint(context.Background()), accesserrors.ErrCodeInternal))
	assert.NoError(t, am.Stop(context.Background()))
}

func TestPostCommitWork(t *testing.T) {
	am := newManager(t)
	txn := userTxn(t, am)

	ran := make(chan string, 4)
	queue := func(name string) {
		require.NoError(t, txn.AddPostCommitWork(name, func(context.Context) error {
			ran <- name
			return nil
		}))
	}

	queue("discarded")
	require.NoError(t, txn.Abort())

	queue("first")
	queue("second")
	require.NoError(t, txn.Commit())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, am.WaitForPostCommitToFinishWork(ctx))
	close(ran)

	var got []string
	for name := range ran {
		got = append(got, name)
	}
	assert.ElementsMatch(t, []string{"first", "second"}, got)
}

func TestTransactionInfo(t *testing.T) {
	am := newManager(t)
	txn := userTxn(t, am)
	_, err := txn.CreateConglomerate(heap.ImplementationType, model.Row{int64(0)}, nil, nil, nil, model.TemporaryFlagNone)
	require.NoError(t, err)

	var ids []string
	for _, info := range am.GetTransactionInfo() {
		ids = append(ids, info.ID)
	}
	assert.Contains(t, ids, txn.TransactionIDString())
	assert.False(t, txn.IsPristine())
	assert.Nil(t, txn.GlobalID())
	assert.False(t, txn.IsGlobal())
}
