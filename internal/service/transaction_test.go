package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/pairdb/store-access/internal/conglomid"
	accesserrors "github.com/devrev/pairdb/store-access/internal/errors"
	"github.com/devrev/pairdb/store-access/internal/model"
	"github.com/devrev/pairdb/store-access/internal/spi"
	"github.com/devrev/pairdb/store-access/internal/storage/btree"
	"github.com/devrev/pairdb/store-access/internal/storage/heap"
	"github.com/devrev/pairdb/store-access/internal/storage/storagetest"
)

var pairTemplate = model.Row{int64(0), ""}

func createHeap(t *testing.T, txn *Transaction, temp model.TemporaryFlag) model.ConglomerateID {
	t.Helper()
	id, err := txn.CreateConglomerate(heap.ImplementationType, pairTemplate, nil, nil, nil, temp)
	require.NoError(t, err)
	return id
}

func scanKeys(t *testing.T, sc spi.ScanController) []int64 {
	t.Helper()
	var keys []int64
	for {
		ok, err := sc.Next()
		require.NoError(t, err)
		if !ok {
			return keys
		}
		row, err := sc.Fetch()
		require.NoError(t, err)
		keys = append(keys, row[0].(int64))
	}
}

func TestCreateRoutesByImplementation(t *testing.T) {
	am := newManager(t)
	txn := userTxn(t, am)

	heapID := createHeap(t, txn, model.TemporaryFlagNone)
	indexID, err := txn.CreateConglomerate("btree", pairTemplate,
		[]model.ColumnOrdering{{Column: 0, Ascending: true}}, nil, nil, model.TemporaryFlagNone)
	require.NoError(t, err)

	assert.Equal(t, conglomid.TagHeap, conglomid.Tag(heapID))
	assert.Equal(t, conglomid.TagBTree, conglomid.Tag(indexID))

	h, err := txn.findConglomerate(heapID)
	require.NoError(t, err)
	assert.Equal(t, heap.ImplementationType, h.ImplementationType())
	b, err := txn.findConglomerate(indexID)
	require.NoError(t, err)
	assert.Equal(t, btree.ImplementationType, b.ImplementationType())
	assert.Equal(t, model.ContainerID(indexID), b.ContainerID())
}

func TestCreateInsertsIntoCacheWithoutRead(t *testing.T) {
	am := newManager(t)
	txn := userTxn(t, am)
	id := createHeap(t, txn, model.TemporaryFlagNone)
	require.NoError(t, txn.Commit())

	assert.True(t, am.cache.Contains(id))
	c, err := am.cache.Find(id, func(model.ConglomerateID) (spi.Conglomerate, error) {
		require.Fail(t, "descriptor was read although it was cached at create")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, id, c.ID())

	// a cold cache reads the descriptor back from the raw store
	am.cache.InvalidateAll()
	exists, err := txn.ConglomerateExists(id)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.True(t, am.cache.Contains(id))
}

func TestAbortForgetsCreatedConglomerates(t *testing.T) {
	am := newManager(t)
	txn := userTxn(t, am)
	id := createHeap(t, txn, model.TemporaryFlagNone)
	require.NoError(t, txn.Abort())

	assert.Equal(t, model.TransactionStateAborted, txn.State())
	assert.False(t, am.cache.Contains(id))
	exists, err := txn.ConglomerateExists(id)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRowAccessAndScans(t *testing.T) {
	am := newManager(t)
	txn := userTxn(t, am)
	id := createHeap(t, txn, model.TemporaryFlagNone)

	cc, err := txn.OpenConglomerate(id, false, model.OpenModeForUpdate, model.GranularityRecord, model.IsolationReadCommitted)
	require.NoError(t, err)
	for i := int64(1); i <= 5; i++ {
		require.NoError(t, cc.Insert(model.Row{i, "v"}))
	}
	n, err := cc.RowCount()
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	sc, err := txn.OpenScan(id, ScanOptions{
		Granularity: model.GranularityRecord,
		Isolation:   model.IsolationReadCommitted,
		Qualifiers: model.QualifierMatrix{{
			{Column: 0, Op: model.QualifierLE, Value: int64(2), Negate: true},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4, 5}, scanKeys(t, sc))

	count, err := txn.CountOpens(model.OpenTotal)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Contains(t, txn.DebugOpened(), "scan conglom=")

	require.NoError(t, sc.Close())
	count, err = txn.CountOpens(model.OpenScan)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	err = txn.DropConglomerate(id)
	assert.True(t, accesserrors.Is(err, accesserrors.ErrCodeConglomerateOpen))

	require.NoError(t, txn.Commit())
	count, err = txn.CountOpens(model.OpenConglomerate)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	require.NoError(t, txn.DropConglomerate(id))
	exists, err := txn.ConglomerateExists(id)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestHeldControllersSurviveCommit(t *testing.T) {
	am := newManager(t)
	txn := userTxn(t, am)
	id := createHeap(t, txn, model.TemporaryFlagNone)

	_, err := txn.OpenConglomerate(id, true, model.OpenModeDefault, model.GranularityRecord, model.IsolationReadCommitted)
	require.NoError(t, err)
	_, err = txn.OpenConglomerate(id, false, model.OpenModeDefault, model.GranularityRecord, model.IsolationReadCommitted)
	require.NoError(t, err)

	require.NoError(t, txn.Commit())
	count, err := txn.CountOpens(model.OpenConglomerate)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, txn.Abort())
	count, err = txn.CountOpens(model.OpenConglomerate)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestLoadConglomerate(t *testing.T) {
	am := newManager(t)
	txn := userTxn(t, am)

	src := &storagetest.SliceSource{Rows: []model.Row{{int64(3), "c"}, {int64(1), "a"}, {int64(2), "b"}}}
	id, n, err := txn.CreateAndLoadConglomerate("BTREE", pairTemplate,
		[]model.ColumnOrdering{{Column: 0, Ascending: true}}, nil, nil, model.TemporaryFlagNone, src)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.True(t, src.Closed)

	row, ok, err := txn.FetchMaxOnBTree(id, model.OpenModeDefault, model.GranularityRecord, model.IsolationReadCommitted, nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(3), row[0])

	cost, err := txn.OpenStoreCost(id)
	require.NoError(t, err)
	assert.Equal(t, int64(3), cost.RowCount)

	static, err := txn.GetStaticCompiledConglomInfo(id)
	require.NoError(t, err)
	dynamic, err := txn.GetDynamicCompiledConglomInfo(id)
	require.NoError(t, err)
	cc, err := txn.OpenCompiledConglomerate(false, model.OpenModeDefault, model.GranularityRecord, model.IsolationReadCommitted, static, dynamic)
	require.NoError(t, err)
	assert.Equal(t, id, cc.ConglomerateID())

	// an empty reload keeps the original conglomerate
	got, err := txn.RecreateAndLoadConglomerate("BTREE", false, pairTemplate,
		[]model.ColumnOrdering{{Column: 0, Ascending: true}}, nil, nil, model.TemporaryFlagNone, id, &storagetest.SliceSource{})
	require.NoError(t, err)
	assert.Equal(t, id, got)

	got, err = txn.RecreateAndLoadConglomerate("BTREE", true, pairTemplate,
		[]model.ColumnOrdering{{Column: 0, Ascending: true}}, nil, nil, model.TemporaryFlagNone, id, &storagetest.SliceSource{})
	require.NoError(t, err)
	assert.NotEqual(t, id, got)
}

func TestTemporaryConglomerates(t *testing.T) {
	am := newManager(t)
	txn := userTxn(t, am)

	first := createHeap(t, txn, model.TemporaryFlagTemporary)
	second := createHeap(t, txn, model.TemporaryFlagTemporary)
	assert.True(t, first.IsTemporary())
	assert.Greater(t, first, second)
	assert.False(t, am.cache.Contains(first))

	require.NoError(t, txn.Commit())
	exists, err := txn.ConglomerateExists(first)
	require.NoError(t, err)
	assert.True(t, exists)

	// a rolled back drop restores the conglomerate
	require.NoError(t, txn.DropConglomerate(first))
	exists, err = txn.ConglomerateExists(first)
	require.NoError(t, err)
	assert.False(t, exists)
	require.NoError(t, txn.Abort())
	exists, err = txn.ConglomerateExists(first)
	require.NoError(t, err)
	assert.True(t, exists)

	third := createHeap(t, txn, model.TemporaryFlagTemporary)
	require.NoError(t, txn.Abort())
	exists, err = txn.ConglomerateExists(third)
	require.NoError(t, err)
	assert.False(t, exists)

	// another session cannot see them
	other := userTxn(t, am)
	exists, err = other.ConglomerateExists(first)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSortIDsAreReused(t *testing.T) {
	am := newManager(t)
	txn := userTxn(t, am)
	spec := spi.SortSpec{
		Template: model.Row{int64(0)},
		Ordering: []model.ColumnOrdering{{Column: 0, Ascending: true}},
	}

	a, err := txn.CreateSort(spec)
	require.NoError(t, err)
	b, err := txn.CreateSort(spec)
	require.NoError(t, err)
	assert.Equal(t, 0, a)
	assert.Equal(t, 1, b)

	require.NoError(t, txn.DropSort(a))
	c, err := txn.CreateSort(spec)
	require.NoError(t, err)
	assert.Equal(t, a, c)

	count, err := txn.CountOpens(model.OpenCreatedSorts)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	assert.True(t, accesserrors.Is(txn.DropSort(7), accesserrors.ErrCodeNoSuchSort))
	_, err = txn.OpenSort(-1)
	assert.True(t, accesserrors.Is(err, accesserrors.ErrCodeNoSuchSort))

	sc, err := txn.OpenSort(b)
	require.NoError(t, err)
	for _, k := range []int64{3, 1, 2} {
		require.NoError(t, sc.Insert(model.Row{k}))
	}
	sc.CompletedInserts()
	require.NoError(t, sc.Close())
	count, err = txn.CountOpens(model.OpenSort)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	scan, err := txn.OpenSortScan(b, false)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, scanKeys(t, scan))
	require.NoError(t, scan.Close())

	cost, err := txn.SortCost("", 1000, 2)
	require.NoError(t, err)
	assert.Greater(t, cost, 0.0)

	_, err = txn.CreateSort(spi.SortSpec{
		Template:   model.Row{int64(0)},
		Properties: model.Properties{PropertySortImplementation: "radix"},
	})
	assert.True(t, accesserrors.Is(err, accesserrors.ErrCodeNoSuchConglomerateType))

	// sorts end with the transaction
	require.NoError(t, txn.Abort())
	count, err = txn.CountOpens(model.OpenCreatedSorts)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.True(t, accesserrors.Is(txn.DropSort(b), accesserrors.ErrCodeNoSuchSort))
}

func TestNestedTransactions(t *testing.T) {
	am := newManager(t)
	s, err := am.NewSession("nested")
	require.NoError(t, err)
	defer s.Close()
	parent, err := s.GetTransaction("parent")
	require.NoError(t, err)

	child, err := parent.StartNestedUserTransaction(false, false)
	require.NoError(t, err)
	assert.Equal(t, model.TransactionKindNestedUpdate, child.Kind())
	assert.Same(t, child, s.CurrentTransaction())

	_, err = parent.StartNestedUserTransaction(true, false)
	assert.True(t, accesserrors.Is(err, accesserrors.ErrCodeNestedTransactionDepth))
	_, err = child.StartNestedUserTransaction(true, false)
	assert.True(t, accesserrors.Is(err, accesserrors.ErrCodeNestedTransactionDepth))

	// the child sees the parent's temporary conglomerates
	temp := createHeap(t, parent, model.TemporaryFlagTemporary)
	exists, err := child.ConglomerateExists(temp)
	require.NoError(t, err)
	assert.True(t, exists)

	parentID := createHeap(t, parent, model.TemporaryFlagNone)
	childID := createHeap(t, child, model.TemporaryFlagNone)

	require.NoError(t, child.Abort())
	assert.Equal(t, model.TransactionStateAborted, child.State())
	assert.Equal(t, model.TransactionStateAborted, parent.State())
	assert.False(t, am.cache.Contains(parentID))
	assert.False(t, am.cache.Contains(childID))

	require.NoError(t, child.Destroy())
	assert.Same(t, parent, s.CurrentTransaction())
	_, err = parent.StartNestedUserTransaction(true, false)
	require.NoError(t, err)

	// destroying the parent takes the child with it
	require.NoError(t, parent.Destroy())
	assert.Nil(t, s.CurrentTransaction())
}

func TestNestedCommitLeavesParentOpen(t *testing.T) {
	am := newManager(t)
	parent := userTxn(t, am)
	parentID := createHeap(t, parent, model.TemporaryFlagNone)
	require.NoError(t, parent.Commit())

	pc, err := parent.OpenConglomerate(parentID, false, model.OpenModeForUpdate, model.GranularityRecord, model.IsolationReadCommitted)
	require.NoError(t, err)
	require.NoError(t, pc.Insert(model.Row{int64(1), "parent"}))

	child, err := parent.StartNestedUserTransaction(false, false)
	require.NoError(t, err)
	childID := createHeap(t, child, model.TemporaryFlagNone)
	cc, err := child.OpenConglomerate(childID, false, model.OpenModeForUpdate, model.GranularityRecord, model.IsolationReadCommitted)
	require.NoError(t, err)
	require.NoError(t, cc.Insert(model.Row{int64(2), "child"}))

	require.NoError(t, child.Commit())
	assert.Equal(t, model.TransactionStateCommitted, child.State())
	count, err := child.CountOpens(model.OpenConglomerate)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	assert.Equal(t, model.TransactionStateActive, parent.State())
	count, err = parent.CountOpens(model.OpenConglomerate)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	n, err := pc.RowCount()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// the committed child's work outlives a later parent abort
	require.NoError(t, child.Destroy())
	require.NoError(t, parent.Abort())
	exists, err := parent.ConglomerateExists(childID)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestAbortWithLiveNestedChild(t *testing.T) {
	am := newManager(t)
	parent := userTxn(t, am)
	id := createHeap(t, parent, model.TemporaryFlagNone)
	require.Equal(t, model.TransactionStateActive, parent.State())

	child, err := parent.StartNestedUserTransaction(true, false)
	require.NoError(t, err)

	err = parent.Abort()
	require.Error(t, err)
	assert.True(t, accesserrors.Is(err, accesserrors.ErrCodeTransactionContextActive))
	var ae *accesserrors.AccessError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, child.TransactionIDString(), ae.Details["child_txn_id"])

	// nothing was rolled back
	assert.Equal(t, model.TransactionStateActive, parent.State())
	assert.Equal(t, model.TransactionStateIdle, child.State())
	assert.True(t, am.cache.Contains(id))

	require.NoError(t, child.Commit())
	require.NoError(t, parent.Abort())
	assert.Equal(t, model.TransactionStateAborted, parent.State())
	assert.False(t, am.cache.Contains(id))
}

func TestScanResolvesRecordPolicy(t *testing.T) {
	am := newManager(t)
	require.Equal(t, model.GranularityRecord, am.LockGranularity())
	txn := userTxn(t, am)
	id := createHeap(t, txn, model.TemporaryFlagNone)

	sc, err := txn.OpenScan(id, ScanOptions{
		Granularity: model.GranularityRecord,
		Isolation:   model.IsolationReadCommitted,
	})
	require.NoError(t, err)
	policy := sc.(spi.ScanManager).Policy()
	require.NotNil(t, policy)
	assert.Equal(t, model.GranularityRecord, policy.Granularity())
	assert.Equal(t, model.IsolationReadCommitted, policy.Isolation())
	want, err := am.policies.Load().Resolve(model.GranularityRecord, model.IsolationReadCommitted)
	require.NoError(t, err)
	assert.Same(t, want, policy)
	require.NoError(t, sc.Close())
	require.NoError(t, txn.Commit())
}

func TestOpenDroppedConglomerate(t *testing.T) {
	am := newManager(t)
	txn := userTxn(t, am)
	id := createHeap(t, txn, model.TemporaryFlagNone)
	require.NoError(t, txn.Commit())

	require.NoError(t, txn.DropConglomerate(id))
	_, err := txn.OpenConglomerate(id, false, model.OpenModeDefault, model.GranularityRecord, model.IsolationReadCommitted)
	require.Error(t, err)
	assert.True(t, accesserrors.Is(err, accesserrors.ErrCodeConglomerateDoesNotExist))

	_, err = txn.OpenScan(id, ScanOptions{Granularity: model.GranularityRecord, Isolation: model.IsolationReadCommitted})
	assert.True(t, accesserrors.Is(err, accesserrors.ErrCodeConglomerateDoesNotExist))
}

func TestAddColumnInvalidatesCacheOnAbort(t *testing.T) {
	am := newManager(t)
	txn := userTxn(t, am)
	id := createHeap(t, txn, model.TemporaryFlagNone)
	other := createHeap(t, txn, model.TemporaryFlagNone)
	require.NoError(t, txn.Commit())

	require.NoError(t, txn.AddColumnToConglomerate(id, 2, false, 0))
	c, err := txn.findConglomerate(id)
	require.NoError(t, err)
	assert.Len(t, c.Template(), 3)

	require.NoError(t, txn.Abort())
	assert.False(t, am.cache.Contains(id))
	assert.False(t, am.cache.Contains(other))

	c, err = txn.findConglomerate(id)
	require.NoError(t, err)
	assert.Len(t, c.Template(), 2)
}

func TestSavepoints(t *testing.T) {
	am := newManager(t)
	txn := userTxn(t, am)
	id := createHeap(t, txn, model.TemporaryFlagNone)
	require.NoError(t, txn.Commit())

	cc, err := txn.OpenConglomerate(id, false, model.OpenModeForUpdate, model.GranularityRecord, model.IsolationReadCommitted)
	require.NoError(t, err)
	require.NoError(t, cc.Insert(model.Row{int64(1), "kept"}))

	_, err = txn.SetSavePoint("")
	assert.True(t, accesserrors.Is(err, accesserrors.ErrCodeInvalidArgument))
	_, err = txn.SetSavePoint("sp1")
	require.NoError(t, err)
	require.NoError(t, cc.Insert(model.Row{int64(2), "undone"}))

	_, err = txn.RollbackToSavePoint("sp1", false)
	require.NoError(t, err)
	n, err := cc.RowCount()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = txn.RollbackToSavePoint("sp1", true)
	require.NoError(t, err)
	count, err := txn.CountOpens(model.OpenConglomerate)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	_, err = txn.ReleaseSavePoint("sp1")
	require.NoError(t, err)
	_, err = txn.RollbackToSavePoint("missing", false)
	assert.Error(t, err)
}

func TestSessionLimits(t *testing.T) {
	am := newManager(t)
	s, err := am.NewSession("limits")
	require.NoError(t, err)

	internal, err := s.StartInternalTransaction()
	require.NoError(t, err)
	assert.Equal(t, model.TransactionKindInternal, internal.Kind())
	_, err = s.StartInternalTransaction()
	assert.True(t, accesserrors.Is(err, accesserrors.ErrCodeTransactionContextActive))

	user, err := s.GetTransaction("user")
	require.NoError(t, err)
	again, err := s.GetTransaction("ignored")
	require.NoError(t, err)
	assert.Same(t, user, again)
	assert.Same(t, internal, s.CurrentTransaction())

	_, err = s.StartXATransaction(1, []byte("g"), []byte("b"))
	assert.True(t, accesserrors.Is(err, accesserrors.ErrCodeTransactionContextActive))

	require.NoError(t, internal.Destroy())
	_, err = s.StartInternalTransaction()
	require.NoError(t, err)

	require.NoError(t, s.Close())
	assert.True(t, accesserrors.Is(user.Commit(), accesserrors.ErrCodeTransactionClosed))
	_, err = user.CreateConglomerate(heap.ImplementationType, pairTemplate, nil, nil, nil, model.TemporaryFlagNone)
	assert.True(t, accesserrors.Is(err, accesserrors.ErrCodeTransactionClosed))
	_, err = s.GetTransaction("closed")
	assert.True(t, accesserrors.Is(err, accesserrors.ErrCodeTransactionClosed))
}

func TestTransactionStates(t *testing.T) {
	am := newManager(t)
	txn := userTxn(t, am)
	assert.Equal(t, model.TransactionStateIdle, txn.State())

	createHeap(t, txn, model.TemporaryFlagNone)
	assert.Equal(t, model.TransactionStateActive, txn.State())
	require.NoError(t, txn.CommitNoSync(model.CommitReleaseLocks))
	assert.Equal(t, model.TransactionStateCommitted, txn.State())

	createHeap(t, txn, model.TemporaryFlagNone)
	assert.Equal(t, model.TransactionStateActive, txn.State())
	require.NoError(t, txn.Destroy())
	assert.Equal(t, model.TransactionStateDestroyed, txn.State())
	assert.True(t, accesserrors.Is(txn.Destroy(), accesserrors.ErrCodeTransactionClosed))
}
