package btree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	accesserrors "github.com/devrev/pairdb/store-access/internal/errors"
	"github.com/devrev/pairdb/store-access/internal/model"
	"github.com/devrev/pairdb/store-access/internal/spi"
	"github.com/devrev/pairdb/store-access/internal/storage/storagetest"
)

func createIndex(t *testing.T, tm *storagetest.TM, ordering []model.ColumnOrdering) spi.Conglomerate {
	t.Helper()
	c, err := NewFactory(nil, nil).CreateConglomerate(tm, spi.CreateSpec{
		ID:          17,
		ContainerID: 17,
		Template:    model.Row{int64(0), ""},
		Ordering:    ordering,
	})
	require.NoError(t, err)
	_, err = c.Load(tm, &storagetest.SliceSource{Rows: []model.Row{
		{int64(30), "c"}, {int64(10), "a"}, {int64(50), "e"}, {int64(20), "b"}, {int64(40), "d"},
	}})
	require.NoError(t, err)
	return c
}

func scanAll(t *testing.T, sm spi.ScanManager) []int64 {
	t.Helper()
	var keys []int64
	for {
		ok, err := sm.Next()
		require.NoError(t, err)
		if !ok {
			return keys
		}
		row, err := sm.Fetch()
		require.NoError(t, err)
		keys = append(keys, row[0].(int64))
	}
}

func TestFactoryNames(t *testing.T) {
	f := NewFactory(nil, nil)
	assert.True(t, f.SupportsImplementation("BTREE"))
	assert.True(t, f.SupportsImplementation("btree"))
	assert.False(t, f.SupportsImplementation("heap"))
	assert.Equal(t, 1, f.FactoryID())
	assert.True(t, f.SupportsFormat(Format))
}

func TestScanRanges(t *testing.T) {
	store := storagetest.NewStore(t)
	tm := storagetest.NewTM(t, store)
	c := createIndex(t, tm, nil)

	tests := []struct {
		name     string
		start    model.Row
		startOp  model.SearchOperator
		stop     model.Row
		stopOp   model.SearchOperator
		expected []int64
	}{
		{name: "full", expected: []int64{10, 20, 30, 40, 50}},
		{name: "start GE", start: model.Row{int64(20)}, startOp: model.SearchGE, expected: []int64{20, 30, 40, 50}},
		{name: "start GT", start: model.Row{int64(20)}, startOp: model.SearchGT, expected: []int64{30, 40, 50}},
		{name: "stop GE", stop: model.Row{int64(40)}, stopOp: model.SearchGE, expected: []int64{10, 20, 30}},
		{name: "stop GT", stop: model.Row{int64(40)}, stopOp: model.SearchGT, expected: []int64{10, 20, 30, 40}},
		{
			name:  "both",
			start: model.Row{int64(20)}, startOp: model.SearchGE,
			stop: model.Row{int64(40)}, stopOp: model.SearchGT,
			expected: []int64{20, 30, 40},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm, err := c.OpenScan(tm, spi.ScanSpec{
				OpenSpec: tm.OpenSpec(t, 0, model.IsolationRepeatableRead),
				StartKey: tt.start,
				StartOp:  tt.startOp,
				StopKey:  tt.stop,
				StopOp:   tt.stopOp,
			})
			require.NoError(t, err)
			defer sm.Close()
			assert.Equal(t, tt.expected, scanAll(t, sm))
		})
	}
}

func TestDescendingOrder(t *testing.T) {
	store := storagetest.NewStore(t)
	tm := storagetest.NewTM(t, store)
	c := createIndex(t, tm, []model.ColumnOrdering{{Column: 0, Ascending: false}})

	sm, err := c.OpenScan(tm, spi.ScanSpec{OpenSpec: tm.OpenSpec(t, 0, model.IsolationReadCommitted)})
	require.NoError(t, err)
	defer sm.Close()
	assert.Equal(t, []int64{50, 40, 30, 20, 10}, scanAll(t, sm))
}

func TestFetchMax(t *testing.T) {
	store := storagetest.NewStore(t)
	tm := storagetest.NewTM(t, store)
	c := createIndex(t, tm, nil)

	sm, err := c.OpenScan(tm, spi.ScanSpec{
		OpenSpec: tm.OpenSpec(t, 0, model.IsolationReadCommitted),
		StopKey:  model.Row{int64(40)},
		StopOp:   model.SearchGE,
	})
	require.NoError(t, err)
	defer sm.Close()

	mf, ok := sm.(spi.MaxFetcher)
	require.True(t, ok)
	row, found, err := mf.FetchMax()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.Row{int64(30), "c"}, row)
}

func TestUnsupportedOperations(t *testing.T) {
	store := storagetest.NewStore(t)
	tm := storagetest.NewTM(t, store)
	c := createIndex(t, tm, nil)

	_, err := c.AddColumn(tm, 2, int64(0), model.CollationBasic)
	assert.True(t, accesserrors.Is(err, accesserrors.ErrCodeInvalidArgument))

	cc, err := c.Open(tm, tm.OpenSpec(t, model.OpenModeForUpdate, model.IsolationSerializable))
	require.NoError(t, err)
	defer cc.Close()
	_, err = cc.InsertAndFetchLocation(model.Row{int64(60), "f"})
	assert.True(t, accesserrors.Is(err, accesserrors.ErrCodeInvalidArgument))
	require.NoError(t, cc.Insert(model.Row{int64(60), "f"}))

	_, err = NewFactory(nil, nil).CreateConglomerate(tm, spi.CreateSpec{
		ID: 33, ContainerID: 33, Template: model.Row{int64(0)},
		Ordering: []model.ColumnOrdering{{Column: 3, Ascending: true}},
	})
	assert.True(t, accesserrors.Is(err, accesserrors.ErrCodeInvalidArgument))
}

func TestReadConglomerate(t *testing.T) {
	store := storagetest.NewStore(t)
	tm := storagetest.NewTM(t, store)
	c := createIndex(t, tm, nil)

	read, err := NewFactory(nil, nil).ReadConglomerate(tm, 17, 17)
	require.NoError(t, err)
	assert.Equal(t, c.Ordering(), read.Ordering())
	assert.Equal(t, ImplementationType, read.ImplementationType())

	cost, err := read.StoreCost(tm)
	require.NoError(t, err)
	assert.True(t, cost.Ordered)
	assert.Equal(t, int64(5), cost.RowCount)
}
