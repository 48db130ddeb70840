package sorter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	accesserrors "github.com/devrev/pairdb/store-access/internal/errors"
	"github.com/devrev/pairdb/store-access/internal/model"
	"github.com/devrev/pairdb/store-access/internal/spi"
	"github.com/devrev/pairdb/store-access/internal/storage/storagetest"
)

func fill(t *testing.T, tm *storagetest.TM, spec spi.SortSpec, rows ...model.Row) spi.Sort {
	t.Helper()
	s, err := NewFactory(nil, nil).CreateSort(tm, spec)
	require.NoError(t, err)
	sc, err := s.Open(tm)
	require.NoError(t, err)
	for _, r := range rows {
		require.NoError(t, sc.Insert(r))
	}
	require.NoError(t, sc.Close())
	return s
}

func TestSortScan(t *testing.T) {
	tm := storagetest.NewTM(t, storagetest.NewStore(t))
	s := fill(t, tm, spi.SortSpec{
		Template: model.Row{int64(0), ""},
		Ordering: []model.ColumnOrdering{{Column: 1, Ascending: true}, {Column: 0, Ascending: false}},
	},
		model.Row{int64(1), "b"}, model.Row{int64(2), "a"}, model.Row{int64(3), "b"}, model.Row{int64(4), "a"})
	assert.Equal(t, 1, tm.ClosedSorts)

	sm, err := s.OpenSortScan(tm, false)
	require.NoError(t, err)
	var got []model.Row
	for {
		ok, err := sm.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		row, err := sm.Fetch()
		require.NoError(t, err)
		got = append(got, row)
	}
	assert.Equal(t, []model.Row{
		{int64(4), "a"}, {int64(2), "a"}, {int64(3), "b"}, {int64(1), "b"},
	}, got)

	_, err = sm.CurrentLocation()
	assert.True(t, accesserrors.Is(err, accesserrors.ErrCodeInvalidArgument))
	require.NoError(t, sm.Close())
	assert.Equal(t, 1, tm.ClosedScans)
}

func TestEliminateDuplicates(t *testing.T) {
	tm := storagetest.NewTM(t, storagetest.NewStore(t))
	s := fill(t, tm, spi.SortSpec{
		Template:            model.Row{int64(0)},
		Ordering:            []model.ColumnOrdering{{Column: 0, Ascending: true}},
		EliminateDuplicates: true,
	},
		model.Row{int64(3)}, model.Row{int64(1)}, model.Row{int64(3)}, model.Row{int64(1)}, model.Row{int64(2)})

	rs, err := s.OpenSortRowSource(tm)
	require.NoError(t, err)
	var got []int64
	for {
		row, ok, err := rs.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, row[0].(int64))
	}
	assert.Equal(t, []int64{1, 2, 3}, got)
	require.NoError(t, rs.Close())
}

func TestSortProtocol(t *testing.T) {
	tm := storagetest.NewTM(t, storagetest.NewStore(t))
	f := NewFactory(nil, nil)
	s, err := f.CreateSort(tm, spi.SortSpec{Template: model.Row{int64(0)}})
	require.NoError(t, err)

	_, err = s.OpenSortScan(tm, false)
	assert.True(t, accesserrors.Is(err, accesserrors.ErrCodeInvalidArgument))

	sc, err := s.Open(tm)
	require.NoError(t, err)
	assert.True(t, accesserrors.Is(sc.Insert(model.Row{"x"}), accesserrors.ErrCodeInvalidArgument))
	sc.CompletedInserts()
	assert.Error(t, sc.Insert(model.Row{int64(1)}))

	require.NoError(t, s.Drop(tm))
	_, err = s.OpenSortRowSource(tm)
	assert.True(t, accesserrors.Is(err, accesserrors.ErrCodeControllerClosed))

	_, err = f.CreateSort(tm, spi.SortSpec{
		Template: model.Row{int64(0)},
		Ordering: []model.ColumnOrdering{{Column: 2}},
	})
	assert.True(t, accesserrors.Is(err, accesserrors.ErrCodeInvalidArgument))
}

func TestEstimateCost(t *testing.T) {
	f := NewFactory(nil, nil)
	assert.Equal(t, 1.0, f.EstimateCost(0, 10))
	assert.Greater(t, f.EstimateCost(1000, 10), f.EstimateCost(100, 10))
	assert.Greater(t, f.EstimateCost(100, 200), f.EstimateCost(100, 10))
}
