package memstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	accesserrors "github.com/devrev/pairdb/store-access/internal/errors"
	"github.com/devrev/pairdb/store-access/internal/model"
)

func testXid(gid string) model.Xid {
	return model.Xid{FormatID: 1, GlobalID: []byte(gid), BranchQualifier: []byte("b")}
}

func TestXAReadOnlyVote(t *testing.T) {
	s := newTestStore(t)
	tx, err := s.StartGlobalTransaction(testXid("g1"))
	require.NoError(t, err)
	assert.Equal(t, model.TransactionKindGlobal, tx.Kind())

	vote, err := tx.XAPrepare()
	require.NoError(t, err)
	assert.Equal(t, model.XAVoteReadOnly, vote)
	assert.Nil(t, tx.GlobalID())

	// The id is free again once a read-only branch completes.
	_, err = s.StartGlobalTransaction(testXid("g1"))
	assert.NoError(t, err)
}

func TestXATwoPhaseCommit(t *testing.T) {
	s := newTestStore(t)
	tx, err := s.StartGlobalTransaction(testXid("g2"))
	require.NoError(t, err)
	_, err = tx.AddContainer(heapSpec(16))
	require.NoError(t, err)

	assert.True(t, accesserrors.Is(tx.XACommit(false), accesserrors.ErrCodeXAProtocol))

	vote, err := tx.XAPrepare()
	require.NoError(t, err)
	assert.Equal(t, model.XAVoteOK, vote)
	assert.Equal(t, model.TransactionStatePrepared, tx.Info().State)
	assert.False(t, tx.IsIdle())
	assert.Len(t, s.InDoubt(), 1)

	assert.True(t, accesserrors.Is(tx.Commit(), accesserrors.ErrCodeXAProtocol))
	assert.True(t, accesserrors.Is(tx.XACommit(true), accesserrors.ErrCodeXAProtocol))
	_, err = tx.AddContainer(heapSpec(32))
	assert.True(t, accesserrors.Is(err, accesserrors.ErrCodeXAProtocol))

	require.NoError(t, tx.XACommit(false))
	assert.True(t, tx.ContainerExists(16))
	assert.Empty(t, s.InDoubt())
}

func TestXARollbackAndDuplicates(t *testing.T) {
	s := newTestStore(t)
	tx, err := s.StartTransaction("local")
	require.NoError(t, err)
	_, err = tx.AddContainer(heapSpec(16))
	require.NoError(t, err)

	_, err = tx.XAPrepare()
	assert.True(t, accesserrors.Is(err, accesserrors.ErrCodeXAProtocol))

	require.NoError(t, tx.CreateXATransactionFromLocal(testXid("g3")))
	_, err = s.StartGlobalTransaction(testXid("g3"))
	assert.True(t, accesserrors.Is(err, accesserrors.ErrCodeXAProtocol))
	assert.True(t, accesserrors.Is(tx.CreateXATransactionFromLocal(testXid("g4")), accesserrors.ErrCodeXAProtocol))

	require.NoError(t, tx.XARollback())
	assert.False(t, tx.ContainerExists(16))

	_, err = s.StartGlobalTransaction(model.Xid{})
	assert.True(t, accesserrors.Is(err, accesserrors.ErrCodeInvalidArgument))
}
