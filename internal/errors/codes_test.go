package errors_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"

	accesserrors "github.com/devrev/pairdb/store-access/internal/errors"
)

func TestErrorKinds(t *testing.T) {
	tests := []struct {
		name string
		err  *accesserrors.AccessError
		kind accesserrors.Kind
		grpc codes.Code
	}{
		{"conglomerate missing", accesserrors.ConglomerateDoesNotExist(17), accesserrors.KindNotFound, codes.NotFound},
		{"no sort", accesserrors.NoSuchSort(3), accesserrors.KindNotFound, codes.NotFound},
		{"no factory", accesserrors.NoFactoryForImplementation("heap"), accesserrors.KindConfiguration, codes.InvalidArgument},
		{"crypto provider", accesserrors.EncryptionProviderImmutable(), accesserrors.KindConfiguration, codes.InvalidArgument},
		{"deadlock", accesserrors.Deadlock("container 3", "tx-1"), accesserrors.KindConcurrency, codes.Aborted},
		{"nested depth", accesserrors.NestedTransactionDepth(), accesserrors.KindProtocol, codes.FailedPrecondition},
		{"not authorized", accesserrors.NotAuthorized("backup"), accesserrors.KindSecurity, codes.PermissionDenied},
		{"cache full", accesserrors.CacheFull(300, 300), accesserrors.KindResource, codes.ResourceExhausted},
		{"internal", accesserrors.InternalError("boom", nil), accesserrors.KindInternal, codes.Internal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, tt.err.Kind())
			assert.Equal(t, tt.grpc, tt.err.ToGRPCStatus().Code())
		})
	}
}

func TestWrappedErrorsClassify(t *testing.T) {
	base := accesserrors.ConglomerateDoesNotExist(42)
	wrapped := fmt.Errorf("open conglomerate: %w", base)

	assert.True(t, accesserrors.IsAccessError(wrapped))
	assert.True(t, accesserrors.Is(wrapped, accesserrors.ErrCodeConglomerateDoesNotExist))
	assert.Equal(t, accesserrors.KindNotFound, accesserrors.GetKind(wrapped))
	assert.Equal(t, int64(42), base.Details["conglom_id"])

	assert.Equal(t, accesserrors.ErrCodeOK, accesserrors.GetCode(nil))
	assert.Equal(t, accesserrors.ErrCodeInternal, accesserrors.GetCode(fmt.Errorf("plain")))
}

func TestAssert(t *testing.T) {
	prev := accesserrors.SanityChecks
	defer func() { accesserrors.SanityChecks = prev }()

	accesserrors.SanityChecks = false
	assert.NotPanics(t, func() { accesserrors.Assert(false, "ignored") })

	accesserrors.SanityChecks = true
	assert.Panics(t, func() { accesserrors.Assert(false, "entry %d", 1) })
	assert.NotPanics(t, func() { accesserrors.Assert(true, "fine") })
}
