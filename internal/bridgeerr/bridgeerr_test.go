package bridgeerr_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbridge-dev/kbridge/internal/bridgeerr"
)

func TestKindClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "nil error",
			err:  nil,
			want: "",
		},
		{
			name: "target already bridged",
			err:  bridgeerr.TargetAlreadyBridgedf("deployment/checkout container checkout"),
			want: bridgeerr.KindTargetAlreadyBridged,
		},
		{
			name: "target not found",
			err:  bridgeerr.TargetNotFoundf("no pods for deployment %s", "checkout"),
			want: bridgeerr.KindTargetNotFound,
		},
		{
			name: "provisioning",
			err:  bridgeerr.Provisioningf("entry point range exhausted"),
			want: bridgeerr.KindProvisioning,
		},
		{
			name: "handshake timeout",
			err:  bridgeerr.HandshakeTimeoutf("no handshake after %s", "30s"),
			want: bridgeerr.KindHandshakeTimeout,
		},
		{
			name: "handshake lost",
			err:  bridgeerr.HandshakeLostf("last handshake 50s ago"),
			want: bridgeerr.KindHandshakeLost,
		},
		{
			name: "install",
			err:  bridgeerr.InstallWrap(errors.New("conflict"), "replacing workload"),
			want: bridgeerr.KindInstall,
		},
		{
			name: "rollback",
			err:  bridgeerr.RollbackWrap(errors.New("api unavailable"), "restoring workload"),
			want: bridgeerr.KindRollback,
		},
		{
			name: "unmarked error",
			err:  errors.New("something else"),
			want: bridgeerr.KindUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, bridgeerr.Kind(tt.err))
		})
	}
}

func TestMarksSurviveWrapping(t *testing.T) {
	t.Parallel()

	err := bridgeerr.Provisioningf("no free ports in 31820-31920")
	wrapped := errors.Wrap(err, "provisioning tunnel for session abc")

	require.True(t, errors.Is(wrapped, bridgeerr.ErrProvisioning))
	assert.Equal(t, bridgeerr.KindProvisioning, bridgeerr.Kind(wrapped))
}

func TestKindIsExclusive(t *testing.T) {
	t.Parallel()

	err := bridgeerr.HandshakeLostf("keepalive window elapsed")

	assert.False(t, errors.Is(err, bridgeerr.ErrHandshakeTimeout))
	assert.False(t, errors.Is(err, bridgeerr.ErrRollback))
}
