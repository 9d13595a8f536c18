package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSetupDisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), "", "whispshare", zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestSetupWithEndpoint(t *testing.T) {
	// exporter 惰性连接，构造阶段不需要真实的 collector
	shutdown, err := Setup(context.Background(), "127.0.0.1:4318", "whispshare-test", zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, shutdown)
}
