package repository

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestAnsweredRepository(t *testing.T) {
	r := New(zap.NewNop())
	require.Zero(t, r.Len())
	require.False(t, r.Contains("p1"))

	require.True(t, r.Add("p1"))
	require.False(t, r.Add("p1"))
	require.True(t, r.Add("p2"))

	require.True(t, r.Contains("p1"))
	require.True(t, r.Contains("p2"))
	require.False(t, r.Contains("p3"))
	require.Equal(t, 2, r.Len())
}
