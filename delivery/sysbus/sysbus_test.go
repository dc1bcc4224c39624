package sysbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPingRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		seq       uint64
		timeSync  bool
	}{
		{seq: 1, timeSync: false},
		{seq: 300, timeSync: true},
		{seq: 0xFFFF, timeSync: true},
	} {
		buf := make([]byte, 8)
		n, err := EncodePing(buf, tc.seq, tc.timeSync)
		require.NoError(t, err)

		seq, timeSync, consumed, err := DecodePing(buf[:n])
		require.NoError(t, err)
		require.Equal(t, n, consumed)
		require.Equal(t, tc.seq, seq)
		require.Equal(t, tc.timeSync, timeSync)
	}
}

func TestPongRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		seq      uint64
		timeSync bool
		t        uint64
	}{
		{seq: 1, timeSync: false, t: 0},
		{seq: 7, timeSync: true, t: 123456789},
		{seq: 0xFFFF, timeSync: true, t: ^uint64(0)},
	} {
		buf := make([]byte, 16)
		n, err := EncodePong(buf, tc.seq, tc.timeSync, tc.t)
		require.NoError(t, err)

		seq, timeSync, tm, consumed, err := DecodePong(buf[:n])
		require.NoError(t, err)
		require.Equal(t, n, consumed)
		require.Equal(t, tc.seq, seq)
		require.Equal(t, tc.timeSync, timeSync)
		if tc.timeSync {
			require.Equal(t, tc.t, tm)
		}
	}
}

func TestDecodeShortBuffer(t *testing.T) {
	_, _, _, err := DecodePing(nil)
	require.ErrorIs(t, err, ErrShortBuffer)

	_, _, _, _, err = DecodePong(nil)
	require.ErrorIs(t, err, ErrShortBuffer)
}
