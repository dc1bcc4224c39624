package delivery

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewContextRejectsCapacityBelowHeaderSize(t *testing.T) {
	_, err := NewContext(WithFragmentCapacity(MaxHeaderBytes))
	require.Error(t, err)
	var de *DeliveryError
	require.ErrorAs(t, err, &de)
	require.Equal(t, ErrResourceExhaustion, de.Kind)
}

func TestNewContextRejectsMaxFragmentsAboveHardCap(t *testing.T) {
	_, err := NewContext(WithFragmentCapacity(64), WithMaxFragments(HardMaxFragments+1))
	require.Error(t, err)
}

func TestNewContextDefaultsMaxFragments(t *testing.T) {
	ctx, err := NewContext(WithFragmentCapacity(64))
	require.NoError(t, err)
	require.Equal(t, DefaultMaxFragments, ctx.MaxFragments())
	require.Equal(t, 64-MaxHeaderBytes, ctx.FragmentContentCapacity())
}

func TestContextStatisticTracksAcquiredParcels(t *testing.T) {
	ctx, err := NewContext(WithFragmentCapacity(64))
	require.NoError(t, err)

	require.Equal(t, 0, ctx.Statistic().Parcels)
	p := ctx.AcquireParcel()
	require.Equal(t, 1, ctx.Statistic().Parcels)
	p.Release()
	require.Equal(t, 0, ctx.Statistic().Parcels)
}
