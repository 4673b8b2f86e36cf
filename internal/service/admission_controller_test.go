package service

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAdmissionControllerBoundsSlots(t *testing.T) {
	admission := NewAdmissionController(2)

	require.True(t, admission.TryAcquire())
	require.True(t, admission.TryAcquire())
	require.False(t, admission.TryAcquire())
	require.Equal(t, 2, admission.ActiveCount())

	admission.Release()
	require.Equal(t, 1, admission.ActiveCount())
	require.True(t, admission.TryAcquire())

	admission.Release()
	admission.Release()
	admission.Release()
	require.Equal(t, 0, admission.ActiveCount(), "release never drops below zero")
	require.Equal(t, 2, admission.Max())
}

func TestAdmissionControllerDefaultsMax(t *testing.T) {
	require.Equal(t, 3, NewAdmissionController(0).Max())
}

func TestAdmissionControllerConcurrentInvariant(t *testing.T) {
	admission := NewAdmissionController(3)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		observed []int
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if !admission.TryAcquire() {
					continue
				}
				count := admission.ActiveCount()
				mu.Lock()
				observed = append(observed, count)
				mu.Unlock()
				admission.Release()
			}
		}()
	}
	wg.Wait()

	require.NotEmpty(t, observed)
	for _, count := range observed {
		require.GreaterOrEqual(t, count, 0)
		require.LessOrEqual(t, count, 3)
	}
	require.Equal(t, 0, admission.ActiveCount())
}
