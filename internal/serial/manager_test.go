package serial_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MarkusPolo/consoled/internal/serial"
	"github.com/MarkusPolo/consoled/internal/testutil"
)

func TestManagerExclusivity(t *testing.T) {
	mgr := serial.NewManager(testutil.NewFakeOpener(nil), 16)
	defer mgr.CloseAll()

	first, err := mgr.Open("/dev/ttyFAKE0", 9600)
	require.NoError(t, err)

	_, err = mgr.Open("/dev/ttyFAKE0", 9600)
	require.ErrorIs(t, err, serial.ErrPortBusy)

	// a different path is unaffected
	_, err = mgr.Open("/dev/ttyFAKE1", 9600)
	require.NoError(t, err)

	mgr.Release(first)
	_, err = mgr.Open("/dev/ttyFAKE0", 9600)
	require.NoError(t, err)
}

func TestManagerConcurrentOpenSingleWinner(t *testing.T) {
	mgr := serial.NewManager(testutil.NewFakeOpener(nil), 16)
	defer mgr.CloseAll()

	const racers = 8
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = mgr.Open("/dev/ttyFAKE0", 9600)
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
		} else {
			require.ErrorIs(t, err, serial.ErrPortBusy)
		}
	}
	require.Equal(t, 1, won)
}

func TestManagerReplacesDeadSession(t *testing.T) {
	mgr := serial.NewManager(testutil.NewFakeOpener(nil), 16)
	defer mgr.CloseAll()

	first, err := mgr.Open("/dev/ttyFAKE0", 9600)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := mgr.Open("/dev/ttyFAKE0", 9600)
	require.NoError(t, err)
	require.NotSame(t, first, second)
	require.True(t, mgr.Busy("/dev/ttyFAKE0"))
}

func TestManagerOpenError(t *testing.T) {
	opener := testutil.NewFakeOpener(nil)
	opener.Err = serial.ErrPortUnavailable
	mgr := serial.NewManager(opener, 16)

	_, err := mgr.Open("/dev/ttyGONE", 9600)
	require.True(t, errors.Is(err, serial.ErrPortUnavailable))
	require.False(t, mgr.Busy("/dev/ttyGONE"))
}
