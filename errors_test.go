package juice

import (
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/juice/internal/abi"
)

func TestResultFromCode(t *testing.T) {
	tests := []struct {
		code int32
		want error
	}{
		{abi.OK, nil},
		{abi.ErrInvalid, ErrInvalidArgument},
		{abi.ErrFailed, ErrFailed},
		{abi.ErrNotAvail, ErrNotAvailable},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, resultFromCode(tt.code))
		})
	}
}

func TestResultFromCodeUndocumentedPanics(t *testing.T) {
	for _, code := range []int32{1, -4, 42} {
		assert.Panics(t, func() { _ = resultFromCode(code) }, "code %d", code)
	}
}

func TestErrorStrings(t *testing.T) {
	assert.Equal(t, "juice: invalid argument", ErrInvalidArgument.Error())
	assert.Equal(t, "juice: failed", ErrFailed.Error())
	assert.Equal(t, "juice: not available", ErrNotAvailable.Error())
	assert.Equal(t, "juice: error 9", Error(9).Error())
}

func TestWrappedErrorsMatch(t *testing.T) {
	_, err := cString("turn server host", "bad\x00host")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
	assert.False(t, errors.Is(err, ErrFailed))
	assert.Contains(t, err.Error(), "turn server host")
}

func TestCheckCountsFailures(t *testing.T) {
	counter := nativeErrors.WithLabelValues("test_op", "not_available")
	before := testutil.ToFloat64(counter)

	require.NoError(t, check("test_op", abi.OK))
	assert.Equal(t, before, testutil.ToFloat64(counter))

	assert.Equal(t, ErrNotAvailable, check("test_op", abi.ErrNotAvail))
	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}
