package booking

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() time.Time { return time.Date(2026, 11, 2, 8, 30, 0, 0, time.UTC) }

func TestReferenceGenerator_Format(t *testing.T) {
	logger, _ := test.NewNullLogger()
	g := NewReferenceGenerator(fixedClock, logger)
	free := func(context.Context, string) (bool, error) { return false, nil }

	for _, prefix := range []string{PrefixBooking, PrefixHold, PrefixCertificate} {
		for i := 0; i < 50; i++ {
			ref, err := g.Generate(context.Background(), prefix, free)
			require.NoError(t, err)
			assert.Regexp(t, `^`+prefix+`2611\d{4,5}$`, ref)

			n, err := strconv.Atoi(ref[len(prefix)+4:])
			require.NoError(t, err)
			assert.GreaterOrEqual(t, n, suffixMin)
			assert.LessOrEqual(t, n, suffixMax)
		}
	}
}

func TestReferenceGenerator_RetriesOnCollision(t *testing.T) {
	logger, _ := test.NewNullLogger()
	g := NewReferenceGenerator(fixedClock, logger)
	calls := 0
	ref, err := g.Generate(context.Background(), PrefixBooking, func(context.Context, string) (bool, error) {
		calls++
		return calls < 4, nil
	})
	require.NoError(t, err)
	assert.NotEmpty(t, ref)
	assert.Equal(t, 4, calls)
}

func TestReferenceGenerator_Exhausted(t *testing.T) {
	logger, hook := test.NewNullLogger()
	g := NewReferenceGenerator(fixedClock, logger)
	calls := 0
	_, err := g.Generate(context.Background(), PrefixHold, func(context.Context, string) (bool, error) {
		calls++
		return true, nil
	})
	require.ErrorIs(t, err, ErrReferenceExhausted)
	assert.Equal(t, maxReferenceAttempts, calls)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Equal(t, PrefixHold, entry.Data["prefix"])
}

func TestReferenceGenerator_LookupError(t *testing.T) {
	logger, _ := test.NewNullLogger()
	g := NewReferenceGenerator(fixedClock, logger)
	boom := errors.New("lookup failed")
	_, err := g.Generate(context.Background(), PrefixBooking, func(context.Context, string) (bool, error) {
		return false, boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = g.Generate(context.Background(), "", nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
