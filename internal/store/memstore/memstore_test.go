package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/reputation/internal/common"
	"serotonyl.ru/reputation/internal/models"
	"serotonyl.ru/reputation/internal/store"
)

func TestTouchActivityIgnoresLateEvents(t *testing.T) {
	s := New()
	ctx := context.Background()
	user := uuid.New()
	day := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

	touch := func(at time.Time) {
		require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
			if err := tx.EnsureUser(ctx, user, day); err != nil {
				return err
			}
			return tx.TouchActivity(ctx, user, at)
		}))
	}
	touch(day)
	touch(day.Add(time.Hour))
	touch(day.AddDate(0, 0, -2))

	u, err := s.GetReputation(ctx, user)
	require.NoError(t, err)
	assert.EqualValues(t, 1, u.DaysActive, "тот же день и запоздавший день не засчитываются")
	require.NotNil(t, u.LastActiveDate)
	assert.True(t, u.LastActiveDate.Equal(common.DayOf(day)), "дата активности не откатывается назад")

	touch(day.AddDate(0, 0, 1))
	u, err = s.GetReputation(ctx, user)
	require.NoError(t, err)
	assert.EqualValues(t, 2, u.DaysActive)
}

func TestSumKarmaBySources(t *testing.T) {
	s := New()
	ctx := context.Background()
	user, other := uuid.New(), uuid.New()
	a, b, c := uuid.New(), uuid.New(), uuid.New()

	rows := []models.KarmaHistory{
		{ID: uuid.New(), UserID: user, Delta: 1, SourceID: &a},
		{ID: uuid.New(), UserID: user, Delta: -1, SourceID: &b},
		{ID: uuid.New(), UserID: user, Delta: 5, SourceID: &c},
		{ID: uuid.New(), UserID: other, Delta: 7, SourceID: &a},
		{ID: uuid.New(), UserID: user, Delta: 3},
	}
	err := s.WithTx(ctx, func(tx store.Tx) error {
		for i := range rows {
			if err := tx.InsertKarmaHistory(ctx, &rows[i]); err != nil {
				return err
			}
		}
		sum, err := tx.SumKarmaBySources(ctx, user, []uuid.UUID{a, b})
		require.NoError(t, err)
		assert.EqualValues(t, 0, sum)

		sum, err = tx.SumKarmaBySources(ctx, user, []uuid.UUID{a, c})
		require.NoError(t, err)
		assert.EqualValues(t, 6, sum, "чужие записи и записи без источника не учитываются")

		sum, err = tx.SumKarmaBySources(ctx, user, nil)
		require.NoError(t, err)
		assert.Zero(t, sum)
		return nil
	})
	require.NoError(t, err)
}
