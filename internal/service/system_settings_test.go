package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"rewardhub/internal/custody"
	"rewardhub/internal/db/dbtest"
	gormrepository "rewardhub/internal/repository/gorm"
)

func newSettings(t *testing.T) *SystemSettingsService {
	t.Helper()
	sealer, err := custody.NewSealer(base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef")), "")
	require.NoError(t, err)
	return &SystemSettingsService{Repo: gormrepository.New(dbtest.Open(t)), Sealer: sealer}
}

func TestSwitchDefaultsAreNotOverwritten(t *testing.T) {
	ctx := context.Background()
	s := newSettings(t)

	require.NoError(t, s.EnsureDefaultSwitches(ctx))
	require.True(t, s.IsEnabled(ctx, FeatureContestFinalize, false))
	require.False(t, s.IsEnabled(ctx, FeatureDepositScan, true))

	require.NoError(t, s.SetEnabled(ctx, FeatureContestFinalize, false))
	require.NoError(t, s.EnsureDefaultSwitches(ctx))
	require.False(t, s.IsEnabled(ctx, FeatureContestFinalize, true))
	require.True(t, s.IsEnabled(ctx, "feature.unknown", true))
}

func TestDecimalSettings(t *testing.T) {
	ctx := context.Background()
	s := newSettings(t)

	got, err := s.ContestPoolSize(ctx, decimal.NewFromInt(7))
	require.NoError(t, err)
	require.True(t, got.Equal(decimal.NewFromInt(7)))

	require.NoError(t, s.Put(ctx, SettingContestPoolSize, []byte(`1000`), "pool"))
	got, err = s.ContestPoolSize(ctx, decimal.Zero)
	require.NoError(t, err)
	require.True(t, got.Equal(decimal.NewFromInt(1000)))

	require.NoError(t, s.SetDecimal(ctx, SettingPointsPoolSize, decimal.RequireFromString("12.5")))
	got, err = s.PointsPoolSize(ctx, decimal.Zero)
	require.NoError(t, err)
	require.Equal(t, "12.5", got.String())

	require.Error(t, s.Put(ctx, SettingContestPoolSize, []byte(`not json`), ""))
}

func TestNumericSettingsKeepTheirText(t *testing.T) {
	ctx := context.Background()
	s := newSettings(t)

	_, ok, err := s.Uint64(ctx, SettingDepositCursor)
	require.NoError(t, err)
	require.False(t, ok)

	for _, v := range []uint64{12345, 1<<64 - 1} {
		require.NoError(t, s.SetUint64(ctx, SettingDepositCursor, v))
		got, ok, err := s.Uint64(ctx, SettingDepositCursor)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, v, got)
	}

	require.NoError(t, s.Put(ctx, SettingPointsPoolSize, []byte(`2.50`), ""))
	item, err := s.Repo.GetSystemSettingByKey(ctx, SettingPointsPoolSize)
	require.NoError(t, err)
	require.Equal(t, "2.50", string(item.Value))
}

func TestUpdateIsSerializedAndSealsSecrets(t *testing.T) {
	ctx := context.Background()
	s := newSettings(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Update(ctx, SettingDepositCursor, func(cur []byte) ([]byte, error) {
			var n uint64
			if cur != nil {
				require.NoError(t, json.Unmarshal(cur, &n))
			}
			return json.Marshal(n + 10)
		}))
	}
	cursor, ok, err := s.Uint64(ctx, SettingDepositCursor)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 30, cursor)

	require.NoError(t, s.Put(ctx, "paas.api_key", []byte(`"k-123"`), ""))
	stored, err := s.Repo.GetSystemSettingByKey(ctx, "paas.api_key")
	require.NoError(t, err)
	require.NotContains(t, string(stored.Value), "k-123")

	val, err := s.Get(ctx, "paas.api_key")
	require.NoError(t, err)
	require.JSONEq(t, `"k-123"`, string(val))

	items, err := s.List(ctx, "paas.", 0, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.JSONEq(t, `"***"`, string(items[0].Value))
}

func TestTimeSettingInTransaction(t *testing.T) {
	ctx := context.Background()
	s := newSettings(t)
	at := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)

	require.NoError(t, s.Repo.InTx(ctx, func(tx *gorm.DB) error {
		cur, err := s.LockedTimeTx(ctx, tx, SettingContestLastOpen)
		require.NoError(t, err)
		require.Nil(t, cur)
		return s.SetTimeTx(ctx, tx, SettingContestLastOpen, at)
	}))
	require.NoError(t, s.Repo.InTx(ctx, func(tx *gorm.DB) error {
		cur, err := s.LockedTimeTx(ctx, tx, SettingContestLastOpen)
		require.NoError(t, err)
		require.NotNil(t, cur)
		require.True(t, cur.Equal(at))
		return nil
	}))
}
