package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(envMap(map[string]string{
		"DATABASE_URL":    "postgres://localhost/digistore",
		"AUTH_JWT_SECRET": "s3cret",
	}))
	require.NoError(t, err)
	require.Equal(t, DriverPostgres, cfg.DatabaseDriver)
	require.Equal(t, "public", cfg.SupabaseSchema)
	require.Equal(t, ":8080", cfg.HTTPListenAddr)
	require.Equal(t, 10*time.Minute, cfg.RechargeClaimWindow)
	require.Equal(t, "text", cfg.LogFormat)
	require.Empty(t, cfg.WhatsAppOperators)
}

func TestLoadSQLiteWithOperators(t *testing.T) {
	cfg, err := load(envMap(map[string]string{
		"DATABASE_DRIVER":       "SQLite",
		"SQLITE_PATH":           "/tmp/shop.db",
		"AUTH_JWT_SECRET":       "s3cret",
		"RECHARGE_CLAIM_WINDOW": "5m",
		"REDIS_TLS":             "true",
		"WA_STORE_PATH":         "/tmp/wa.db",
		"WA_OPERATORS":          "+237690000000:admin-1, 237670000000:admin-2",
	}))
	require.NoError(t, err)
	require.Equal(t, DriverSQLite, cfg.DatabaseDriver)
	require.Equal(t, 5*time.Minute, cfg.RechargeClaimWindow)
	require.True(t, cfg.RedisTLS)
	require.Equal(t, []Operator{
		{Phone: "237690000000", ProfileID: "admin-1"},
		{Phone: "237670000000", ProfileID: "admin-2"},
	}, cfg.WhatsAppOperators)
}

func TestLoadReportsEveryProblem(t *testing.T) {
	_, err := load(envMap(map[string]string{
		"DATABASE_DRIVER":       "mysql",
		"REDIS_DB":              "zero",
		"RECHARGE_CLAIM_WINDOW": "soon",
		"WA_OPERATORS":          "237690000000",
	}))
	require.Error(t, err)
	msg := err.Error()
	require.Contains(t, msg, "REDIS_DB")
	require.Contains(t, msg, "RECHARGE_CLAIM_WINDOW")
	require.Contains(t, msg, "WA_OPERATORS")
}

func TestValidateRequiresSecretAndURL(t *testing.T) {
	_, err := load(envMap(map[string]string{}))
	require.Error(t, err)
	require.Contains(t, err.Error(), "DATABASE_URL")
	require.Contains(t, err.Error(), "AUTH_JWT_SECRET")
}
