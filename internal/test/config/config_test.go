package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"imagegen-backend/internal/config"
)

func setRequired(t *testing.T) {
	t.Setenv("FAL_KEY", "fal-key")
	t.Setenv("FAL_WEBHOOK_SECRET", "whsec")
	t.Setenv("SUPABASE_JWT_SECRET", "jwt")
	t.Setenv("SUPABASE_URL", "https://project.supabase.co")
	t.Setenv("SUPABASE_PUBLISHABLE_KEY", "key")
	t.Setenv("DATABASE_URL", "postgres://localhost/imagegen")
	t.Setenv("ROBOKASSA_MERCHANT_LOGIN", "shop")
	t.Setenv("ROBOKASSA_PASSWORD1", "pass1")
	t.Setenv("ROBOKASSA_PASSWORD2", "pass2")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.DatabaseDriver)
	assert.Equal(t, 5, cfg.MaxActiveJobs)
	assert.Equal(t, int64(10), cfg.SignupBonusPoints)
	assert.Equal(t, "supabase", cfg.AssetStore)
	assert.Equal(t, "10.00", cfg.PointPrice.StringFixed(2))
	assert.Equal(t, "http://localhost:8080/api/v1/webhooks/fal", cfg.WebhookURL())
}

func TestLoad_MissingSecrets(t *testing.T) {
	setRequired(t)
	t.Setenv("FAL_WEBHOOK_SECRET", "")

	_, err := config.Load()
	assert.ErrorContains(t, err, "FAL_WEBHOOK_SECRET")
}

func TestLoad_RequiresRobokassaCredentials(t *testing.T) {
	for _, key := range []string{"ROBOKASSA_MERCHANT_LOGIN", "ROBOKASSA_PASSWORD1", "ROBOKASSA_PASSWORD2"} {
		t.Run(key, func(t *testing.T) {
			setRequired(t)
			t.Setenv(key, "")

			_, err := config.Load()
			assert.ErrorContains(t, err, key)
		})
	}
}

func TestLoad_AssetStoreSelection(t *testing.T) {
	setRequired(t)
	t.Setenv("ASSET_STORE", "cloudinary")

	_, err := config.Load()
	assert.ErrorContains(t, err, "CLOUDINARY")

	t.Setenv("CLOUDINARY_CLOUD_NAME", "demo")
	t.Setenv("CLOUDINARY_API_KEY", "key")
	t.Setenv("CLOUDINARY_API_SECRET", "secret")
	_, err = config.Load()
	assert.NoError(t, err)

	t.Setenv("ASSET_STORE", "s3")
	_, err = config.Load()
	assert.Error(t, err)
}

func TestLoad_InvalidNumbers(t *testing.T) {
	setRequired(t)
	t.Setenv("POINT_PRICE", "ten")

	_, err := config.Load()
	assert.Error(t, err)
}

func TestLoadDatabase_OnlyNeedsDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", "file:imagegen.db")
	t.Setenv("DATABASE_DRIVER", "sqlite3")
	t.Setenv("FAL_KEY", "")

	cfg, err := config.LoadDatabase()
	require.NoError(t, err)
	assert.Equal(t, "sqlite3", cfg.DatabaseDriver)

	t.Setenv("DATABASE_DRIVER", "mysql")
	_, err = config.LoadDatabase()
	assert.Error(t, err)
}
