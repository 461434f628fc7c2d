package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Evemarques07/saas-sub002/internal/models"
)

func TestInitDBRequiresDSN(t *testing.T) {
	assert.Error(t, InitDB(""))
}

func TestMigrateDBRequiresInit(t *testing.T) {
	DB = nil
	assert.Error(t, MigrateDB(&models.Company{}))
}

func TestMigrateDBRequiresModels(t *testing.T) {
	require.NoError(t, InitDB("file:"+t.Name()+"?mode=memory&cache=shared"))
	assert.Error(t, MigrateDB())
}

func TestInitAndMigrate(t *testing.T) {
	require.NoError(t, InitDB("file:"+t.Name()+"?mode=memory&cache=shared"))
	require.NoError(t, MigrateDB(&models.Company{}))

	require.NoError(t, DB.Create(&models.Company{Slug: "acme", Name: "Acme"}).Error)
	var got models.Company
	require.NoError(t, DB.Where("slug = ?", "acme").First(&got).Error)
	assert.Equal(t, "Acme", got.Name)
}
