package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/synaptica-ai/research-platform/pkg/common/config"
)

func TestPostgresDSN(t *testing.T) {
	cfg := &config.Config{
		PostgresHost:     "db",
		PostgresPort:     "5433",
		PostgresUser:     "research",
		PostgresPassword: "secret",
		PostgresDB:       "trials",
		PostgresSSLMode:  "require",
	}
	assert.Equal(t, "host=db user=research password=secret dbname=trials port=5433 sslmode=require", PostgresDSN(cfg))
}

func TestClosePostgresNil(t *testing.T) {
	assert.NoError(t, ClosePostgres(nil))
}
