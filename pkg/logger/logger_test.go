package logger_test

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/lucasalmeidadh/lemeai-sync/pkg/logger"
)

func TestInitLoggerLevel(t *testing.T) {
	t.Setenv("LOG_FORMAT", "json")

	t.Setenv("LOG_LEVEL", "warn")
	logger.InitLogger()
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())

	t.Setenv("LOG_LEVEL", "trace")
	logger.InitLogger()
	assert.Equal(t, zerolog.TraceLevel, zerolog.GlobalLevel())

	t.Setenv("LOG_LEVEL", "nonsense")
	logger.InitLogger()
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())

	t.Setenv("LOG_LEVEL", "")
	logger.InitLogger()
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}
