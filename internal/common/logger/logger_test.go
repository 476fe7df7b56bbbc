package logger

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
)

func TestForKeyTagsRecordKey(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })

	keyLogger := ForKey("record:123456789")
	keyLogger.Info().Msg("mirror refreshed")

	assert.Contains(t, buf.String(), `"record_key":"record:123456789"`)
	assert.Contains(t, buf.String(), "mirror refreshed")
}
