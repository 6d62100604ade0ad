package app

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	_ "github.com/authcore-io/authcore/testing"
)

func TestLoggerCarriesServiceAttribute(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, &Config{LogFormat: "json"})
	logger.Info("boot")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	require.Equal(t, "authcore", record["service"])
	require.Equal(t, "boot", record["msg"])
}

func TestLoggerDefaultsToTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, &Config{LogFormat: "pretty"})
	logger.Info("boot")
	require.Contains(t, buf.String(), "service=authcore")
}
