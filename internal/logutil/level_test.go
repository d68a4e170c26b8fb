package logutil_test

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.mdraid.dev/mdassemble-ng/internal/logutil"
)

func TestNewLevelFlagDefaultsToInfo(t *testing.T) {
	f := logutil.NewLevelFlag()
	assert.Equal(t, logrus.InfoLevel, f.Level)
	assert.Equal(t, "info", f.String())
}

func TestLevelFlagSetParsesLevelName(t *testing.T) {
	f := logutil.NewLevelFlag()
	require.NoError(t, f.Set("debug"))
	assert.Equal(t, logrus.DebugLevel, f.Level)
}

func TestLevelFlagSetRejectsUnknownLevel(t *testing.T) {
	f := logutil.NewLevelFlag()
	err := f.Set("not-a-level")
	assert.Error(t, err)
	assert.Equal(t, logrus.InfoLevel, f.Level, "a failed Set must not disturb the prior level")
}

func TestWithLoggerInstallsALogger(t *testing.T) {
	f := logutil.NewLevelFlag()
	ctx := logutil.WithLogger(context.Background(), f)
	assert.NotNil(t, ctx)
}
