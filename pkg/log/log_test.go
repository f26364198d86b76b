package log

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCtx(t *testing.T) {
	ctx := context.Background()
	assert.NotNil(t, Ctx(ctx), "should return default logger when none attached")

	custom := slog.Default().With(slog.String("component", "test"))
	ctx = With(ctx, custom)
	assert.Same(t, custom, Ctx(ctx), "should return the attached logger")
}

func TestHandlerIncludesSource(t *testing.T) {
	var buf bytes.Buffer
	slog.New(newHandler(&buf)).Info("hello")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	src, ok := record[slog.SourceKey].(map[string]any)
	require.True(t, ok, "records should carry the call site")
	file, _ := src["file"].(string)
	assert.True(t, strings.HasSuffix(file, "log_test.go"), "unexpected source file %q", file)
}
