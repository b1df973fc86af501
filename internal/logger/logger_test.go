package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "DEBUG", "json", false)
	defer InitWithWriter(&buf, "INFO", "text", false)

	Info("bind ok", KeyUsername, "user0", KeyResultCode, 0)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "bind ok", record["msg"])
	assert.Equal(t, "user0", record["username"])
	assert.Equal(t, float64(0), record["result_code"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "WARN", "text", false)
	defer InitWithWriter(&buf, "INFO", "text", false)

	Debug("hidden")
	Info("hidden too")
	Warn("visible")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "visible")
}

func TestContextFieldsInjected(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "json", false)
	defer InitWithWriter(&buf, "INFO", "text", false)

	lc := NewLogContext(7, "10.0.0.1").WithOp(3, "search")
	ctx := WithContext(context.Background(), lc)

	InfoCtx(ctx, "search done", KeyEntries, 2)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, float64(7), record["conn_id"])
	assert.Equal(t, "10.0.0.1", record["client_ip"])
	assert.Equal(t, float64(3), record["message_id"])
	assert.Equal(t, "search", record["op"])
	assert.Equal(t, float64(2), record["entries"])
}

func TestWithOpDoesNotMutateParent(t *testing.T) {
	parent := NewLogContext(1, "127.0.0.1")
	child := parent.WithOp(5, "modify").WithBindDN("cn=user0,dc=md,dc=test")

	assert.Equal(t, int64(0), parent.MessageID)
	assert.Empty(t, parent.BindDN)
	assert.Equal(t, int64(5), child.MessageID)
	assert.Equal(t, "modify", child.Op)
}

func TestSetLevelIgnoresInvalid(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "text", false)

	SetLevel("NOISE")
	Info("still info")
	assert.True(t, strings.Contains(buf.String(), "still info"))
}
