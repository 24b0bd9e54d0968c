package acp

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransport_ReadRequest(t *testing.T) {
	in := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":1}}` + "\n")
	tr := newTransport(in, &bytes.Buffer{})

	req, err := tr.readRequest()
	require.NoError(t, err)
	assert.Equal(t, "initialize", req.Method)
	require.NotNil(t, req.ID)
	assert.Equal(t, int64(1), *req.ID)
}

func TestTransport_WriteResponseIsNewlineTerminated(t *testing.T) {
	out := &bytes.Buffer{}
	tr := newTransport(strings.NewReader(""), out)

	require.NoError(t, tr.writeResponse(Response{JSONRPC: "2.0", ID: 1, Result: map[string]string{"ok": "yes"}}))

	line := out.String()
	assert.True(t, strings.HasSuffix(line, "\n"))

	var resp Response
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSuffix(line, "\n")), &resp))
	assert.Equal(t, int64(1), resp.ID)
}

func TestTransport_WriteNotificationHasNoID(t *testing.T) {
	out := &bytes.Buffer{}
	tr := newTransport(strings.NewReader(""), out)

	require.NoError(t, tr.writeNotification(Notification{JSONRPC: "2.0", Method: "session/update", Params: map[string]string{"x": "y"}}))

	assert.NotContains(t, out.String(), `"id"`)
	assert.Contains(t, out.String(), "session/update")
}

func TestToolKind(t *testing.T) {
	cases := map[string]string{
		"read_files":    kindRead,
		"replace_in_file":    kindEdit,
		"execute_command":    kindExecute,
		"grep":    kindSearch,
		"unknown": kindOther,
	}
	for in, want := range cases {
		assert.Equal(t, want, toolKind(in), "toolKind(%q)", in)
	}
}

func TestPromptToContent(t *testing.T) {
	blocks := []ContentBlock{
		{Type: "text", Text: "first"},
		{Type: "resource_link", URI: "file:///tmp/foo.go"},
	}
	assert.Equal(t, "first\nfile:///tmp/foo.go", promptToContent(blocks))
}
