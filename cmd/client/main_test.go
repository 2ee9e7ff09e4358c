package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gihan9a/braidhttp/pkg/braidproto"
)

func TestDocumentApply(t *testing.T) {
	d := &document{}
	require.NoError(t, d.apply(braidproto.Update{Body: []byte(`{"title":"a","n":1}`)}))
	require.NoError(t, d.apply(braidproto.Update{Patches: []braidproto.Patch{
		{Unit: braidproto.UnitJSON, Range: "/title", Content: []byte(`"b"`)},
		{Unit: braidproto.UnitJSON, Range: ".n"},
	}}))
	assert.JSONEq(t, `{"title":"b"}`, string(d.content))
	assert.Equal(t, "{\n  \"title\": \"b\"\n}", d.String())

	text := &document{content: []byte("hello")}
	require.NoError(t, text.apply(braidproto.Update{Patches: []braidproto.Patch{
		{Unit: braidproto.UnitText, Range: "[5:5]", Content: []byte(" world")},
	}}))
	assert.Equal(t, "hello world", text.String())

	err := text.apply(braidproto.Update{Patches: []braidproto.Patch{{Unit: braidproto.UnitText, Range: "[20:21]"}}})
	assert.ErrorIs(t, err, braidproto.ErrInvalidRange)
	err = text.apply(braidproto.Update{Patches: []braidproto.Patch{{Unit: "lines", Range: "1"}}})
	assert.ErrorIs(t, err, braidproto.ErrUnsupportedUnit)
}

func TestGetCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Version", `"v1"`)
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	var out bytes.Buffer
	cmd := rootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"get", srv.URL + "/doc"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	assert.Equal(t, "hello\n", out.String())

	out.Reset()
	cmd = rootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"get", "-i", srv.URL + "/doc"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	assert.True(t, strings.HasPrefix(out.String(), "Version: \"v1\"\r\n"), out.String())
}
