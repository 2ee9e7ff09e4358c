package braidproto

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParserSingleFeed(t *testing.T) {
	p := NewParser()
	msgs, err := p.Feed([]byte("Content-Length: 5\r\n\r\nHello"))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("Hello"), msgs[0].Body)
	assert.Equal(t, map[string]string{"content-length": "5"}, msgs[0].Headers)
	assert.Equal(t, WaitingForHeaders, p.State())
}

func TestParserBodyInLaterFeed(t *testing.T) {
	p := NewParser()
	msgs, err := p.Feed([]byte("Content-Length: 5\r\n\r\n"))
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Equal(t, WaitingForBody, p.State())

	msgs, err = p.Feed([]byte("Hello"))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("Hello"), msgs[0].Body)
}

func TestParserHeaderNormalization(t *testing.T) {
	p := NewParser()
	msgs, err := p.Feed([]byte("Version: \"v2\"\r\nParents:\"v1\"\r\nX-Custom :  a:b  \r\nContent-Length: 0\r\n\r\n"))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, map[string]string{
		"version":        `"v2"`,
		"parents":        `"v1"`,
		"x-custom":       "a:b",
		"content-length": "0",
	}, msgs[0].Headers)
	assert.Empty(t, msgs[0].Body)
}

func TestParserUsesFirstTerminator(t *testing.T) {
	p := NewParser()
	msgs, err := p.Feed([]byte("Content-Length: 4\r\n\r\nab\r\n\r\nVersion: \"x\"\r\n\r\n"))
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, []byte("ab\r\n"), msgs[0].Body)
	assert.Equal(t, `"x"`, msgs[1].Headers["version"])
}

func TestParserSkipsHeartbeats(t *testing.T) {
	p := NewParser()
	msgs, err := p.Feed([]byte("\r\n\r\n\n"))
	require.NoError(t, err)
	assert.Empty(t, msgs)

	msgs, err = p.Feed([]byte("\r\nContent-Length: 2\r\n\r\nok\r\n\r\n"))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("ok"), msgs[0].Body)
}

func TestParserStatusLine(t *testing.T) {
	p := NewParser()
	msgs, err := p.Feed([]byte("HTTP/1.1 410 Gone\r\nVersion: \"v9\"\r\n\r\nHTTP 206\r\nContent-Length: 1\r\n\r\nz"))
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "410", msgs[0].Headers[StatusHeader])
	assert.Equal(t, "206", msgs[1].Headers[StatusHeader])
}

func TestParserMultiplePatches(t *testing.T) {
	stream := "Version: \"v3\"\r\nPatches: 2\r\n\r\n" +
		"Content-Length: 5\r\nContent-Range: json .name\r\n\r\n\"bob\"\r\n" +
		"Content-Length: 0\r\nContent-Range: json .age\r\n\r\n" +
		"\r\n"
	p := NewParser()
	msgs, err := p.Feed([]byte(stream))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Nil(t, msgs[0].Body)
	assert.Equal(t, []Patch{
		{Unit: "json", Range: ".name", Content: []byte(`"bob"`)},
		{Unit: "json", Range: ".age", Content: []byte{}},
	}, msgs[0].Patches)
	assert.Equal(t, WaitingForHeaders, p.State())
}

func TestParserErrors(t *testing.T) {
	tests := []struct {
		name   string
		stream string
		target error
	}{
		{name: "content length", stream: "Content-Length: five\r\n\r\n", target: ErrHeaderParse},
		{name: "negative content length", stream: "Content-Length: -1\r\n\r\n", target: ErrHeaderParse},
		{name: "patch count", stream: "Patches: many\r\n\r\n", target: ErrHeaderParse},
		{name: "patch range", stream: "Patches: 1\r\n\r\nContent-Length: 1\r\nContent-Range: nospace\r\n\r\nx", target: ErrHeaderParse},
		{name: "missing patch range", stream: "Patches: 1\r\n\r\nContent-Length: 1\r\n\r\nx", target: ErrHeaderParse},
		{name: "utf8", stream: "Version: \xff\xfe\r\n\r\n", target: ErrInvalidUTF8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewParser()
			_, err := p.Feed([]byte(tt.stream))
			require.ErrorIs(t, err, tt.target)
			assert.Equal(t, Error, p.State())

			_, err = p.Feed([]byte("Content-Length: 0\r\n\r\n"))
			require.ErrorIs(t, err, ErrParserFailed)
		})
	}
}

func TestParserReturnsMessagesBeforeError(t *testing.T) {
	p := NewParser()
	msgs, err := p.Feed([]byte("Content-Length: 1\r\n\r\naContent-Length: x\r\n\r\n"))
	require.Error(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("a"), msgs[0].Body)
}

func feedAll(t *testing.T, chunks [][]byte) ([]Message, error) {
	t.Helper()
	p := NewParser()
	var out []Message
	for _, chunk := range chunks {
		msgs, err := p.Feed(chunk)
		out = append(out, msgs...)
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

func TestParserSplitIndependence(t *testing.T) {
	stream := []byte("HTTP/1.1 209 Subscription\r\n" +
		"Version: \"v1\"\r\nContent-Length: 11\r\n\r\nhello world\r\n" +
		"\r\n" +
		"Version: \"v2\"\r\nParents: \"v1\"\r\nContent-Length: 3\r\nContent-Range: text [5:11]\r\n\r\n!!!\r\n" +
		"Version: \"v3\"\r\nPatches: 2\r\n\r\n" +
		"Content-Length: 1\r\nContent-Range: text [0:0]\r\n\r\n>\r\n" +
		"Content-Length: 0\r\nContent-Range: text [1:2]\r\n\r\n" +
		"\r\nVersion: \"v4\"\r\n\r\n")

	whole, err := feedAll(t, [][]byte{stream})
	require.NoError(t, err)
	require.Len(t, whole, 4)

	for i := 0; i <= len(stream); i++ {
		got, err := feedAll(t, [][]byte{stream[:i], stream[i:]})
		require.NoError(t, err)
		if diff := cmp.Diff(whole, got); diff != "" {
			t.Fatalf("split at %d (-whole +split):\n%s", i, diff)
		}
	}

	for _, size := range []int{1, 2, 3, 7, 13} {
		var chunks [][]byte
		for i := 0; i < len(stream); i += size {
			chunks = append(chunks, stream[i:min(i+size, len(stream))])
		}
		got, err := feedAll(t, chunks)
		require.NoError(t, err)
		if diff := cmp.Diff(whole, got); diff != "" {
			t.Fatalf("chunks of %d (-whole +split):\n%s", size, diff)
		}
	}
}

func TestParserSplitIndependenceWithError(t *testing.T) {
	stream := []byte("Content-Length: 2\r\n\r\nokContent-Length: bad\r\n\r\n")
	whole, wholeErr := feedAll(t, [][]byte{stream})
	require.Error(t, wholeErr)

	for i := 0; i <= len(stream); i++ {
		got, err := feedAll(t, [][]byte{stream[:i], stream[i:]})
		require.Error(t, err, fmt.Sprintf("split at %d", i))
		assert.Empty(t, cmp.Diff(whole, got))
	}
}
