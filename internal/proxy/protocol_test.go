package proxy

import (
	"bufio"
	"bytes"
	stderrors "errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sufield/pqmesh/internal/core/errors"
)

func TestReadHTTP1Request(t *testing.T) {
	raw := "GET /api/v1/users HTTP/1.1\r\nHost: backend\r\nContent-Length: 0\r\n\r\n"
	req, err := readHTTP1Request(bufio.NewReader(strings.NewReader(raw)))
	require.NoError(t, err)

	assert.Equal(t, "GET", req.Verb)
	assert.Equal(t, "/api/v1/users", req.Path)
	assert.Equal(t, "GET /api/v1/users", req.Method())
	assert.Equal(t, int64(0), req.ContentLength)
	assert.Equal(t, []byte(raw), req.Head, "the head is preserved byte for byte")
}

func TestReadHTTP1RequestFraming(t *testing.T) {
	t.Run("content length", func(t *testing.T) {
		raw := "POST /submit HTTP/1.1\r\nContent-Length: 4\r\n\r\nbody"
		br := bufio.NewReader(strings.NewReader(raw))
		req, err := readHTTP1Request(br)
		require.NoError(t, err)
		assert.Equal(t, int64(4), req.ContentLength)

		var dst bytes.Buffer
		require.NoError(t, forwardHTTP1Body(&dst, br, req))
		assert.Equal(t, "body", dst.String())
	})

	t.Run("chunked", func(t *testing.T) {
		body := "4\r\nwiki\r\n5\r\npedia\r\n0\r\n\r\n"
		raw := "POST /submit HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n" + body
		br := bufio.NewReader(strings.NewReader(raw))
		req, err := readHTTP1Request(br)
		require.NoError(t, err)
		assert.True(t, req.Chunked)

		var dst bytes.Buffer
		require.NoError(t, forwardHTTP1Body(&dst, br, req))
		assert.Equal(t, body, dst.String(), "chunked body is relayed verbatim")
	})

	t.Run("connection close", func(t *testing.T) {
		raw := "GET / HTTP/1.1\r\nConnection: close\r\n\r\n"
		req, err := readHTTP1Request(bufio.NewReader(strings.NewReader(raw)))
		require.NoError(t, err)
		assert.True(t, req.Close)
	})
}

func TestReadHTTP1RequestSequential(t *testing.T) {
	raw := "GET /a HTTP/1.1\r\n\r\nGET /b HTTP/1.1\r\n\r\n"
	br := bufio.NewReader(strings.NewReader(raw))

	first, err := readHTTP1Request(br)
	require.NoError(t, err)
	assert.Equal(t, "/a", first.Path)

	second, err := readHTTP1Request(br)
	require.NoError(t, err)
	assert.Equal(t, "/b", second.Path)

	_, err = readHTTP1Request(br)
	assert.Equal(t, io.EOF, err)
}

func TestReadHTTP1RequestMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "not http", raw: "\x16\x03\x01 binary junk\r\n\r\n"},
		{name: "missing version", raw: "GET /api\r\n\r\n"},
		{name: "header without colon", raw: "GET / HTTP/1.1\r\nbadheader\r\n\r\n"},
		{name: "negative content length", raw: "GET / HTTP/1.1\r\nContent-Length: -5\r\n\r\n"},
		{name: "oversized head", raw: "GET / HTTP/1.1\r\nX-Pad: " + strings.Repeat("a", httpHeadLimit) + "\r\n\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := readHTTP1Request(bufio.NewReader(strings.NewReader(tt.raw)))
			require.Error(t, err)
			assert.True(t, stderrors.Is(err, errors.ErrHttpMalformed), "got %v", err)
		})
	}
}
