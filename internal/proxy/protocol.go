package proxy

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/sufield/pqmesh/internal/core/errors"
)

const (
	// httpHeadLimit bounds the prefix searched for a request head.
	httpHeadLimit = 8 * 1024

	// DefaultHeaderTimeout bounds how long the handler waits for protocol
	// data before denying.
	DefaultHeaderTimeout = 2 * time.Second
)

// http1Request is one parsed HTTP/1.1 request head. The raw head bytes are
// preserved and replayed to the backend verbatim; only the request line and
// the body-framing headers are interpreted.
type http1Request struct {
	Head    []byte // raw request head including the terminating CRLF CRLF
	Verb    string
	Path    string
	Version string

	ContentLength int64 // -1 when absent
	Chunked       bool
	Close         bool
}

// Method returns the policy input token "<VERB> <path>".
func (r *http1Request) Method() string {
	return r.Verb + " " + r.Path
}

// readHTTP1Request reads one request head from br. It fails with
// HttpMalformed when no valid request line appears within httpHeadLimit
// bytes, and returns io.EOF on a cleanly closed connection between requests.
func readHTTP1Request(br *bufio.Reader) (*http1Request, error) {
	var head bytes.Buffer
	req := &http1Request{ContentLength: -1}

	line, err := readHeadLine(br, &head)
	if err != nil {
		if err == io.EOF && head.Len() == 0 {
			return nil, io.EOF
		}
		return nil, err
	}

	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "HTTP/1.") {
		return nil, errors.NewDomainError(errors.ErrHttpMalformed, fmt.Errorf("bad request line"))
	}
	req.Verb, req.Path, req.Version = parts[0], parts[1], parts[2]

	for {
		line, err := readHeadLine(br, &head)
		if err != nil {
			return nil, err
		}
		if line == "" {
			break
		}
		name, value, found := strings.Cut(line, ":")
		if !found {
			return nil, errors.NewDomainError(errors.ErrHttpMalformed, fmt.Errorf("bad header line"))
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "content-length":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil || n < 0 {
				return nil, errors.NewDomainError(errors.ErrHttpMalformed, fmt.Errorf("bad content-length"))
			}
			req.ContentLength = n
		case "transfer-encoding":
			if strings.Contains(strings.ToLower(value), "chunked") {
				req.Chunked = true
			}
		case "connection":
			if strings.EqualFold(value, "close") {
				req.Close = true
			}
		}
	}

	req.Head = append([]byte(nil), head.Bytes()...)
	return req, nil
}

// readHeadLine reads one CRLF-terminated line, mirroring the raw bytes into
// head, and enforces the head size limit.
func readHeadLine(br *bufio.Reader, head *bytes.Buffer) (string, error) {
	line, err := br.ReadString('\n')
	head.WriteString(line)
	if err != nil {
		if err == io.EOF && line == "" {
			return "", io.EOF
		}
		return "", errors.NewDomainError(errors.ErrHttpMalformed, err)
	}
	if head.Len() > httpHeadLimit {
		return "", errors.NewDomainError(errors.ErrHttpMalformed, fmt.Errorf("request head exceeds %d bytes", httpHeadLimit))
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// forwardHTTP1Body streams the request body to dst exactly as framed:
// content-length bytes, chunked passthrough, or nothing. An absent framing
// header means no body (requests, unlike responses, have no
// read-until-close form).
func forwardHTTP1Body(dst io.Writer, br *bufio.Reader, req *http1Request) error {
	switch {
	case req.Chunked:
		return forwardChunked(dst, br)
	case req.ContentLength > 0:
		_, err := io.CopyN(dst, br, req.ContentLength)
		return err
	default:
		return nil
	}
}

// forwardChunked relays a chunked body verbatim, including trailers.
func forwardChunked(dst io.Writer, br *bufio.Reader) error {
	for {
		sizeLine, err := br.ReadString('\n')
		if err != nil {
			return err
		}
		if _, err := io.WriteString(dst, sizeLine); err != nil {
			return err
		}
		sizeStr, _, _ := strings.Cut(strings.TrimRight(sizeLine, "\r\n"), ";")
		size, err := strconv.ParseInt(strings.TrimSpace(sizeStr), 16, 64)
		if err != nil || size < 0 {
			return errors.NewDomainError(errors.ErrHttpMalformed, fmt.Errorf("bad chunk size"))
		}
		if size > 0 {
			if _, err := io.CopyN(dst, br, size+2); err != nil { // chunk + CRLF
				return err
			}
			continue
		}
		// Last chunk: relay trailer lines through the final blank line.
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return err
			}
			if _, err := io.WriteString(dst, line); err != nil {
				return err
			}
			if line == "\r\n" || line == "\n" {
				return nil
			}
		}
	}
}

const (
	http1DenyResponse = "HTTP/1.1 403 Forbidden\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"Content-Length: 10\r\n" +
		"Connection: close\r\n\r\n" +
		"forbidden\n"

	http1BadGatewayResponse = "HTTP/1.1 502 Bad Gateway\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"Content-Length: 12\r\n" +
		"Connection: close\r\n\r\n" +
		"bad gateway\n"
)
