package stream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Conn is an open server-push channel delivering frames in emission order.
type Conn interface {
	// Next blocks for the next frame. io.EOF means the server closed the channel.
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens push channels. The channel carries no custom headers, so the
// credential travels in the URL.
type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Conn, error)
	Name() string
}

// maxFrameBytes caps a single frame.
const maxFrameBytes = 1024 * 1024

// SSEDialer opens text/event-stream channels over HTTP GET.
type SSEDialer struct {
	// HTTPClient must not set a Timeout; sessions have no client-side ceiling.
	HTTPClient *http.Client
}

func (d *SSEDialer) Name() string { return "sse" }

func (d *SSEDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	hc := d.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("stream endpoint returned %s", resp.Status)
	}

	r := bufio.NewReaderSize(resp.Body, 64*1024)
	return &sseConn{body: resp.Body, r: r}, nil
}

type sseConn struct {
	body io.ReadCloser
	r    *bufio.Reader
}

// Next returns the data of the next event. Multi-line data fields are joined
// with "\n"; comments and the event/id/retry fields are ignored. An event cut
// off by the end of the stream is still returned.
func (c *sseConn) Next(ctx context.Context) ([]byte, error) {
	var data bytes.Buffer
	hasData := false

	for {
		raw, err := c.readLine()
		if err != nil && !(errors.Is(err, io.EOF) && len(raw) > 0) {
			if errors.Is(err, io.EOF) && hasData {
				return data.Bytes(), nil
			}
			return nil, err
		}
		line := strings.TrimRight(string(raw), "\r\n")

		switch {
		case line == "":
			if hasData {
				return data.Bytes(), nil
			}
		case strings.HasPrefix(line, ":"):
		default:
			field, value, _ := strings.Cut(line, ":")
			if field == "data" {
				value = strings.TrimPrefix(value, " ")
				if hasData {
					data.WriteByte('\n')
				}
				if data.Len()+len(value) > maxFrameBytes {
					return nil, fmt.Errorf("stream frame exceeds %d bytes", maxFrameBytes)
				}
				data.WriteString(value)
				hasData = true
			}
		}

		if err != nil {
			// Last line had no terminator.
			if hasData {
				return data.Bytes(), nil
			}
			return nil, err
		}
	}
}

// readLine reads one line including its terminator, failing once it grows past
// maxFrameBytes instead of buffering an unbounded line.
func (c *sseConn) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := c.r.ReadSlice('\n')
		if len(line)+len(chunk) > maxFrameBytes+2 {
			return nil, fmt.Errorf("stream line exceeds %d bytes", maxFrameBytes)
		}
		line = append(line, chunk...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return line, err
	}
}

func (c *sseConn) Close() error {
	return c.body.Close()
}
