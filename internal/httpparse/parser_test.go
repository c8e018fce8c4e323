package httpparse

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valurhrafn/mistlib/internal/buffer"
)

func TestParser_RequestWithQueryVars(t *testing.T) {
	p := NewParser()
	done := p.ReadBytes([]byte("GET /x?a=1&b=%20 HTTP/1.1\r\nHost: h\r\n\r\n"))

	require.True(t, done)
	assert.Equal(t, "GET", p.Method)
	assert.Equal(t, "/x?a=1&b=%20", p.URL)
	assert.Equal(t, "/x", p.GetURL())
	assert.Equal(t, "HTTP/1.1", p.Protocol)
	assert.Equal(t, "h", p.GetHeader("Host"))
	assert.Equal(t, "1", p.GetVar("a"))
	assert.Equal(t, " ", p.GetVar("b"))
}

func TestParser_ChunkedResponse(t *testing.T) {
	p := NewParser()
	done := p.ReadBytes([]byte("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n0\r\n\r\n"))

	require.True(t, done)
	assert.Equal(t, "HTTP/1.1", p.Protocol)
	assert.Equal(t, []byte("hello"), p.Body())
	assert.False(t, p.IsChunked())
}

func TestParser_ChunkedSplitAtEveryBoundary(t *testing.T) {
	raw := []byte("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"6\r\nfirst \r\nb\r\nsecond part\r\n0\r\n\r\n")

	for split := 1; split < len(raw); split++ {
		p := NewParser()
		done := p.ReadBytes(raw[:split])
		if !done {
			done = p.ReadBytes(raw[split:])
		} else {
			p.ReadBytes(raw[split:])
		}
		require.True(t, done, "split at %d", split)
		assert.Equal(t, []byte("first second part"), p.Body(), "split at %d", split)
	}
}

func TestParser_ContentLengthBody(t *testing.T) {
	p := NewParser()

	require.False(t, p.ReadBytes([]byte("POST /submit HTTP/1.0\r\nContent-Length: 11\r\n\r\nkey=val")))
	require.True(t, p.ReadBytes([]byte("ue&x=y")))
	assert.Equal(t, []byte("key=value&x=y")[:11], p.Body())
	assert.Equal(t, "value", p.GetVar("key"))
}

func TestParser_HeaderOnlyMode(t *testing.T) {
	p := NewParser()
	p.HeaderOnly = true

	done := p.ReadBytes([]byte("POST /in HTTP/1.1\r\nContent-Length: 999\r\n\r\npartial"))
	require.True(t, done)
	assert.Empty(t, p.Body())
}

func TestParser_IgnoresShortFirstLine(t *testing.T) {
	p := NewParser()
	done := p.ReadBytes([]byte("garbage\r\nGET / HTTP/1.0\r\n\r\n"))

	require.True(t, done)
	assert.Equal(t, "GET", p.Method)
	assert.Equal(t, "HTTP/1.0", p.Protocol)
}

func TestParser_LFOnlyLines(t *testing.T) {
	p := NewParser()
	done := p.ReadBytes([]byte("GET /plain HTTP/1.1\nHost: lf\n\n"))

	require.True(t, done)
	assert.Equal(t, "/plain", p.URL)
	assert.Equal(t, "lf", p.GetHeader("Host"))
}

func TestParser_BuildRequestRoundTrip(t *testing.T) {
	p := NewParser()
	p.Method = "POST"
	p.URL = "/ingest"
	p.Protocol = "HTTP/1.1"
	p.SetHeader("Host", "example")
	p.SetBody([]byte("payload"))

	q := NewParser()
	require.True(t, q.ReadBytes(p.BuildRequest()))
	assert.Equal(t, "POST", q.Method)
	assert.Equal(t, "/ingest", q.URL)
	assert.Equal(t, "example", q.GetHeader("Host"))
	assert.Equal(t, []byte("payload"), q.Body())
}

func TestParser_BuildResponseSkipsZeroContentLength(t *testing.T) {
	p := NewParser()
	p.Protocol = "HTTP/1.0"
	p.SetIntHeader("Content-Length", 0)

	out := p.BuildResponse("204", "No Content")
	assert.NotContains(t, string(out), "Content-Length")
	assert.Contains(t, string(out), "HTTP/1.0 204 No Content")
}

func TestParser_ReadBufferSegmented(t *testing.T) {
	b := buffer.New()
	b.AppendString("GET /seg HTTP/1.1\r\n")
	b.AppendString("Host: segmented\r\n\r\n")

	p := NewParser()
	require.True(t, p.ReadBuffer(b))
	assert.Equal(t, "/seg", p.URL)
	assert.Equal(t, "segmented", p.GetHeader("Host"))
	assert.Equal(t, 0, b.Size())
}

func TestURLDecode_EncodeRoundTrip(t *testing.T) {
	inputs := []string{
		"plain",
		"with space",
		"a=b&c=d",
		"ünïcödé",
		string([]byte{0x00, 0x01, 0xfe, 0xff}),
		"~!*()'keep",
	}
	for _, in := range inputs {
		assert.Equal(t, in, URLDecode(URLEncode(in)), "input %q", in)
	}
}

func TestURLDecode_PlusAndHex(t *testing.T) {
	assert.Equal(t, "a b", URLDecode("a+b"))
	assert.Equal(t, " ", URLDecode("%20"))
	assert.Equal(t, "/", URLDecode("%2F"))
	assert.Equal(t, "/", URLDecode("%2f"))
}

func TestParser_PipelinedRequests(t *testing.T) {
	p := NewParser()
	raw := "GET /first HTTP/1.1\r\nHost: a\r\n\r\nGET /second HTTP/1.1\r\nHost: b\r\n\r\n"

	require.True(t, p.ReadBytes([]byte(raw)))
	assert.Equal(t, "/first", p.URL)

	p.Clean()
	require.True(t, p.ReadBytes(nil))
	assert.Equal(t, "/second", p.URL)
	assert.Equal(t, "b", p.GetHeader("Host"))
}

func TestParser_ChunkedManyChunks(t *testing.T) {
	var raw []byte
	raw = append(raw, []byte("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n")...)
	var want []byte
	for i := 0; i < 20; i++ {
		part := []byte(fmt.Sprintf("part-%02d;", i))
		raw = append(raw, []byte(fmt.Sprintf("%x\r\n", len(part)))...)
		raw = append(raw, part...)
		raw = append(raw, '\r', '\n')
		want = append(want, part...)
	}
	raw = append(raw, []byte("0\r\n\r\n")...)

	p := NewParser()
	require.True(t, p.ReadBytes(raw))
	assert.Equal(t, want, p.Body())
}
