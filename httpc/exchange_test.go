package httpc

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExchange(route Route, p RequestProducer) *exchange {
	registry := DefaultSchemeRegistry(nil)
	scheme, _ := registry.Resolve(route.Scheme)
	ex := &exchange{route: route, scheme: scheme, producer: p, consumer: NewBasicResponseConsumer(0), state: PendingConnection}
	ex.decoder = NewDecoder(p.Request().Method, 0, ex.onHead, ex.onBody)
	return ex
}

func head(ex *exchange, ua string) string {
	buf := ex.encodeHead(ua)
	defer buf.Free()
	return string(buf.ToBytes())
}

func TestEncodeHead(t *testing.T) {
	h := http.Header{"Accept": {"*/*"}, "Content-Length": {"999"}}
	ex := newTestExchange(NewRoute("https", "example.com", 443), NewBasicRequestProducer(http.MethodPost, "/a?b=1", h, []byte("body")))
	raw := head(ex, "ua/1")
	assert.True(t, strings.HasPrefix(raw, "POST /a?b=1 HTTP/1.1\r\nHost: example.com\r\nUser-Agent: ua/1\r\nContent-Length: 4\r\n"), raw)
	assert.Contains(t, raw, "Accept: */*\r\n")
	assert.NotContains(t, raw, "999")
	assert.True(t, strings.HasSuffix(raw, "\r\n\r\n"))
	assert.False(t, ex.reqClose)
}

func TestEncodeHeadHost(t *testing.T) {
	cases := map[Route]string{
		NewRoute("http", "example.com", 80):   "Host: example.com\r\n",
		NewRoute("http", "example.com", 8080): "Host: example.com:8080\r\n",
		NewRoute("https", "::1", 443):         "Host: [::1]\r\n",
		NewRoute("https", "::1", 8443):        "Host: [::1]:8443\r\n",
		NewRoute("https", "example.com", 80):  "Host: example.com:80\r\n",
		NewRoute("http", "10.0.0.1", 80):      "Host: 10.0.0.1\r\n",
	}
	for route, want := range cases {
		ex := newTestExchange(route, NewBasicRequestProducer(http.MethodGet, "", nil, nil))
		raw := head(ex, "")
		assert.Contains(t, raw, want, route.String())
		assert.True(t, strings.HasPrefix(raw, "GET / HTTP/1.1\r\n"))
		assert.NotContains(t, raw, "Content-Length")
		assert.NotContains(t, raw, "User-Agent")
	}
}

func TestEncodeHeadOverrides(t *testing.T) {
	h := http.Header{"Host": {"virtual.test"}, "User-Agent": {"mine"}, "Connection": {"close"}}
	ex := newTestExchange(NewRoute("http", "10.0.0.1", 80), NewRequestProducer(http.MethodPut, "/up", h, []byte("x")))
	raw := head(ex, "default")
	assert.Contains(t, raw, "Host: virtual.test\r\n")
	assert.Equal(t, 1, strings.Count(raw, "Host:"))
	assert.Contains(t, raw, "User-Agent: mine\r\n")
	assert.NotContains(t, raw, "default")
	assert.Contains(t, raw, "Transfer-Encoding: chunked\r\n")
	assert.True(t, ex.reqClose)

	// 没有body的POST也要带Content-Length
	ex = newTestExchange(NewRoute("http", "10.0.0.1", 80), NewBasicRequestProducer(http.MethodPost, "/", nil, nil))
	assert.Contains(t, head(ex, ""), "Content-Length: 0\r\n")
}

func TestExchangeReusable(t *testing.T) {
	ex := newTestExchange(NewRoute("http", "a.test", 80), NewBasicRequestProducer(http.MethodGet, "/", nil, nil))
	s := &fakeSession{}
	ex.session = s
	ex.reqDone = true
	require.NoError(t, ex.decoder.Feed([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")))
	assert.True(t, ex.reusable())

	s.Close()
	assert.False(t, ex.reusable())

	ex = newTestExchange(NewRoute("http", "a.test", 80), NewBasicRequestProducer(http.MethodGet, "/", nil, nil))
	ex.session = &fakeSession{}
	ex.reqDone = true
	require.NoError(t, ex.decoder.Feed([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nokX")))
	assert.False(t, ex.reusable())

	ex = newTestExchange(NewRoute("http", "a.test", 80), NewBasicRequestProducer(http.MethodGet, "/", nil, nil))
	ex.session = &fakeSession{}
	require.NoError(t, ex.decoder.Feed([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")))
	// 请求还没有发送完
	assert.False(t, ex.reusable())
}

func TestExchangeSuspend(t *testing.T) {
	ex := newTestExchange(NewRoute("http", "a.test", 80), NewBasicRequestProducer(http.MethodGet, "/", nil, nil))
	ex.session = &fakeSession{}
	ex.SuspendInput()
	assert.True(t, ex.suspended)
	assert.True(t, ex.decoder.Paused())
	require.NoError(t, ex.decoder.Feed([]byte("HTTP/1.1 204 No Content\r\n\r\n")))
	assert.False(t, ex.decoder.Done())
	// 没有loop的时候只是丢弃
	ex.RequestInput()
}

func TestMetricsSnapshot(t *testing.T) {
	m := newMetrics()
	assert.Equal(t, time.Duration(0), m.Snapshot().P99)
	m.submitted.Add(3)
	m.observe(10 * time.Millisecond)
	m.observe(20 * time.Millisecond)
	m.observe(2 * time.Hour)
	m.failed.Add(1)
	s := m.Snapshot()
	assert.Equal(t, int64(3), s.Completed)
	assert.Equal(t, int64(1), s.Failed)
	assert.InDelta(t, float64(20*time.Millisecond), float64(s.P50), float64(time.Millisecond))
	assert.InDelta(t, float64(time.Minute), float64(s.Max), float64(time.Second))
	assert.Contains(t, s.String(), "completed=3")

	m.Reset()
	assert.Equal(t, MetricsSnapshot{}, m.Snapshot())
}
