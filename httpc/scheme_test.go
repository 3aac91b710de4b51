package httpc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSchemeRegistry(t *testing.T) {
	r := DefaultSchemeRegistry(nil)
	assert.Equal(t, []string{"http", "https"}, r.Names())

	s, err := r.Resolve("HTTP")
	require.NoError(t, err)
	assert.Equal(t, 80, s.DefaultPort)
	assert.False(t, s.IsLayered())

	s, err = r.Resolve("https")
	require.NoError(t, err)
	assert.Equal(t, 443, s.ResolvePort(0))
	assert.Equal(t, 8443, s.ResolvePort(8443))
	assert.True(t, s.IsLayered())
}

func TestUnknownScheme(t *testing.T) {
	r := DefaultSchemeRegistry(nil)
	_, err := r.Resolve("ftp")
	assert.ErrorIs(t, err, ErrUnknownScheme)
	var se *UnknownSchemeError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "ftp", se.Scheme)
}

func TestRegisterScheme(t *testing.T) {
	r := NewSchemeRegistry()
	assert.Nil(t, r.Register("http", 80, nil))
	old := r.Register("HTTP", 8080, nil)
	require.NotNil(t, old)
	assert.Equal(t, 80, old.DefaultPort)

	route, err := r.Normalize(NewRoute("http", "Example.COM", 0))
	require.NoError(t, err)
	assert.Equal(t, Route{Scheme: "http", Host: "example.com", Port: 8080}, route)

	route, err = r.Normalize(Route{Scheme: "HTTP", Host: "Example.COM"})
	require.NoError(t, err)
	assert.Equal(t, Route{Scheme: "http", Host: "example.com", Port: 8080}, route)

	assert.NotNil(t, r.Unregister("http"))
	_, err = r.Normalize(route)
	assert.ErrorIs(t, err, ErrUnknownScheme)
}

func TestParseURL(t *testing.T) {
	r := DefaultSchemeRegistry(nil)
	cases := []struct {
		url    string
		route  Route
		target string
	}{
		{"http://example.com", Route{"http", "example.com", 80}, "/"},
		{"https://example.com/a/b?x=1", Route{"https", "example.com", 443}, "/a/b?x=1"},
		{"https://127.0.0.1:8443/echo", Route{"https", "127.0.0.1", 8443}, "/echo"},
		{"http://[::1]:8080/", Route{"http", "::1", 8080}, "/"},
	}
	for _, c := range cases {
		route, target, err := ParseURL(c.url, r)
		require.NoError(t, err, c.url)
		assert.Equal(t, c.route, route, c.url)
		assert.Equal(t, c.target, target, c.url)
	}

	for _, bad := range []string{"/relative", "http://host:99999/", "ftp://example.com/", "http://%zz"} {
		_, _, err := ParseURL(bad, r)
		assert.Error(t, err, bad)
	}
}

func TestRouteAddress(t *testing.T) {
	assert.Equal(t, "[::1]:8080", NewRoute("http", "::1", 8080).Address())
	assert.Equal(t, "https://example.com:443", NewRoute("HTTPS", "example.com", 443).String())
}
