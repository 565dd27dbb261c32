package utils

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeIdentity(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want ClientIdentity
	}{
		{"ipv4", "203.0.113.7", "203.0.113.7"},
		{"ipv4 with port", "203.0.113.7:5555", "203.0.113.7"},
		{"ipv4 mapped", "::ffff:203.0.113.7", "203.0.113.7"},
		{"ipv6 to /64", "2001:db8:abcd:12:1:2:3:4", "2001:db8:abcd:12::/64"},
		{"ipv6 bracketed with port", "[2001:db8:abcd:12::99]:443", "2001:db8:abcd:12::/64"},
		{"ipv6 zone", "fe80::1%eth0", "fe80::/64"},
		{"empty", "", UnknownIdentity},
		{"garbage", "not-an-ip", UnknownIdentity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeIdentity(tt.raw))
		})
	}
}

func TestNormalizeIdentity_SameIPv6HostShareIdentity(t *testing.T) {
	a := NormalizeIdentity("2001:db8:1:2::aaaa")
	b := NormalizeIdentity("2001:db8:1:2:ffff:ffff:ffff:ffff")
	c := NormalizeIdentity("2001:db8:1:3::aaaa")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestParseIdentity(t *testing.T) {
	assert.Equal(t, ClientIdentity("203.0.113.7"), ParseIdentity("203.0.113.7"))
	assert.Equal(t, ClientIdentity("2001:db8:abcd:12::/64"), ParseIdentity("2001:db8:abcd:12::/64"))
	assert.Equal(t, ClientIdentity("2001:db8:abcd:12::/64"), ParseIdentity("2001:db8:abcd:12::1/64"))
	assert.Equal(t, NormalizeIdentity("2001:db8::1"), ParseIdentity("2001:db8::1"))
	assert.Equal(t, UnknownIdentity, ParseIdentity("10.0.0.0/8"))
}

func TestParseTrustedProxies(t *testing.T) {
	tp, invalid := ParseTrustedProxies([]string{"10.0.0.0/8", "192.0.2.1", " ", "nope"})
	assert.Equal(t, []string{"nope"}, invalid)
	assert.True(t, tp.Contains("10.1.2.3:8080"))
	assert.True(t, tp.Contains("192.0.2.1"))
	assert.False(t, tp.Contains("192.0.2.2"))

	var nilTP *TrustedProxies
	assert.False(t, nilTP.Contains("10.0.0.1"))
}

func TestClientAddress(t *testing.T) {
	tp, _ := ParseTrustedProxies([]string{"10.0.0.0/8"})

	t.Run("untrusted peer ignores headers", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		r.RemoteAddr = "198.51.100.9:1234"
		r.Header.Set("X-Forwarded-For", "203.0.113.5")
		assert.Equal(t, "198.51.100.9:1234", ClientAddress(r, tp))
	})

	t.Run("trusted peer uses first forwarded hop", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		r.RemoteAddr = "10.0.0.2:1234"
		r.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.3")
		assert.Equal(t, "203.0.113.5", ClientAddress(r, tp))
		assert.Equal(t, ClientIdentity("203.0.113.5"), ClientIdentityFromRequest(r, tp))
	})

	t.Run("trusted peer falls back to X-Real-IP", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		r.RemoteAddr = "10.0.0.2:1234"
		r.Header.Set("X-Forwarded-For", "garbage")
		r.Header.Set("X-Real-IP", "203.0.113.6")
		assert.Equal(t, "203.0.113.6", ClientAddress(r, tp))
	})
}
