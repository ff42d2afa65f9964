package pathrouter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRouteTopLevelRules(t *testing.T) {
	cases := []struct {
		path    string
		blocked bool
		backend Backend
	}{
		{"/sys/class/net", true, 0},
		{"/run/lock", true, 0},
		{"/dev/null", false, Passthrough},
		{"/dev/zero", false, Passthrough},
		{"/dev/random", false, Passthrough},
		{"/dev/urandom", false, Passthrough},
		{"/dev/sda", true, 0},
		{"/proc/self/status", false, Proc},
		{"/proc/123", false, Proc},
		{"/tmp/test.txt", false, Tmp},
		{"/tmp/.bvisor/sb/abc", true, 0},
		{"/tmpfoo", false, COW},
		{"/etc/passwd", false, COW},
		{"/home/user/file", false, COW},
	}

	for _, c := range cases {
		t.Run(c.path, func(t *testing.T) {
			d := Route(c.path)
			assert.Equal(t, c.blocked, d.Blocked)
			if !c.blocked {
				assert.Equal(t, c.backend, d.Backend)
			}
		})
	}
}

func TestRouteDeterministicAfterNormalize(t *testing.T) {
	paths := []string{
		"/tmp/../etc/passwd",
		"/tmp/./a/../b",
		"/proc/../sys/kernel",
		"/dev/../dev/null",
	}
	for _, p := range paths {
		assert.Equal(t, Route(Normalize(p)), Route(p), "route(normalize(p)) must equal route(p) for %q", p)
	}
}

func TestTmpEscapeReRoutesThroughTopLevel(t *testing.T) {
	// /tmp/../sys/x normalizes to /sys/x, which must be blocked, not
	// routed as tmp.
	d := Route("/tmp/../sys/x")
	assert.True(t, d.Blocked)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "/", Normalize(""))
	assert.Equal(t, "/a/b", Normalize("/a/./b"))
	assert.Equal(t, "/b", Normalize("/a/../b"))
}
