package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time { return f.t }

func TestCacheExpiry(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New[string, []string](time.Minute).WithClock(clock.now)

	c.Set("0.0.fc00/0x500507630300c562", []string{"0x4010403300000000"})

	luns, ok := c.Get("0.0.fc00/0x500507630300c562")
	require.True(t, ok)
	assert.Equal(t, []string{"0x4010403300000000"}, luns)

	clock.t = clock.t.Add(2 * time.Minute)
	_, ok = c.Get("0.0.fc00/0x500507630300c562")
	assert.False(t, ok, "entry should have expired")

	assert.Equal(t, 1, c.Len(), "expired entries stay until cleanup")
	c.Cleanup()
	assert.Equal(t, 0, c.Len())
}

func TestCacheDeleteFunc(t *testing.T) {
	c := New[string, int](0)
	c.Set("0.0.fc00/a", 1)
	c.Set("0.0.fc00/b", 2)
	c.Set("0.0.fd00/a", 3)

	c.DeleteFunc(func(k string) bool { return k[:8] == "0.0.fc00" })

	_, ok := c.Get("0.0.fc00/a")
	assert.False(t, ok)
	v, ok := c.Get("0.0.fd00/a")
	assert.True(t, ok)
	assert.Equal(t, 3, v)

	c.Clear()
	assert.Equal(t, 0, c.Len())
}
