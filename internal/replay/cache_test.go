package replay

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(retention time.Duration, capacity int) (*Cache, *time.Time) {
	c := New(retention, capacity)
	now := time.UnixMilli(1700000000000)
	c.now = func() time.Time { return now }
	c.rotatedAt = now
	return c, &now
}

func TestAddAndSeen(t *testing.T) {
	c, _ := newTestCache(5*time.Minute, 100)

	assert.False(t, c.Seen("n1"))
	c.Add("n1")
	assert.True(t, c.Seen("n1"))
	assert.False(t, c.Seen("n2"))
}

func TestAddReportsDuplicates(t *testing.T) {
	c, now := newTestCache(5*time.Minute, 100)

	assert.True(t, c.Add("n1"))
	assert.False(t, c.Add("n1"))

	// Still a duplicate while the nonce sits in the previous generation.
	*now = now.Add(5 * time.Minute)
	assert.False(t, c.Add("n1"))
}

func TestNonceSurvivesOneRotation(t *testing.T) {
	c, now := newTestCache(5*time.Minute, 100)

	c.Add("n1")
	*now = now.Add(5 * time.Minute)

	// One retention period later the nonce is in the previous generation but
	// must still be rejected: its timestamp could still be fresh.
	assert.True(t, c.Seen("n1"))
}

func TestNonceForgottenAfterTwoRotations(t *testing.T) {
	c, now := newTestCache(5*time.Minute, 100)

	c.Add("n1")
	*now = now.Add(5 * time.Minute)
	c.Add("n2") // triggers rotation bookkeeping
	*now = now.Add(5 * time.Minute)

	assert.False(t, c.Seen("n1"))
	assert.True(t, c.Seen("n2"))
}

func TestCapTriggersRotationNotClear(t *testing.T) {
	c, _ := newTestCache(time.Hour, 10)

	for i := 0; i < 10; i++ {
		c.Add(fmt.Sprintf("n%d", i))
	}
	// Cap reached: the next Add rotates, but everything stays visible via the
	// previous generation.
	c.Add("overflow")

	for i := 0; i < 10; i++ {
		require.True(t, c.Seen(fmt.Sprintf("n%d", i)), "n%d must survive the cap rotation", i)
	}
	assert.True(t, c.Seen("overflow"))
}

func TestLen(t *testing.T) {
	c, _ := newTestCache(time.Hour, 100)

	assert.Equal(t, 0, c.Len())
	c.Add("a")
	c.Add("b")
	assert.Equal(t, 2, c.Len())
}
