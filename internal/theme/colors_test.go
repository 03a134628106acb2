package theme

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusStylesDistinguishOutcomes(t *testing.T) {
	ok := CycleStatusStyle("completed").GetForeground()
	bad := CycleStatusStyle("deploy_failed").GetForeground()
	busy := CycleStatusStyle("fixing").GetForeground()
	assert.NotEqual(t, ok, bad)
	assert.NotEqual(t, ok, busy)
	assert.Equal(t, ColorOverlay0, CycleStatusStyle("whatever").GetForeground())

	assert.Equal(t, ColorGreen, VerdictStyle("GO").GetForeground())
	assert.Equal(t, ColorRed, VerdictStyle("NO-GO").GetForeground())
}
