package aab

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLineReporter(t *testing.T) {
	var buf bytes.Buffer
	LineReporter{W: &buf, Label: "app.yaml"}.Report(100)
	assert.Contains(t, buf.String(), "app.yaml: 100%")
}

func TestBarReporterCompletes(t *testing.T) {
	var buf bytes.Buffer
	r := NewBarReporter(&buf, "bundle")
	r.Report(250)
	assert.Contains(t, buf.String(), "bundle")
	assert.Contains(t, buf.String(), "100%")
}

func TestClampPercent(t *testing.T) {
	assert.Equal(t, 0, clampPercent(-5))
	assert.Equal(t, 42, clampPercent(42))
	assert.Equal(t, 100, clampPercent(101))
}

func TestReporterFunc(t *testing.T) {
	var got int
	var r Reporter = ReporterFunc(func(p int) { got = p })
	r.Report(100)
	assert.Equal(t, 100, got)
}
