package instruments

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultService_MNQ(t *testing.T) {
	svc := DefaultService()

	pv, err := svc.PointValue("MNQ")
	require.NoError(t, err)
	assert.Equal(t, 2.0, pv)

	ts, err := svc.TickSize("MNQ")
	require.NoError(t, err)
	assert.Equal(t, 0.25, ts)

	sp, err := svc.Spec("MNQ")
	require.NoError(t, err)
	assert.Equal(t, 0.5, sp.TickValue, "tick value derived from tick size x point value")

	_, err = svc.Spec("CL")
	assert.Error(t, err, "unknown symbol must error")
}

func TestLoadService(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "instruments.yaml")
	doc := `instruments:
  MNQ:
    name: Micro E-mini Nasdaq-100
    exchange: CME
    asset_class: futures
    point_value: 2.0
    tick_size: 0.25
    timezone: America/Chicago
  MGC:
    name: Micro Gold
    exchange: COMEX
    asset_class: futures
    point_value: 10.0
    tick_size: 0.1
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	svc, err := LoadService(path)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"MNQ", "MGC"}, svc.Symbols())

	sp, err := svc.Spec("MGC")
	require.NoError(t, err)
	assert.Equal(t, 10.0, sp.PointValue)
	assert.InDelta(t, 1.0, sp.TickValue, 1e-9)
}

func TestLoadService_Invalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "instruments.yaml")
	doc := `instruments:
  MNQ:
    point_value: 0
    tick_size: 0.25
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	_, err := LoadService(path)
	assert.ErrorContains(t, err, "point_value")

	_, err = LoadService(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
