package cmd

import (
	"bytes"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/stallwatch/internal/buildinfo"
	"github.com/tphakala/stallwatch/internal/conf"
	"github.com/tphakala/stallwatch/internal/testutil"
)

const testConfig = `main:
  name: lot-test
camera:
  source: synthetic
mqtt:
  password: hunter2
`

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(func() {
		conf.SetConfigFile("")
		viper.Reset()
	})

	root := RootCommand(buildinfo.NewContext("1.2.3", "2026-10-01"))
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(t.Context())
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "stallwatch 1.2.3 (built 2026-10-01)\n", out)

	out, err = execute(t, "--version")
	require.NoError(t, err)
	assert.Equal(t, "stallwatch 1.2.3 (built 2026-10-01)\n", out)
}

func TestConfigPrintsRedactedYAML(t *testing.T) {
	out, err := execute(t, "config", "--config", writeConfig(t))
	require.NoError(t, err)

	var s conf.Settings
	require.NoError(t, yaml.Unmarshal([]byte(out), &s))
	assert.Equal(t, "lot-test", s.Main.Name)
	assert.Equal(t, conf.SourceSynthetic, s.Camera.Source)
	assert.Equal(t, conf.RedactedValue, s.MQTT.Password)
	assert.False(t, s.Debug)
	assert.NotContains(t, out, "hunter2")
}

func TestConfigDebugFlagAndSecrets(t *testing.T) {
	out, err := execute(t, "config", "--config", writeConfig(t), "--debug", "--show-secrets")
	require.NoError(t, err)

	var s conf.Settings
	require.NoError(t, yaml.Unmarshal([]byte(out), &s))
	assert.True(t, s.Debug)
	assert.Equal(t, "hunter2", s.MQTT.Password)
}

func TestConfigSave(t *testing.T) {
	target := filepath.Join(t.TempDir(), "saved.yaml")
	_, err := execute(t, "config", "--config", writeConfig(t), "--save", target)
	require.NoError(t, err)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	var s conf.Settings
	require.NoError(t, yaml.Unmarshal(data, &s))
	assert.Equal(t, "lot-test", s.Main.Name)
	assert.Equal(t, "hunter2", s.MQTT.Password, "saved files keep credentials")
}

func TestConfigMissingFile(t *testing.T) {
	_, err := execute(t, "config", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestProbeImage(t *testing.T) {
	sc := testutil.NewScene(image.Pt(320, 240), 2, 15)
	sc.AddStall(image.Pt(20, 20), image.Pt(100, 100))
	sc.AddStall(image.Pt(160, 20), image.Pt(240, 100))

	img := filepath.Join(t.TempDir(), "lot.png")
	f, err := os.Create(img)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, sc.Camera().ToGray()))
	require.NoError(t, f.Close())

	out, err := execute(t, "probe", "--config", writeConfig(t), "--image", img, "--frames", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "2 stalls on a 320x240 working frame")
}
