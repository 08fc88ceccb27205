package properties

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, content string) string {
	t.Helper()
	p := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestLoad(t *testing.T) {
	p := writeFile(t, t.TempDir(), `# Minecraft server properties
autostart=true
server-port=25565
rcon.port=25575
jvm-args=-Xms1G -Xmx2G
stop-timeout=45
`)
	props, err := Load(p)
	require.NoError(t, err)

	assert.True(t, props.Bool("autostart", false))
	assert.Equal(t, "25565", props.String("server-port", ""))
	assert.Equal(t, "25575", props.String("rcon.port", ""))
	assert.Equal(t, []string{"-Xms1G", "-Xmx2G"}, props.Fields("jvm-args"))
	assert.Equal(t, 45*time.Second, props.Duration("stop-timeout", time.Second))
	assert.Contains(t, props.Keys(), "server-port")
}

func TestLoadKeepsValuesLiteral(t *testing.T) {
	p := writeFile(t, t.TempDir(), `! java style comment
command=sh -c 'while read line; do echo ${line}; done'
stop-command : stop
Level-Name=world\u00e9
server-args=--nogui \
    --port 25565
`)
	props, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, "sh -c 'while read line; do echo ${line}; done'", props.String("command", ""))
	assert.Equal(t, "stop", props.String("stop-command", ""))
	assert.Equal(t, "world\u00e9", props.String("level-name", ""), "keys are lower cased")
	assert.Equal(t, []string{"--nogui", "--port", "25565"}, props.Fields("server-args"))
}

func TestLoadCircularLookingValues(t *testing.T) {
	p := writeFile(t, t.TempDir(), "a=${b}\nb=${a}\n")
	props, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "${b}", props.String("a", ""))
}

func TestLoadMissingFile(t *testing.T) {
	props, err := Load(filepath.Join(t.TempDir(), FileName))
	require.Error(t, err)

	var re *ReadError
	require.True(t, errors.As(err, &re))
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.NotNil(t, props)
	assert.Empty(t, props)
}

func TestAccessorDefaults(t *testing.T) {
	props := Properties{"autostart": "maybe", "stop-timeout": "1m30s", "blank": "  "}

	assert.False(t, props.Bool("autostart", false))
	assert.True(t, props.Bool("missing", true))
	assert.Equal(t, 90*time.Second, props.Duration("stop-timeout", 0))
	assert.Equal(t, 5*time.Second, props.Duration("missing", 5*time.Second))
	assert.Equal(t, "def", props.String("blank", "def"))
	assert.Nil(t, props.Fields("missing"))

	clone := props.Clone()
	clone["autostart"] = "true"
	assert.Equal(t, "maybe", props["autostart"])
}
