package envconfig

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gotest.tools/v3/fs"
)

// isolate points every config file location at an empty directory.
func isolate(t *testing.T) string {
	t.Helper()

	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, "xdg"))
	t.Setenv("XDG_DATA_HOME", "")
	for k := range AsMap() {
		t.Setenv(k, "")
	}
	t.Cleanup(ReloadConfigFile)

	ReloadConfigFile()
	return home
}

func TestConfig(t *testing.T) {
	isolate(t)

	require.Equal(t, 0, Debug)
	require.True(t, SaveMemory)
	require.Equal(t, "cpu", Backend)
	require.Equal(t, DefaultSteps, Steps)
	require.InDelta(t, DefaultGuidance, Guidance, 1e-9)

	t.Setenv("STAGEDIFF_DEBUG", "false")
	LoadConfig()
	require.Equal(t, 0, Debug)

	t.Setenv("STAGEDIFF_DEBUG", "1")
	LoadConfig()
	require.Equal(t, 1, Debug)

	t.Setenv("STAGEDIFF_DEBUG", "2")
	LoadConfig()
	require.Equal(t, 2, Debug)

	t.Setenv("STAGEDIFF_DEBUG", "yes please")
	LoadConfig()
	require.Equal(t, 1, Debug)

	t.Setenv("STAGEDIFF_SAVE_MEMORY", "0")
	t.Setenv("STAGEDIFF_MAX_MEMORY", "1073741824")
	t.Setenv("STAGEDIFF_NUM_THREADS", "4")
	t.Setenv("STAGEDIFF_STEPS", "12")
	t.Setenv("STAGEDIFF_GUIDANCE", "3.5")
	t.Setenv("STAGEDIFF_MODELS", "/srv/models")
	LoadConfig()
	assert.False(t, SaveMemory)
	assert.EqualValues(t, 1<<30, MaxMemory)
	assert.Equal(t, 4, NumThreads)
	assert.Equal(t, 12, Steps)
	assert.InDelta(t, 3.5, Guidance, 1e-9)
	assert.Equal(t, "/srv/models", ModelsDir)

	t.Setenv("STAGEDIFF_STEPS", "-3")
	t.Setenv("STAGEDIFF_NUM_THREADS", "many")
	LoadConfig()
	assert.Equal(t, DefaultSteps, Steps)
	assert.Equal(t, 0, NumThreads)
}

func TestOrigins(t *testing.T) {
	isolate(t)

	t.Setenv("STAGEDIFF_ORIGINS", "http://10.0.0.1,app://*")
	LoadConfig()

	assert.Equal(t, []string{"http://10.0.0.1", "app://*"}, AllowOrigins[:2])
	assert.Contains(t, AllowOrigins, "http://localhost:*")
	assert.Len(t, AllowOrigins, 2+4*len(defaultAllowOrigins))
}

func TestConfigFile(t *testing.T) {
	isolate(t)

	dir := fs.NewDir(t, "config", fs.WithDir("stagediff", fs.WithFile("config.toml", `
[server]
host = "0.0.0.0:9000"

[models]
path = "/data/sd"

[performance]
save_memory = false
num_threads = 3

[generate]
steps = 20

[logging]
debug = 2
`)))
	t.Setenv("XDG_CONFIG_HOME", dir.Path())
	ReloadConfigFile()

	assert.Equal(t, dir.Join("stagediff", "config.toml"), ConfigPath())
	assert.Equal(t, "/data/sd", ModelsDir)
	assert.False(t, SaveMemory)
	assert.Equal(t, 3, NumThreads)
	assert.Equal(t, 20, Steps)
	assert.Equal(t, 2, Debug)
	assert.InDelta(t, DefaultGuidance, Guidance, 1e-9)

	host, err := Host()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", host.Host)

	// the environment wins over the file
	t.Setenv("STAGEDIFF_STEPS", "5")
	LoadConfig()
	assert.Equal(t, 5, Steps)
}

func TestConfigFileInvalid(t *testing.T) {
	isolate(t)

	dir := fs.NewDir(t, "config", fs.WithDir("stagediff", fs.WithFile("config.toml", "[server\nhost=")))
	t.Setenv("XDG_CONFIG_HOME", dir.Path())
	ReloadConfigFile()

	assert.Empty(t, ConfigPath())
	assert.Equal(t, DefaultSteps, Steps)
}

func TestDotEnv(t *testing.T) {
	home := isolate(t)

	dir := filepath.Join(home, ".stagediff")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("STAGEDIFF_STEPS=9\nSTAGEDIFF_BACKEND=cpu\n"), 0o644))

	// godotenv does not override variables that are already set
	t.Setenv("STAGEDIFF_BACKEND", "other")
	require.NoError(t, os.Unsetenv("STAGEDIFF_STEPS"))

	require.NoError(t, LoadDotEnv())
	assert.Equal(t, 9, Steps)
	assert.Equal(t, "other", Backend)
}

func TestHost(t *testing.T) {
	type testCase struct {
		value  string
		expect string
		err    error
	}

	hostTestCases := map[string]*testCase{
		"empty":               {value: "", expect: "127.0.0.1:11550"},
		"only address":        {value: "1.2.3.4", expect: "1.2.3.4:11550"},
		"only port":           {value: ":1234", expect: ":1234"},
		"address and port":    {value: "1.2.3.4:1234", expect: "1.2.3.4:1234"},
		"hostname":            {value: "example.com", expect: "example.com:11550"},
		"hostname and port":   {value: "example.com:1234", expect: "example.com:1234"},
		"zero port":           {value: ":0", expect: ":0"},
		"too large port":      {value: ":66000", err: ErrInvalidHostPort},
		"too small port":      {value: ":-1", err: ErrInvalidHostPort},
		"ipv6 localhost":      {value: "[::1]", expect: "[::1]:11550"},
		"ipv6 world open":     {value: "[::]", expect: "[::]:11550"},
		"ipv6 no brackets":    {value: "::1", expect: "[::1]:11550"},
		"ipv6 + port":         {value: "[::1]:1337", expect: "[::1]:1337"},
		"extra space":         {value: " 1.2.3.4 ", expect: "1.2.3.4:11550"},
		"extra quotes":        {value: "\"1.2.3.4\"", expect: "1.2.3.4:11550"},
		"extra single quotes": {value: "'1.2.3.4'", expect: "1.2.3.4:11550"},
		"https scheme":        {value: "https://example.com", expect: "example.com:443"},
	}

	isolate(t)
	for k, v := range hostTestCases {
		t.Run(k, func(t *testing.T) {
			t.Setenv("STAGEDIFF_HOST", v.value)

			h, err := Host()
			if err != v.err {
				t.Fatalf("expected %v, got %v", v.err, err)
			}

			if err == nil {
				host, port, err := net.SplitHostPort(h.Host)
				require.NoError(t, err)
				got := net.JoinHostPort(host, port)
				assert.Equal(t, v.expect, got, fmt.Sprintf("%s: expected %s, got %s", k, v.expect, got))
			}
		})
	}
}
