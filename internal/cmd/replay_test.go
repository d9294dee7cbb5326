package cmd_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/stealthrocket/sysreplay/internal/assert"
	"github.com/stealthrocket/sysreplay/internal/cmd"
	"github.com/stealthrocket/sysreplay/internal/config"
)

// run invokes the program with args and returns what it printed on stdout.
func run(t *testing.T, args ...string) (string, int) {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "stdout")
	assert.OK(t, err)
	defer f.Close()

	stdout := os.Stdout
	os.Stdout = f
	rc := cmd.Root(context.Background(), args...)
	os.Stdout = stdout

	b, err := os.ReadFile(f.Name())
	assert.OK(t, err)
	return string(b), rc
}

// setup writes a CSV trace creating and removing a directory, isolates the
// test from the user configuration, and returns the path of the CSV file and
// of the directory.
func setup(t *testing.T) (csvPath, dirPath string) {
	dir := t.TempDir()
	t.Setenv(config.EnvVar, filepath.Join(dir, "config.yaml"))

	dirPath = filepath.Join(dir, "dir")
	csvPath = filepath.Join(dir, "trace.csv")
	rows := []string{
		"kind,unique_id,time_called,time_returned,time_recorded,pid,return_value,errno",
		"umask,1,0,1,1,7,0,0,0",
		"mkdir,2,2,3,3,7,0,0,0750," + dirPath,
		"stat,3,4,5,5,7,0,0," + dirPath,
		"rmdir,4,6,7,7,7,0,0," + dirPath,
		fmt.Sprintf("stat,5,8,9,9,7,-1,%d,%s", 2, dirPath), // ENOENT
		"exit,6,10,10,10,7,0,0,0",
	}
	assert.OK(t, os.WriteFile(csvPath, []byte(strings.Join(rows, "\n")+"\n"), 0644))
	return csvPath, dirPath
}

func convertTrace(t *testing.T, csvPath string) string {
	t.Helper()
	tracePath := filepath.Join(filepath.Dir(csvPath), "trace.systrace")
	out, rc := run(t, "convert", "-o", tracePath, csvPath)
	assert.Equal(t, rc, 0)
	assert.Equal(t, out, "sysreplay convert: 6 rows converted to "+tracePath+"\n")
	return tracePath
}

type report struct {
	Mode       string `json:"mode"       yaml:"mode"`
	Records    int64  `json:"records"    yaml:"records"`
	Mismatches int64  `json:"mismatches" yaml:"mismatches"`
	Orphans    int64  `json:"orphans"    yaml:"orphans"`
	Syscalls   []struct {
		Kind  string `json:"kind"  yaml:"kind"`
		Calls int64  `json:"calls" yaml:"calls"`
	} `json:"syscalls" yaml:"syscalls"`
}

func TestConvertAndDescribe(t *testing.T) {
	csvPath, _ := setup(t)
	tracePath := convertTrace(t, csvPath)

	out, rc := run(t, "describe", "-o", "json", tracePath)
	assert.Equal(t, rc, 0)

	var desc struct {
		Path   string `json:"path"`
		Header struct {
			Major       int    `json:"major"`
			Compression string `json:"compression"`
		} `json:"header"`
		Rows  int64 `json:"rows"`
		Kinds []struct {
			Kind string `json:"kind"`
			Rows int64  `json:"rows"`
		} `json:"kinds"`
	}
	assert.OK(t, json.Unmarshal([]byte(out), &desc))
	assert.Equal(t, desc.Path, tracePath)
	assert.Equal(t, desc.Header.Compression, "zstd")
	assert.Equal(t, desc.Rows, int64(6))
	assert.Equal(t, len(desc.Kinds), 5)

	rows := make(map[string]int64)
	for _, k := range desc.Kinds {
		rows[k.Kind] = k.Rows
	}
	assert.Equal(t, rows["stat"], int64(2))
	assert.Equal(t, rows["umask"], int64(1))

	out, rc = run(t, "describe", tracePath)
	assert.Equal(t, rc, 0)
	assert.HasPrefix(t, out, "Trace: "+tracePath+"\n")
}

func TestConvertCompressionFromConfig(t *testing.T) {
	csvPath, _ := setup(t)
	assert.OK(t, os.WriteFile(os.Getenv(config.EnvVar), []byte("convert:\n  compression: snappy\n"), 0644))
	tracePath := convertTrace(t, csvPath)

	out, rc := run(t, "describe", "-o", "yaml", tracePath)
	assert.Equal(t, rc, 0)

	var desc struct {
		Header struct {
			Compression string `yaml:"compression"`
		} `yaml:"header"`
	}
	assert.OK(t, yaml.Unmarshal([]byte(out), &desc))
	assert.Equal(t, desc.Header.Compression, "snappy")
}

func TestReplay(t *testing.T) {
	csvPath, dirPath := setup(t)
	tracePath := convertTrace(t, csvPath)
	logPath := filepath.Join(t.TempDir(), "replay.log")

	out, rc := run(t, "replay", "-o", "json", "-l", logPath, "-w", "warn", tracePath)
	assert.Equal(t, rc, 0)

	var r report
	assert.OK(t, json.Unmarshal([]byte(out), &r))
	assert.Equal(t, r.Mode, "replay")
	assert.Equal(t, r.Records, int64(6))
	assert.Equal(t, r.Mismatches, int64(0))
	assert.Equal(t, r.Orphans, int64(0))

	_, err := os.Stat(dirPath)
	assert.True(t, os.IsNotExist(err))

	b, err := os.ReadFile(logPath)
	assert.OK(t, err)
	assert.True(t, strings.Contains(string(b), "session="))
}

func TestReplayAnalysisFromEnvironment(t *testing.T) {
	csvPath, dirPath := setup(t)
	tracePath := convertTrace(t, csvPath)
	t.Setenv("SYSREPLAY_OUTPUT", "yaml")

	out, rc := run(t, "replay", "-a", tracePath)
	assert.Equal(t, rc, 0)

	var r report
	assert.OK(t, yaml.Unmarshal([]byte(out), &r))
	assert.Equal(t, r.Mode, "analysis")
	assert.Equal(t, r.Records, int64(6))

	calls := make(map[string]int64)
	for _, s := range r.Syscalls {
		calls[s.Kind] = s.Calls
	}
	assert.Equal(t, calls["stat"], int64(2))

	_, err := os.Stat(dirPath)
	assert.True(t, os.IsNotExist(err))
}

func TestReplayUsageErrors(t *testing.T) {
	csvPath, _ := setup(t)
	tracePath := convertTrace(t, csvPath)

	for _, args := range [][]string{
		{"replay"},
		{"replay", "-v", tracePath},
		{"replay", "-V", tracePath},
		{"replay", "-w", "warn", tracePath},
		{"replay", "-w", "sometimes", tracePath},
		{"replay", "extra", "--ordering", "random", tracePath},
	} {
		t.Run(strings.Join(args, " "), func(t *testing.T) {
			_, rc := run(t, args...)
			assert.Equal(t, rc, 2)
		})
	}
}

func TestReplayMissingTrace(t *testing.T) {
	setup(t)
	_, rc := run(t, "replay", filepath.Join(t.TempDir(), "missing.systrace"))
	assert.Equal(t, rc, 1)
}

func TestConfigDefaults(t *testing.T) {
	setup(t)
	out, rc := run(t, "config", "-o", "json")
	assert.Equal(t, rc, 0)

	var c config.Config
	assert.OK(t, json.Unmarshal([]byte(out), &c))
	assert.DeepEqual(t, &c, config.Default())
}

func TestConfigText(t *testing.T) {
	setup(t)
	content := "# tuned for large traces\nreplay:\n  batch_size: 1024\n"
	assert.OK(t, os.WriteFile(os.Getenv(config.EnvVar), []byte(content), 0644))

	out, rc := run(t, "config")
	assert.Equal(t, rc, 0)
	assert.Equal(t, out, content)

	assert.OK(t, os.WriteFile(os.Getenv(config.EnvVar), []byte("replay:\n  batch: 1024\n"), 0644))
	_, rc = run(t, "config")
	assert.Equal(t, rc, 1)
}
