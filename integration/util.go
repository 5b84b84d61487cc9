//go:build integration
// +build integration

package integration

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"

	"github.com/bitrise-io/go-utils/v2/command"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

var logger = log.NewLogger()

func checksumOf(bytes []byte) string {
	hash := sha256.New()
	hash.Write(bytes)
	return hex.EncodeToString(hash.Sum(nil))
}

// listArchiveContents returns the entry names of an archive relative to the bundled directory.
func listArchiveContents(path string) ([]string, error) {
	output, err := command.NewFactory(env.NewRepository()).
		Create("tar", []string{"--use-compress-program", "zstd -d", "-tf", path}, nil).
		RunAndReturnTrimmedCombinedOutput()

	if err != nil {
		return nil, fmt.Errorf("failed to list archive contents, out: %s, error: %w", output, err)
	}

	var contentList []string
	for _, content := range strings.Split(output, "\n") {
		content = strings.TrimPrefix(content, "./")
		content = strings.TrimSuffix(content, string(os.PathSeparator))
		if content == "" || content == "." {
			continue
		}
		contentList = append(contentList, content)
	}

	return contentList, nil
}

func checkTools(t *testing.T) {
	for _, tool := range []string{"tar", "zstd"} {
		if _, err := exec.LookPath(tool); err != nil {
			t.Skipf("%s is required for this test", tool)
		}
	}
}

// requireEnv returns the value of every key or skips the test if one is missing.
func requireEnv(t *testing.T, keys ...string) []string {
	var values []string
	for _, key := range keys {
		value := os.Getenv(key)
		if value == "" {
			t.Skipf("%s is not set", key)
		}
		values = append(values, value)
	}
	return values
}

type staticChecker bool

func (c staticChecker) CheckDependencies() bool {
	return bool(c)
}

type fakeEnvRepo struct {
	envVars map[string]string
}

func (repo fakeEnvRepo) Get(key string) string {
	value, ok := repo.envVars[key]
	if ok {
		return value
	} else {
		return ""
	}
}

func (repo fakeEnvRepo) Set(key, value string) error {
	repo.envVars[key] = value
	return nil
}

func (repo fakeEnvRepo) Unset(key string) error {
	repo.envVars[key] = ""
	return nil
}

func (repo fakeEnvRepo) List() []string {
	var values []string
	for k, v := range repo.envVars {
		values = append(values, k+"="+v)
	}
	return values
}
