package core

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogRotatorRotatesAtLimit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dispatch.log")

	r, err := NewLogRotator(path, 1)
	require.NoError(t, err)
	defer r.Close()
	// 测试里把阈值压到几十字节，触发轮转
	r.maxSize = 32

	_, err = r.Write([]byte(strings.Repeat("a", 30) + "\n"))
	require.NoError(t, err)
	_, err = r.Write([]byte("second line\n"))
	require.NoError(t, err)

	old, err := os.ReadFile(path + ".old")
	require.NoError(t, err)
	assert.Contains(t, string(old), "aaa")

	current, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second line\n", string(current))
}

func TestLogRotatorDegradesWhenRenameFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dispatch.log")

	r, err := NewLogRotator(path, 1)
	require.NoError(t, err)
	defer r.Close()
	r.maxSize = 16

	// 占住 .old 路径让改名必然失败
	require.NoError(t, os.Mkdir(path+".old", 0o755))

	_, err = r.Write([]byte(strings.Repeat("a", 20) + "\n"))
	require.NoError(t, err)

	// 轮转失败后继续写原文件，不得中断
	n, err := r.Write([]byte("still logging\n"))
	require.NoError(t, err)
	assert.Equal(t, len("still logging\n"), n)

	current, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(current), "still logging")
}
