package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOwner(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    *OwnerConfig
		wantErr bool
	}{
		{name: "empty", input: "", want: nil},
		{name: "valid", input: "1000:1000", want: &OwnerConfig{UID: 1000, GID: 1000}},
		{name: "missing gid", input: "1000", wantErr: true},
		{name: "too many parts", input: "1:2:3", wantErr: true},
		{name: "non numeric", input: "root:root", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseOwner(tt.input)
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWriteFile_ReplacesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "baseline.json")

	require.NoError(t, WriteFile(path, []byte("first"), 0o644, nil))
	require.NoError(t, WriteFile(path, []byte("second"), 0o644, nil))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}
