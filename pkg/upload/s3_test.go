package upload

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ethpandaops/testbench/pkg/config"
)

func TestResolveKey(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		runDir string
		file   string
		want   string
	}{
		{
			name:   "default prefix",
			prefix: "",
			runDir: "1769791126_12",
			file:   "run.json",
			want:   "testbench/runs/1769791126_12/run.json",
		},
		{
			name:   "custom prefix",
			prefix: "ci/epcheck",
			runDir: "1769791126_3",
			file:   "run.csv",
			want:   "ci/epcheck/runs/1769791126_3/run.csv",
		},
		{
			name:   "slashes trimmed",
			prefix: "/my-prefix/",
			runDir: "run123",
			file:   "output.log",
			want:   "my-prefix/runs/run123/output.log",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := &s3Uploader{
				cfg: &config.S3UploadConfig{Prefix: tt.prefix},
			}
			assert.Equal(t, tt.want, u.resolveKey(tt.runDir, tt.file))
		})
	}
}

func TestRunDir(t *testing.T) {
	assert.Equal(t, "1700000000_42", RunDir(42, time.Unix(1700000000, 0)))
}

func TestDetectContentType(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		wantPrefix string
	}{
		{
			name:       "json file",
			path:       "exports/run.json",
			wantPrefix: "application/json",
		},
		{
			name:       "no extension",
			path:       "exports/Makefile",
			wantPrefix: "application/octet-stream",
		},
		{
			name:       "csv file",
			path:       "exports/run.csv",
			wantPrefix: "text/csv",
		},
		{
			name:       "markdown file",
			path:       "exports/run.md",
			wantPrefix: "text/markdown",
		},
		{
			name:       "log file",
			path:       "logs/1700000000_abcd1234.log",
			wantPrefix: "text/plain",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, detectContentType(tt.path), tt.wantPrefix)
		})
	}
}
