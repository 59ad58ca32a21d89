// ABOUTME: Tests for YAML configuration parsing
// ABOUTME: Verifies defaults, file values, env overrides, and validation
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	yamlContent := `
listen:
  host: 127.0.0.1
  port: 9000

fetch:
  connect_timeout_ms: 5000
  header_timeout_ms: 7000
  idle_timeout_ms: 15000
  request_headers:
    Referer: "https://example.com/"

transcode:
  ffmpeg_path: /usr/bin/ffmpeg
  bitrate: 128k

buffering:
  pipe_bytes: 131072
  chunk_bytes: 16384

response:
  propagate_upstream_status: true

logging:
  level: debug
  json: true
`

	tmpDir := t.TempDir()
	chdir(t, tmpDir)
	cfgPath := filepath.Join(tmpDir, "config.yaml")

	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Addr() != "127.0.0.1:9000" {
		t.Errorf("expected addr 127.0.0.1:9000, got %s", cfg.Addr())
	}

	if cfg.Fetch.HeaderTimeout() != 7*time.Second {
		t.Errorf("expected header timeout 7s, got %s", cfg.Fetch.HeaderTimeout())
	}

	if cfg.Fetch.RequestHeaders["Referer"] != "https://example.com/" {
		t.Errorf("expected Referer header, got %v", cfg.Fetch.RequestHeaders)
	}

	if cfg.Transcode.Bitrate != "128k" {
		t.Errorf("expected bitrate 128k, got %s", cfg.Transcode.Bitrate)
	}

	// Not in the file, so the default stays
	if cfg.Transcode.Codec != "libmp3lame" {
		t.Errorf("expected default codec libmp3lame, got %s", cfg.Transcode.Codec)
	}

	if !cfg.Response.PropagateUpstreamStatus {
		t.Error("expected propagate_upstream_status true")
	}

	if cfg.Logging.Level != "debug" || !cfg.Logging.JSON {
		t.Errorf("unexpected logging config %+v", cfg.Logging)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("does-not-exist.yaml")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Listen.Port != 8000 {
		t.Errorf("expected default port 8000, got %d", cfg.Listen.Port)
	}

	if cfg.Buffering.PipeBytes != 262144 {
		t.Errorf("expected default pipe bytes, got %d", cfg.Buffering.PipeBytes)
	}

	if cfg.Transcode.KillGrace() != 2*time.Second {
		t.Errorf("expected kill grace 2s, got %s", cfg.Transcode.KillGrace())
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("AUDIOPROXY_LISTEN_PORT", "9100")
	t.Setenv("AUDIOPROXY_TRANSCODE_BITRATE", "320k")
	t.Setenv("AUDIOPROXY_FETCH_IDLE_TIMEOUT_MS", "1000")
	t.Setenv("AUDIOPROXY_LOGGING_JSON", "true")

	cfg, err := Load("missing.yaml")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Listen.Port != 9100 {
		t.Errorf("expected port 9100, got %d", cfg.Listen.Port)
	}

	if cfg.Transcode.Bitrate != "320k" {
		t.Errorf("expected bitrate 320k, got %s", cfg.Transcode.Bitrate)
	}

	if cfg.Fetch.IdleTimeout() != time.Second {
		t.Errorf("expected idle timeout 1s, got %s", cfg.Fetch.IdleTimeout())
	}

	if !cfg.Logging.JSON {
		t.Error("expected JSON logging from env")
	}
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("AUDIOPROXY_TRANSCODE_FFMPEG_PATH=/opt/ffmpeg/bin/ffmpeg\n"), 0644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("AUDIOPROXY_TRANSCODE_FFMPEG_PATH") })

	cfg, err := Load("missing.yaml")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Transcode.FFmpegPath != "/opt/ffmpeg/bin/ffmpeg" {
		t.Errorf("expected ffmpeg path from .env, got %s", cfg.Transcode.FFmpegPath)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}

	cfg.Buffering.ChunkBytes = cfg.Buffering.PipeBytes * 2
	cfg.Listen.Port = 70000
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error")
	}
}

func TestLoad_BadYAML(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("listen: [not, a, map"), 0644)

	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (equivalent of testing.T.Chdir, added in Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Errorf("restore working directory: %v", err)
		}
	})
}
