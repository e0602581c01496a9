package common

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"
)

func TestLogLevel_String(t *testing.T) {
	tests := []struct {
		level    LogLevel
		expected string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{LogLevel(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.level.String(); got != tt.expected {
				t.Errorf("LogLevel.String() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", LevelDebug},
		{"TRACE", LevelDebug},
		{" warn ", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"info", LevelInfo},
		{"bogus", LevelInfo},
		{"", LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseLogLevel(tt.in); got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func newTestAppLogger(buf *bytes.Buffer, level LogLevel) *AppLogger {
	l := log.New()
	l.SetOutput(buf)
	l.SetFormatter(&log.TextFormatter{DisableColors: true, DisableTimestamp: true})
	logger := &AppLogger{logger: l}
	logger.SetLevel(level)
	return logger
}

func TestAppLogger_SetLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestAppLogger(&buf, LevelInfo)

	logger.SetLevel(LevelDebug)
	if logger.Level() != LevelDebug {
		t.Errorf("SetLevel did not update level, got %v, want %v", logger.Level(), LevelDebug)
	}
	if logger.Logrus().GetLevel() != log.DebugLevel {
		t.Errorf("logrus level = %v, want debug", logger.Logrus().GetLevel())
	}
}

func TestAppLogger_LogFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestAppLogger(&buf, LevelWarn)

	// Debug and Info should be filtered
	logger.Debug("debug message")
	logger.Info("info message")

	if buf.Len() > 0 {
		t.Error("Debug/Info messages should be filtered when level is Warn")
	}

	logger.Warn("warn message")
	if !strings.Contains(buf.String(), "level=warning") {
		t.Errorf("Warn message should be logged, got %q", buf.String())
	}

	buf.Reset()
	logger.Error("error message")
	if !strings.Contains(buf.String(), "level=error") {
		t.Errorf("Error message should be logged, got %q", buf.String())
	}
}

func TestAppLogger_LogFormatting(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestAppLogger(&buf, LevelDebug)

	logger.Info("Test message with %s", "formatting")

	output := buf.String()

	if !strings.Contains(output, "Test message with formatting") {
		t.Errorf("Log should contain formatted message, got %q", output)
	}

	if !strings.Contains(output, "caller=logger_test.go:") {
		t.Errorf("Log should contain caller annotation, got %q", output)
	}
}

func TestDefaultLogConfig(t *testing.T) {
	if defaultMaxFileSize != 5*1024*1024 {
		t.Errorf("defaultMaxFileSize = %v, want 5MB", defaultMaxFileSize)
	}

	if defaultMaxBackups != 5 {
		t.Errorf("defaultMaxBackups = %v, want 5", defaultMaxBackups)
	}
}

func TestEnableFileLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestAppLogger(&buf, LevelInfo)

	logPath := filepath.Join(t.TempDir(), "logs", "test.log")
	if err := logger.EnableFileLogging(logPath, 1024*1024, 2); err != nil {
		t.Fatalf("EnableFileLogging() error = %v", err)
	}
	defer logger.Close()

	logger.Info("written to file")

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "written to file") {
		t.Errorf("log file should contain the message, got %q", string(data))
	}
	if logger.FilePath() != logPath {
		t.Errorf("FilePath() = %q, want %q", logger.FilePath(), logPath)
	}
}

func TestEnableFileLogging_RejectsSymlink(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestAppLogger(&buf, LevelInfo)

	dir := t.TempDir()
	target := filepath.Join(dir, "target.log")
	if err := os.WriteFile(target, nil, 0600); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "link.log")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	if err := logger.EnableFileLogging(link, 1024*1024, 2); err == nil {
		t.Error("EnableFileLogging should refuse a symlinked log file")
	}
}

func TestGetConfigDir(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	dir, err := GetConfigDir()
	if err != nil {
		t.Fatalf("GetConfigDir() error = %v", err)
	}

	if !strings.HasSuffix(dir, ConfigDirName) {
		t.Errorf("GetConfigDir() = %v, should end with %v", dir, ConfigDirName)
	}
}

func TestFileExists(t *testing.T) {
	tempFile, err := os.CreateTemp(t.TempDir(), "test")
	if err != nil {
		t.Fatal(err)
	}
	tempFile.Close()

	if !FileExists(tempFile.Name()) {
		t.Error("FileExists() should return true for existing file")
	}

	if FileExists("/nonexistent/path/to/file") {
		t.Error("FileExists() should return false for non-existing file")
	}
}

func TestGenerateID(t *testing.T) {
	id1 := GenerateID()
	id2 := GenerateID()

	if len(id1) != 36 {
		t.Errorf("GenerateID() length = %v, want 36", len(id1))
	}

	if id1 == id2 {
		t.Error("GenerateID() should return unique IDs")
	}

	if !IsValidID(id1) {
		t.Errorf("GenerateID() = %q should be a valid id", id1)
	}
}

func TestIsValidID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"vpn1", true},
		{"3f1c2a7e-0000-4000-8000-000000000001", true},
		{"home_office.v2", true},
		{"", false},
		{".", false},
		{"..", false},
		{"../etc/passwd", false},
		{"a/b", false},
		{`a\b`, false},
		{"with space", false},
		{strings.Repeat("a", 129), false},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			if got := IsValidID(tt.id); got != tt.want {
				t.Errorf("IsValidID(%q) = %v, want %v", tt.id, got, tt.want)
			}
		})
	}
}

func TestStringInSlice(t *testing.T) {
	slice := []string{"a", "b", "c"}

	if !StringInSlice("b", slice) {
		t.Error("StringInSlice should return true for existing element")
	}

	if StringInSlice("d", slice) {
		t.Error("StringInSlice should return false for non-existing element")
	}
}
