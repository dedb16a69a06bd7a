package provider

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const defaultOutputDir = "./mail-out"

// File writes each message as a .eml file into a directory.
type File struct {
	outputDir string
}

// NewFile creates a File provider writing to dir, or ./mail-out when empty.
func NewFile(dir string) *File {
	if dir == "" {
		dir = defaultOutputDir
	}
	return &File{outputDir: dir}
}

func (f *File) GetName() string { return "file" }

// Send writes the encoded message to <timestamp>_<id>.eml.
func (f *File) Send(_ context.Context, msg *Message) (*DeliveryResult, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if err := os.MkdirAll(f.outputDir, 0o750); err != nil {
		return nil, fmt.Errorf("file: create output dir: %w", err)
	}

	ts := time.Now().Format("20060102_150405")
	name := fmt.Sprintf("%s_%s.eml", ts, strings.ReplaceAll(msg.ID, "/", "_"))
	path := filepath.Join(f.outputDir, name)

	if err := os.WriteFile(path, preview(msg), 0o640); err != nil {
		return nil, fmt.Errorf("file: write %s: %w", path, err)
	}

	return &DeliveryResult{
		ProviderMessageID: "file-" + msg.ID,
		Status:            StatusSent,
		Timestamp:         time.Now(),
		Metadata:          map[string]string{"path": path},
	}, nil
}

// HealthCheck verifies the output directory is writable.
func (f *File) HealthCheck(_ context.Context) error {
	if err := os.MkdirAll(f.outputDir, 0o750); err != nil {
		return fmt.Errorf("file: output dir not writable: %w", err)
	}
	return nil
}
