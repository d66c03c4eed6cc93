package store

import (
	"bytes"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/supabase-community/supabase-go"
)

// Config holds the Supabase storage settings for transcript archiving.
type Config struct {
	URL            string
	ServiceRoleKey string
	Bucket         string
}

// Uploader is the storage slice the archive needs.
type Uploader interface {
	Upload(key, contentType string, data []byte) error
}

// SupabaseStorage uploads objects into a Supabase storage bucket.
type SupabaseStorage struct {
	client *supabase.Client
	bucket string
}

func NewSupabaseStorage(cfg Config) (*SupabaseStorage, error) {
	if cfg.URL == "" || cfg.ServiceRoleKey == "" {
		return nil, fmt.Errorf("missing Supabase configuration: SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY required")
	}
	client, err := supabase.NewClient(cfg.URL, cfg.ServiceRoleKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "transcripts"
	}
	return &SupabaseStorage{client: client, bucket: bucket}, nil
}

func (s *SupabaseStorage) Upload(key, contentType string, data []byte) error {
	_, err := s.client.Storage.UploadFile(s.bucket, key, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to upload to Supabase: %w", err)
	}
	return nil
}

// TranscriptArchive accumulates completed exchanges and uploads the running
// transcript after every turn, so a crash loses at most the in-flight one.
// Uploads run off the session's critical path.
type TranscriptArchive struct {
	uploader Uploader
	key      string

	mu    sync.Mutex
	lines []string
}

// NewTranscriptArchive starts an archive under a timestamped object key.
func NewTranscriptArchive(uploader Uploader) *TranscriptArchive {
	return &TranscriptArchive{
		uploader: uploader,
		key:      fmt.Sprintf("session-%s.txt", time.Now().Format("20060102-150405")),
	}
}

// RecordTurn appends one user/assistant exchange and re-uploads the
// transcript asynchronously. Matches the controller's turn hook signature.
func (a *TranscriptArchive) RecordTurn(user, assistant string) {
	a.mu.Lock()
	ts := time.Now().Format(time.RFC3339)
	a.lines = append(a.lines, fmt.Sprintf("[%s] USER: %s", ts, user))
	if assistant != "" {
		a.lines = append(a.lines, fmt.Sprintf("[%s] ASSISTANT: %s", ts, assistant))
	}
	body := a.renderLocked()
	a.mu.Unlock()

	go func() {
		if err := a.uploader.Upload(a.key, "text/plain; charset=utf-8", body); err != nil {
			log.Printf("store: transcript upload failed: %v", err)
		}
	}()
}

// renderLocked serializes the transcript. Caller holds a.mu.
func (a *TranscriptArchive) renderLocked() []byte {
	var buf bytes.Buffer
	for _, line := range a.lines {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}
