package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

const whisperSampleRate = 16000

// WhisperClient transcribes short PCM utterances via the OpenAI
// audio/transcriptions endpoint. It is used as the wake-word recognizer.
type WhisperClient struct {
	HTTPClient *http.Client
	BaseURL    string
	APIKey     string
	Model      string
}

type transcriptionResponse struct {
	Text string `json:"text"`
}

func NewWhisperClient(baseURL, apiKey string) *WhisperClient {
	return &WhisperClient{
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		Model:      "whisper-1",
	}
}

// Recognize uploads the utterance as an in-memory WAV and returns the text.
func (c *WhisperClient) Recognize(ctx context.Context, pcm []int16) (string, error) {
	if c.APIKey == "" {
		return "", fmt.Errorf("whisper api key missing")
	}
	if len(pcm) == 0 {
		return "", nil
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(encodeWAV(pcm, whisperSampleRate)); err != nil {
		return "", err
	}
	if err := mw.WriteField("model", c.Model); err != nil {
		return "", err
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/audio/transcriptions", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("whisper error: status=%d body=%s", resp.StatusCode, string(b))
	}
	var tr transcriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", err
	}
	return strings.TrimSpace(tr.Text), nil
}

// encodeWAV wraps 16-bit mono PCM in a minimal RIFF/WAVE header.
func encodeWAV(pcm []int16, sampleRate int) []byte {
	dataLen := len(pcm) * 2
	buf := make([]byte, 0, 44+dataLen)
	w := bytes.NewBuffer(buf)

	w.WriteString("RIFF")
	binary.Write(w, binary.LittleEndian, uint32(36+dataLen))
	w.WriteString("WAVE")

	w.WriteString("fmt ")
	binary.Write(w, binary.LittleEndian, uint32(16))
	binary.Write(w, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(w, binary.LittleEndian, uint16(1)) // mono
	binary.Write(w, binary.LittleEndian, uint32(sampleRate))
	binary.Write(w, binary.LittleEndian, uint32(sampleRate*2)) // byte rate
	binary.Write(w, binary.LittleEndian, uint16(2))            // block align
	binary.Write(w, binary.LittleEndian, uint16(16))           // bits per sample

	w.WriteString("data")
	binary.Write(w, binary.LittleEndian, uint32(dataLen))
	for _, s := range pcm {
		binary.Write(w, binary.LittleEndian, uint16(s))
	}
	return w.Bytes()
}
