package media

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestASRClientTranscribe(t *testing.T) {
	wavPath := filepath.Join(t.TempDir(), "audio.wav")
	if err := os.WriteFile(wavPath, []byte("RIFF fake wav payload"), 0o644); err != nil {
		t.Fatalf("write wav: %v", err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/transcribe" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("read form file: %v", err)
		}
		defer file.Close()
		if header.Filename != "audio.wav" {
			t.Errorf("unexpected filename %q", header.Filename)
		}
		json.NewEncoder(w).Encode(asrResponse{
			Segments: []TranscriptSegment{
				{Text: "hello", StartMS: 0, EndMS: 900},
				{Text: "world", StartMS: 900, EndMS: 1500},
			},
			Language: "en",
		})
	}))
	defer server.Close()

	client := NewASRClient(ASRConfig{BaseURL: server.URL})
	transcript, err := client.Transcribe(context.Background(), wavPath)
	if err != nil {
		t.Fatalf("Transcribe returned error: %v", err)
	}
	if len(transcript.Segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(transcript.Segments))
	}
	if transcript.Text() != "hello\nworld" {
		t.Fatalf("unexpected transcript text %q", transcript.Text())
	}
	if transcript.Language != "en" {
		t.Fatalf("unexpected language %q", transcript.Language)
	}
}

func TestParseMeanVolume(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		want    float64
		wantErr bool
	}{
		{
			name:   "typical speech",
			output: "[Parsed_volumedetect_0 @ 0x1] mean_volume: -23.5 dB\n[Parsed_volumedetect_0 @ 0x1] max_volume: -4.0 dB",
			want:   -23.5,
		},
		{
			name:   "silence",
			output: "mean_volume: -91.0 dB",
			want:   -91.0,
		},
		{
			name:    "missing report",
			output:  "frame=  100 fps=0.0",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseMeanVolume([]byte(tt.output))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseMeanVolume returned error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("parseMeanVolume = %v, want %v", got, tt.want)
			}
		})
	}
}
