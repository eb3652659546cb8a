package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/ehr/summary/internal/domain/summary"
)

type fakeCompleter struct {
	reply string
	err   error
	req   openai.ChatCompletionRequest
}

func (f *fakeCompleter) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.req = req
	if f.err != nil {
		return openai.ChatCompletionResponse{}, f.err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: f.reply}}},
	}, nil
}

func testDoc(content string) *summary.ProcessedDocument {
	return &summary.ProcessedDocument{
		Ref:       summary.DocumentRef{ID: uuid.New(), Type: "discharge_summary", UploadedAt: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
		PatientID: uuid.New(),
		Content:   content,
	}
}

func TestOpenAI_ParsesJSONReply(t *testing.T) {
	fc := &fakeCompleter{reply: `{"diagnoses":["Hypertension",{"name":"Type 2 Diabetes","confidence":0.9}],"medications":[{"name":"Metformin","dose":"500mg"}]}`}
	ex := newOpenAI(fc, Config{})

	raw, err := ex.Extract(context.Background(), testDoc("Patient with HTN and T2DM on metformin."))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(raw.Diagnoses) != 2 || len(raw.Medications) != 1 {
		t.Fatalf("unexpected entities: %d diagnoses, %d medications", len(raw.Diagnoses), len(raw.Medications))
	}
	if fc.req.ResponseFormat == nil || fc.req.ResponseFormat.Type != openai.ChatCompletionResponseFormatTypeJSONObject {
		t.Error("expected JSON response format")
	}
	if fc.req.Model != "gpt-4o-mini" {
		t.Errorf("expected default model, got %s", fc.req.Model)
	}
}

func TestOpenAI_StripsCodeFence(t *testing.T) {
	fc := &fakeCompleter{reply: "```json\n{\"alerts\":[{\"type\":\"allergy\",\"message\":\"penicillin\"}]}\n```"}
	raw, err := newOpenAI(fc, Config{}).Extract(context.Background(), testDoc("Allergic to penicillin."))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(raw.Alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(raw.Alerts))
	}
}

func TestOpenAI_TruncatesContent(t *testing.T) {
	fc := &fakeCompleter{reply: `{}`}
	_, err := newOpenAI(fc, Config{MaxChars: 10}).Extract(context.Background(), testDoc(strings.Repeat("a", 100)))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	user := fc.req.Messages[1].Content
	if !strings.HasSuffix(user, strings.Repeat("a", 10)) || strings.Contains(user, strings.Repeat("a", 11)) {
		t.Errorf("expected content truncated to 10 chars, got %q", user)
	}
}

func TestOpenAI_EmptyDocument(t *testing.T) {
	_, err := newOpenAI(&fakeCompleter{}, Config{}).Extract(context.Background(), testDoc("   "))
	if !errors.Is(err, ErrEmptyDocument) {
		t.Fatalf("expected ErrEmptyDocument, got %v", err)
	}
	if !summary.IsPermanent(err) {
		t.Error("expected an empty document to be a permanent failure")
	}
}

func TestOpenAI_TruncatesOnRuneBoundary(t *testing.T) {
	fc := &fakeCompleter{reply: `{}`}
	// "é" is two bytes, so a 5 byte cut lands inside the third one.
	_, err := newOpenAI(fc, Config{MaxChars: 5}).Extract(context.Background(), testDoc("éééé"))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	user := fc.req.Messages[1].Content
	if !utf8.ValidString(user) {
		t.Fatalf("expected valid UTF-8, got %q", user)
	}
	if !strings.HasSuffix(user, "\n\néé") {
		t.Errorf("expected content cut back to two runes, got %q", user)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"abc", 5, "abc"},
		{"abcdef", 3, "abc"},
		{"aé", 2, "a"},
		{"日本", 4, "日"},
		{"日本", 2, ""},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.max); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

func TestOpenAI_ProviderError(t *testing.T) {
	boom := errors.New("429 too many requests")
	_, err := newOpenAI(&fakeCompleter{err: boom}, Config{}).Extract(context.Background(), testDoc("text"))
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped provider error, got %v", err)
	}
}

func TestOpenAI_NotJSON(t *testing.T) {
	_, err := newOpenAI(&fakeCompleter{reply: "I cannot help with that."}, Config{}).Extract(context.Background(), testDoc("text"))
	if !errors.Is(err, summary.ErrUnextractable) {
		t.Fatalf("expected ErrUnextractable, got %v", err)
	}
	if !summary.IsPermanent(err) {
		t.Error("expected an undecodable reply to be a permanent failure")
	}
}

func TestNewOpenAI_AgainstHTTPServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 0,
			"model":   "gpt-4o-mini",
			"choices": []map[string]interface{}{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]string{"role": "assistant", "content": `{"labs":[{"name":"HbA1c","value":"7.2","unit":"%"}]}`},
			}},
		})
	}))
	defer srv.Close()

	ex := NewOpenAI(Config{APIKey: "test-key", BaseURL: srv.URL + "/v1", RequestsPerSecond: 10})
	raw, err := ex.Extract(context.Background(), testDoc("HbA1c 7.2%"))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(raw.Labs) != 1 {
		t.Fatalf("expected 1 lab, got %d", len(raw.Labs))
	}
}
