package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOllamaGenerate(t *testing.T) {
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %q, want /api/chat", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		json.NewEncoder(w).Encode(chatResponse{
			Message: ollamaMessage{Role: "assistant", Content: "Thanks for reaching out."},
		})
	}))
	defer srv.Close()

	o := NewOllama(srv.URL)
	text, err := o.Generate(context.Background(), []Message{
		{Role: "system", Content: "be helpful"},
		{Role: "user", Content: "hi"},
	}, GenConfig{Model: "llama3.2", Temperature: 0.7})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if text != "Thanks for reaching out." {
		t.Errorf("text = %q", text)
	}
	if gotReq.Model != "llama3.2" {
		t.Errorf("model = %q, want llama3.2", gotReq.Model)
	}
	if gotReq.Stream {
		t.Error("stream = true, want false")
	}
	if len(gotReq.Messages) != 2 || gotReq.Messages[0].Role != "system" {
		t.Errorf("messages = %+v", gotReq.Messages)
	}
	if gotReq.Options == nil || gotReq.Options.Temperature != 0.7 {
		t.Errorf("options = %+v, want temperature 0.7", gotReq.Options)
	}
}

func TestOllamaGenerateUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	o := NewOllama(srv.URL)
	_, err := o.Generate(context.Background(), []Message{{Role: "user", Content: "hi"}}, GenConfig{Model: "nope"})
	if err == nil {
		t.Fatal("Generate: expected error")
	}

	var genErr *GenError
	if !errors.As(err, &genErr) {
		t.Fatalf("err = %T, want *GenError", err)
	}
	if genErr.Provider != "ollama" {
		t.Errorf("Provider = %q, want ollama", genErr.Provider)
	}
}

func TestOllamaIsRunning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"models":[]}`))
	}))
	defer srv.Close()

	o := NewOllama(srv.URL)
	if !o.IsRunning(context.Background()) {
		t.Error("IsRunning() = false, want true")
	}

	srv.Close()
	if o.IsRunning(context.Background()) {
		t.Error("IsRunning() = true after close, want false")
	}
}

func TestOllamaListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"models":[{"name":"llama3.2:latest"},{"name":"phi3.5:latest"}]}`))
	}))
	defer srv.Close()

	o := NewOllama(srv.URL)
	models, err := o.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 2 || models[0] != "llama3.2:latest" {
		t.Errorf("models = %v", models)
	}
}
