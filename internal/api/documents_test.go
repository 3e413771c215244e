package api

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDocuments_AddListDelete(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/v1/documents", map[string]any{
		"system":      "confluence",
		"external_id": "KB-100",
		"title":       "Reset VPN tunnel",
		"content":     "Run vpnctl reset on the edge gateway.",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("add status = %d, body = %s", w.Code, w.Body.String())
	}
	var added map[string]string
	decodeBody(t, w, &added)
	if added["status"] != "queued" || added["id"] == "" {
		t.Fatalf("add response = %v", added)
	}

	counts, err := env.store.CountJobs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if counts["pending"] != 1 {
		t.Errorf("pending jobs = %d, want 1", counts["pending"])
	}

	w = env.do(t, http.MethodGet, "/v1/documents?system=CONFLUENCE", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var docs []documentView
	decodeBody(t, w, &docs)
	if len(docs) != 1 || docs[0].ID != added["id"] || docs[0].ExternalID != "KB-100" || docs[0].System != "CONFLUENCE" {
		t.Fatalf("docs = %+v", docs)
	}
	if docs[0].IndexedAt != nil {
		t.Error("document reported indexed before the worker ran")
	}

	w = env.do(t, http.MethodDelete, "/v1/documents/"+added["id"], nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d", w.Code)
	}
	w = env.do(t, http.MethodDelete, "/v1/documents/"+added["id"], nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", w.Code)
	}
}

func TestDocuments_FromURL(t *testing.T) {
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head><title>Disk full runbook</title></head><body><p>Rotate the logs.</p></body></html>`))
	}))
	defer page.Close()

	env := newTestEnv(t)
	env.deps.HTTPClient = page.Client()
	env.handler = NewHandler(env.deps)

	w := env.do(t, http.MethodPost, "/v1/documents", map[string]any{
		"system": "KB",
		"url":    page.URL + "/kb/disk",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var added map[string]string
	decodeBody(t, w, &added)

	doc, err := env.store.GetDocument(context.Background(), added["id"])
	if err != nil {
		t.Fatal(err)
	}
	if doc.Title != "Disk full runbook" || doc.Content != "Rotate the logs." {
		t.Errorf("doc = %+v", doc)
	}
	if doc.ExternalID != page.URL+"/kb/disk" || doc.URL != page.URL+"/kb/disk" {
		t.Errorf("external id / url = %q / %q", doc.ExternalID, doc.URL)
	}
}

func TestDocuments_URLFetchFailure(t *testing.T) {
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer page.Close()

	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/v1/documents", map[string]any{"system": "KB", "url": page.URL})
	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", w.Code)
	}
}

func TestDocuments_Validation(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing system", map[string]any{"content": "x"}},
		{"unknown system", map[string]any{"system": "LOTUS", "content": "x"}},
		{"no body", map[string]any{"system": "JIRA"}},
		{"bad base64", map[string]any{"system": "JIRA", "pdf": "%%%"}},
		{"not a pdf", map[string]any{"system": "JIRA", "pdf": base64.StdEncoding.EncodeToString([]byte("plain"))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/v1/documents", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400; body = %s", w.Code, w.Body.String())
			}
		})
	}

	w := env.do(t, http.MethodGet, "/v1/documents?system=LOTUS", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("list with unknown system status = %d, want 400", w.Code)
	}
}
