package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/metaboflow/metaboflow/internal/model"
	"github.com/metaboflow/metaboflow/pkg/stages"
)

func newTestServer() *Server {
	return NewServer(Config{Addr: ":0"})
}

func postJSON(t *testing.T, s *Server, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("encoding request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func serverDocs() []*model.SampleDocument {
	return []*model.SampleDocument{
		{
			FileName: "a.mzML",
			Spectra: []model.Spectrum{
				{
					ID: "scan=1", ScanNumber: 1, MSLevel: 1, RetentionTime: 1.0,
					Peaks: []model.Peak{
						{Mz: 180.063, Intensity: 1500},
						{Mz: 181.07, Intensity: 50},
					},
				},
			},
		},
	}
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status field = %q", body["status"])
	}
}

func TestProcessEndpoint(t *testing.T) {
	s := newTestServer()
	rec := postJSON(t, s, "/process", map[string]interface{}{
		"step":       "peak_detection",
		"data":       serverDocs(),
		"parameters": map[string]interface{}{"noise_threshold": 1000.0},
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Data          []*model.SampleDocument `json:"data"`
		Message       string                  `json:"message"`
		PeaksDetected int                     `json:"peaksDetected"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Data) != 1 || len(resp.Data[0].DetectedPeaks) != 1 {
		t.Errorf("documents = %+v", resp.Data)
	}
	if resp.PeaksDetected != 1 {
		t.Errorf("peaksDetected = %d", resp.PeaksDetected)
	}
	if resp.Message == "" {
		t.Error("missing message")
	}
}

func TestProcessEndpointValidation(t *testing.T) {
	s := newTestServer()

	rec := postJSON(t, s, "/process", map[string]interface{}{
		"step": "peak_detection",
		"data": []interface{}{},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty data: status = %d", rec.Code)
	}

	rec = postJSON(t, s, "/process", map[string]interface{}{
		"step": "mystery_stage",
		"data": serverDocs(),
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown step: status = %d", rec.Code)
	}

	// Stage failure surfaces as a 500 with the stage error.
	rec = postJSON(t, s, "/process", map[string]interface{}{
		"step": "alignment",
		"data": serverDocs(),
	})
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("failing stage: status = %d", rec.Code)
	}
	var errResp ErrorResponse
	json.Unmarshal(rec.Body.Bytes(), &errResp)
	if errResp.Error == "" {
		t.Error("missing error message")
	}
}

func TestRunEndpointAndHistory(t *testing.T) {
	s := newTestServer()
	rec := postJSON(t, s, "/v1/run", map[string]interface{}{
		"steps": []stages.StepConfig{
			{ID: "s1", Type: stages.StepPeakDetection, Name: "peak_detection"},
		},
		"data": serverDocs(),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var res struct {
		RunID   string `json:"runId"`
		Success bool   `json:"success"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decoding run result: %v", err)
	}
	if !res.Success || res.RunID == "" {
		t.Errorf("run result = %+v", res)
	}

	// The run shows up in history.
	listReq := httptest.NewRequest(http.MethodGet, "/v1/runs", nil)
	listRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(listRec, listReq)
	if listRec.Code != http.StatusOK {
		t.Fatalf("list status = %d", listRec.Code)
	}
	var list struct {
		Runs []struct {
			RunID string `json:"runId"`
		} `json:"runs"`
	}
	if err := json.Unmarshal(listRec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decoding list: %v", err)
	}
	if len(list.Runs) != 1 || list.Runs[0].RunID != res.RunID {
		t.Errorf("runs = %+v", list.Runs)
	}

	// And by ID.
	getReq := httptest.NewRequest(http.MethodGet, "/v1/runs/"+res.RunID, nil)
	getRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Errorf("get status = %d", getRec.Code)
	}

	missingReq := httptest.NewRequest(http.MethodGet, "/v1/runs/does-not-exist", nil)
	missingRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(missingRec, missingReq)
	if missingRec.Code != http.StatusNotFound {
		t.Errorf("missing run status = %d", missingRec.Code)
	}
}

func TestRunEndpointRejectsEmptyWorkflow(t *testing.T) {
	s := newTestServer()
	rec := postJSON(t, s, "/v1/run", map[string]interface{}{
		"steps": []interface{}{},
		"data":  serverDocs(),
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
