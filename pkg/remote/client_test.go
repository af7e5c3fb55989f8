package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/metaboflow/metaboflow/internal/model"
	"github.com/metaboflow/metaboflow/pkg/errors"
	"github.com/metaboflow/metaboflow/pkg/stages"
)

func sampleDocs() []*model.SampleDocument {
	return []*model.SampleDocument{
		{
			FileName: "a.mzML",
			Spectra: []model.Spectrum{
				{ID: "scan=1", MSLevel: 1, Peaks: []model.Peak{{Mz: 180.063, Intensity: 1500}}},
			},
		},
	}
}

func TestExecuteStepRoundTrip(t *testing.T) {
	var gotReq processRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/process" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decoding request: %v", err)
		}

		docs := gotReq.Data
		docs[0].DetectedPeaks = []model.DetectedPeak{
			{Mz: 180.063, Intensity: 1500, SNR: 1.5},
		}
		n := 1
		json.NewEncoder(w).Encode(processResponse{
			Data:          docs,
			Message:       "Detected 1 peaks across 1 samples",
			PeaksDetected: &n,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	out, err := c.ExecuteStep(context.Background(), stages.StepPeakDetection, sampleDocs(),
		map[string]interface{}{"noise_threshold": 1000.0})
	if err != nil {
		t.Fatalf("ExecuteStep failed: %v", err)
	}

	if gotReq.Step != stages.StepPeakDetection {
		t.Errorf("wire step = %q", gotReq.Step)
	}
	if gotReq.Parameters["noise_threshold"] != 1000.0 {
		t.Errorf("wire parameters = %v", gotReq.Parameters)
	}
	if len(out.Documents) != 1 || len(out.Documents[0].DetectedPeaks) != 1 {
		t.Errorf("documents = %+v", out.Documents)
	}
	if out.Counts[stages.CountPeaksDetected] != 1 {
		t.Errorf("counts = %v", out.Counts)
	}
	if out.Message == "" {
		t.Error("message dropped")
	}
}

func TestExecuteStepServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": "no peaks in input"})
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).ExecuteStep(context.Background(), stages.StepAlignment, sampleDocs(), nil)
	if !errors.IsCode(err, errors.CodeRemoteExecution) {
		t.Fatalf("err = %v, want RemoteExecution", err)
	}
}

func TestExecuteStepConnectionRefused(t *testing.T) {
	// Point at a server that is already closed.
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, WithTimeout(time.Second)).
		ExecuteStep(context.Background(), stages.StepPeakDetection, sampleDocs(), nil)
	if !errors.IsCode(err, errors.CodeRemoteExecution) {
		t.Fatalf("err = %v, want RemoteExecution", err)
	}
}

func TestExecuteStepEmptyData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(processResponse{Message: "ok"})
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).ExecuteStep(context.Background(), stages.StepFiltering, sampleDocs(), nil)
	if !errors.IsCode(err, errors.CodeRemoteExecution) {
		t.Fatalf("err = %v, want RemoteExecution", err)
	}
}

func TestHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	}))
	defer srv.Close()

	if !NewClient(srv.URL).Healthy(context.Background()) {
		t.Error("healthy service reported unhealthy")
	}

	srv.Close()
	if NewClient(srv.URL).Healthy(context.Background()) {
		t.Error("closed service reported healthy")
	}
}
