package database

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"hmp-sched/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeInflux answers the health endpoint and keeps every written body.
type fakeInflux struct {
	mu     sync.Mutex
	status string
	writes []string
}

func (f *fakeInflux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/health":
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		io.WriteString(w, `{"name":"influxdb","message":"ready for queries and writes","status":"`+f.status+`","checks":[],"version":"v2.7.0","commit":"test"}`)
	case "/api/v2/write":
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.writes = append(f.writes, string(body))
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeInflux) body() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strings.Join(f.writes, "\n")
}

func TestInfluxDBClient_WriteSamples(t *testing.T) {
	fake := &fakeInflux{status: "pass"}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	client, err := NewInfluxDBClient(config.InfluxConfig{Host: srv.URL, Token: "t", Org: "lab", Bucket: "sched"})
	require.NoError(t, err)
	defer client.Close()

	at := time.Unix(1, 0)
	samples := []BusySample{
		{At: at, CPU: 0, Cluster: "big", BusyPct: 100, PrevLoadUS: 10000, FreqKHz: 2000000, NrRunning: 1},
		{At: at, CPU: 1, Cluster: "big"},
	}
	n, err := client.WriteSamples(context.Background(), "run-7", samples)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	body := fake.body()
	assert.Contains(t, body, "hmp_busy,")
	assert.Contains(t, body, "run_id=run-7")
	assert.Contains(t, body, "busy_pct=100i")
	assert.Equal(t, 2, strings.Count(body, "hmp_busy,"))

	require.NoError(t, client.WriteMetadata(context.Background(), &RunMetadata{RunID: "run-7", RunName: "smoke"}))
	assert.Contains(t, fake.body(), "hmp_run_meta,run_id=run-7")
}

func TestInfluxDBClient_UnhealthyServer(t *testing.T) {
	srv := httptest.NewServer(&fakeInflux{status: "fail"})
	defer srv.Close()

	_, err := NewInfluxDBClient(config.InfluxConfig{Host: srv.URL, Org: "lab", Bucket: "sched"})
	assert.Error(t, err)
}

func TestSamplePoint(t *testing.T) {
	at := time.Unix(5, 0)
	p := samplePoint("run-1", &BusySample{At: at, CPU: 3, Cluster: "little", BusyPct: 42})
	assert.Equal(t, busyMeasurement, p.Name())
	assert.True(t, at.Equal(p.Time()))

	tags := map[string]string{}
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}
	assert.Equal(t, map[string]string{"run_id": "run-1", "cpu": "3", "cluster": "little"}, tags)
}
