package receiver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	collectorpb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/betracehq/betrace-processor/internal/config"
	"github.com/betracehq/betrace-processor/internal/observability"
)

// HTTPServer serves OTLP/HTTP trace ingest on /v1/traces, accepting
// binary protobuf and OTLP JSON bodies per the OTLP spec.
type HTTPServer struct {
	sink         Sink
	server       *http.Server
	maxBodyBytes int64
}

// NewHTTPServer wires the OTLP HTTP receiver.
func NewHTTPServer(cfg config.ReceiverConfig, sink Sink) *HTTPServer {
	s := &HTTPServer{
		sink:         sink,
		maxBodyBytes: int64(cfg.MaxRecvMsgSize),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/traces", s.handleTraces)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *HTTPServer) handleTraces(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		http.Error(w, "request body too large or unreadable", http.StatusRequestEntityTooLarge)
		return
	}

	var req collectorpb.ExportTraceServiceRequest
	switch r.Header.Get("Content-Type") {
	case "application/json":
		err = protojson.Unmarshal(body, &req)
	default:
		err = proto.Unmarshal(body, &req)
	}
	if err != nil {
		http.Error(w, "malformed OTLP payload", http.StatusBadRequest)
		return
	}

	if len(req.ResourceSpans) > 0 {
		if err := s.sink.Submit(r.Context(), req.ResourceSpans); err != nil {
			observability.Warn(r.Context(), "ingest submit failed: %v", err)
		}
	}

	resp, _ := proto.Marshal(&collectorpb.ExportTraceServiceResponse{})
	w.Header().Set("Content-Type", "application/x-protobuf")
	w.WriteHeader(http.StatusOK)
	w.Write(resp)
}

// Serve blocks serving OTLP/HTTP until Shutdown is called.
func (s *HTTPServer) Serve() error {
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
