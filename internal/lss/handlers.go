package lss

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/streadway/handy/report"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/soundcloud/fnproxy/internal/famgr"
	"github.com/soundcloud/fnproxy/internal/types"
)

const tracerName = "fnproxy/lss"

// reportWriter adapts *zap.Logger into the io.Writer report.JSON wants,
// the same shape harpoon-scheduler/main.go's logWriter plays for log.Logger.
type reportWriter struct{ log *zap.Logger }

func (w reportWriter) Write(p []byte) (int, error) {
	w.log.Info(string(p))
	return len(p), nil
}

// NewRouter builds the httprouter.Router serving every upstream RPC,
// one OpenTelemetry span per request and one streadway/handy/report.JSON
// access-log line per response, exactly as the teacher wires report.JSON
// around its own job-lifecycle handlers.
func NewRouter(s *Service) *httprouter.Router {
	rw := reportWriter{log: s.log}
	tracer := otel.Tracer(tracerName)

	router := httprouter.New()
	router.POST("/register", noParams(traced(tracer, "Register", report.JSON(rw, handleRegister(s)))))
	router.POST("/unregister", withParam("agent_id", traced(tracer, "UnRegister", report.JSON(rw, handleUnRegister(s)))))
	router.POST("/topo", noParams(traced(tracer, "UpdateSchedTopoView", report.JSON(rw, handleUpdateSchedTopoView(s)))))
	router.POST("/schedule", noParams(traced(tracer, "Schedule", report.JSON(rw, handleSchedule(s)))))
	router.POST("/schedule/cancel", withParam("instance_id", traced(tracer, "TryCancelSchedule", report.JSON(rw, handleTryCancelSchedule(s)))))
	router.GET("/agents/:agent_id", withParam("agent_id", traced(tracer, "QueryAgentInfo", report.JSON(rw, handleQueryAgentInfo(s)))))
	router.GET("/resources", noParams(traced(tracer, "QueryResourcesInfo", report.JSON(rw, handleQueryResourcesInfo(s)))))
	router.POST("/agents/:agent_id/evict", withParam("agent_id", traced(tracer, "EvictAgent", report.JSON(rw, handleEvictAgent(s)))))
	router.POST("/shutdown", noParams(traced(tracer, "GracefulShutdown", report.JSON(rw, handleGracefulShutdown(s)))))
	router.POST("/debug/instances", noParams(traced(tracer, "QueryDebugInstanceInfos", report.JSON(rw, handleQueryDebugInstanceInfos(s)))))
	return router
}

func noParams(h http.Handler) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		h.ServeHTTP(w, r)
	}
}

// withParam forwards one named httprouter path parameter into the
// request's query string so the wrapped plain http.Handler can read it
// without taking a dependency on httprouter.Params itself.
func withParam(name string, h http.Handler) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		q := r.URL.Query()
		q.Set(name, ps.ByName(name))
		r.URL.RawQuery = q.Encode()
		h.ServeHTTP(w, r)
	}
}

// traced wraps h in one span named after the RPC, ending it with the
// handler's outcome; handlers communicate failure by writing a non-2xx
// status, which statusRecorder observes to mark the span.
func traced(tracer trace.Tracer, rpcName string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), rpcName)
		defer span.End()
		if traceID := r.URL.Query().Get("trace_id"); traceID != "" {
			span.SetAttributes(attribute.String("trace_id", traceID))
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h.ServeHTTP(rec, r.WithContext(ctx))
		if rec.status >= 400 {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeStatus(w http.ResponseWriter, st *types.Status) {
	if st.IsOK() {
		writeJSON(w, http.StatusOK, struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}{int(st.Code), st.Msg})
		return
	}
	writeJSON(w, http.StatusBadRequest, struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}{int(st.Code), st.Error()})
}

func handleRegister(s *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req famgr.RegisterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody(err))
			return
		}
		st, err := s.Register(r.Context(), req)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, errorBody(err))
			return
		}
		writeStatus(w, st)
	}
}

func handleUnRegister(s *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agentID := r.URL.Query().Get("agent_id")
		writeStatus(w, s.UnRegister(r.Context(), agentID))
	}
}

func handleUpdateSchedTopoView(s *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var units []famgr.UpdateResourcesRequest
		if err := json.NewDecoder(r.Body).Decode(&units); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody(err))
			return
		}
		s.UpdateSchedTopoView(units)
		writeJSON(w, http.StatusOK, struct{}{})
	}
}

func handleSchedule(s *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Request      types.ScheduleRequest `json:"request"`
			Dependencies []string              `json:"dependencies"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody(err))
			return
		}
		if err := s.Schedule(r.Context(), body.Request, body.Dependencies); err != nil {
			writeJSON(w, http.StatusConflict, errorBody(err))
			return
		}
		writeJSON(w, http.StatusAccepted, struct{}{})
	}
}

func handleTryCancelSchedule(s *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		instanceID := r.URL.Query().Get("instance_id")
		writeStatus(w, s.TryCancelSchedule(instanceID))
	}
}

func handleQueryAgentInfo(s *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agentID := r.URL.Query().Get("agent_id")
		reg, ok := s.QueryAgentInfo(agentID)
		if !ok {
			writeJSON(w, http.StatusNotFound, errorBody(fmt.Errorf("unknown agent %s", agentID)))
			return
		}
		writeJSON(w, http.StatusOK, reg)
	}
}

func handleQueryResourcesInfo(s *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.QueryResourcesInfo(r.Context(), 0))
	}
}

func handleEvictAgent(s *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agentID := r.URL.Query().Get("agent_id")
		var body struct {
			EvictTimeoutSec int32 `json:"evict_timeout_sec"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		writeStatus(w, s.EvictAgent(r.Context(), famgr.EvictAgentRequest{AgentID: agentID, EvictTimeoutSec: body.EvictTimeoutSec}))
	}
}

func handleGracefulShutdown(s *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, s.GracefulShutdown(r.Context()))
	}
}

func handleQueryDebugInstanceInfos(s *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, s.QueryDebugInstanceInfos(r.Context()))
	}
}

func errorBody(err error) interface{} {
	return struct {
		Error string `json:"error"`
	}{err.Error()}
}
