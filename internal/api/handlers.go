package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"daq-plugin/internal/acquisition"
	"daq-plugin/internal/capability"
	xerrors "daq-plugin/internal/errors"
	"daq-plugin/internal/store"
	"daq-plugin/pkg/driver"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// AcquireBody 是 POST /api/v1/acquisitions 的请求体。timeout 使用 Go duration 字符串，如 "30s"。
type AcquireBody struct {
	RequestID string                       `json:"request_id,omitempty" validate:"omitempty,max=128"`
	Action    driver.Action                `json:"action"`
	Captures  []acquisition.CaptureRequest `json:"captures" validate:"required,min=1,dive"`
	Timeout   string                       `json:"timeout,omitempty"`
	Metadata  map[string]string            `json:"metadata,omitempty"`
}

// AcquireResponse 是受理成功后的响应。
type AcquireResponse struct {
	RequestID string `json:"request_id"`
}

// ErrorBody 是统一的错误响应。
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.service.GetServiceInfo())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDirectory(w http.ResponseWriter, _ *http.Request) {
	if s.directory == nil {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "未启用目录注册"))
		return
	}
	writeJSON(w, http.StatusOK, s.directory.Status())
}

func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request) {
	var body AcquireBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&body); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	if err := validate.Struct(body); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体校验失败"))
		return
	}
	req := acquisition.Request{
		ID:       body.RequestID,
		Action:   body.Action,
		Captures: body.Captures,
		Metadata: body.Metadata,
	}
	if body.Timeout != "" {
		d, err := time.ParseDuration(body.Timeout)
		if err != nil || d < 0 {
			writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "timeout 格式错误: "+body.Timeout))
			return
		}
		req.Timeout = d
	}

	id, err := s.service.AcquireData(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/acquisitions/"+id)
	writeJSON(w, http.StatusAccepted, AcquireResponse{RequestID: id})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var opts []acquisition.ListOption
	if raw := q.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, acquisition.WithLimit(parsed))
		}
	}
	if raw := q.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			opts = append(opts, acquisition.WithOffset(parsed))
		}
	}
	if raw := q.Get("state"); raw != "" {
		var states []acquisition.AggregateState
		for _, part := range strings.Split(raw, ",") {
			state := acquisition.AggregateState(strings.ToUpper(strings.TrimSpace(part)))
			if !acquisition.IsValidAggregateState(state) {
				writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "未知状态: "+part))
				return
			}
			states = append(states, state)
		}
		opts = append(opts, acquisition.WithStates(states...))
	}
	if raw := q.Get("capability"); raw != "" {
		opts = append(opts, acquisition.WithCapabilities(strings.Split(raw, ",")...))
	}
	for key, apply := range map[string]func(time.Time) acquisition.ListOption{
		"since": acquisition.WithUpdatedSince,
		"until": acquisition.WithUpdatedUntil,
	} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, xerrors.New(xerrors.CodeInvalidArgument, key+" 需为 RFC3339 时间"))
			return
		}
		opts = append(opts, apply(ts))
	}
	if strings.EqualFold(q.Get("order"), "asc") {
		opts = append(opts, acquisition.WithSortOrder(acquisition.SortByUpdatedAsc))
	}

	results, err := s.service.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	if results == nil {
		results = []*acquisition.Status{}
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.service.GetStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.service.Cancel(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, AcquireResponse{RequestID: id})
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	records, err := s.service.Records(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []*store.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	msg := err.Error()
	if e, ok := xerrors.From(err); ok {
		msg = e.Message()
	}
	writeJSON(w, httpStatus(code), ErrorBody{Code: string(code), Message: msg})
}

// httpStatus 将错误码映射为 HTTP 状态码，与 gRPC 映射保持一致。
func httpStatus(code xerrors.Code) int {
	switch code {
	case acquisition.CodeInvalidCapability, capability.CodeCapabilityNotFound, xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case acquisition.CodeDuplicateRequestID, xerrors.CodeConflict:
		return http.StatusConflict
	case acquisition.CodeUnknownRequestID, store.CodeRecordNotFound, xerrors.CodeNotFound:
		return http.StatusNotFound
	case xerrors.CodeRateLimited:
		return http.StatusTooManyRequests
	case xerrors.CodeQueueFailure, xerrors.CodeInitializationFailure, store.CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
