package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"storefront-ledger/pkg/errutil"

	"github.com/go-playground/validator/v10"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("httpapi",
	fx.Invoke(registerHealthEndpoint, registerMetricsEndpoint),
)

var validate = validator.New()

func registerHealthEndpoint(mux *runtime.ServeMux) error {
	return mux.HandlePath(http.MethodGet, "/healthz", func(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

func registerMetricsEndpoint(mux *runtime.ServeMux) error {
	h := promhttp.Handler()
	return mux.HandlePath(http.MethodGet, "/metrics", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		h.ServeHTTP(w, r)
	})
}

func WriteJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		zap.L().Warn("failed to write response", zap.Error(err))
	}
}

// WriteError renders err with the status of its taxonomy class. Only the user
// facing message is written; details stay in the logs.
func WriteError(w http.ResponseWriter, err error) {
	status := errutil.StatusOf(err)

	body := map[string]any{
		"code":    status,
		"message": errutil.UserMessage(err),
	}

	var br *errutil.BusinessRejected
	if errors.As(err, &br) {
		body["reason"] = br.Reason
	}

	var be errutil.BaseError
	if errors.As(err, &be) && len(be.Details) > 0 {
		body["details"] = be.Details
	}

	WriteJSON(w, status.HTTPStatus(), map[string]any{"error": body})
}

// DecodeJSON reads a JSON body into dst and validates its struct tags.
func DecodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errutil.BadRequest("invalid request body", err)
	}

	if err := validate.Struct(dst); err != nil {
		var details []errutil.Detail
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				details = append(details, errutil.Detail{Field: fe.Field(), Message: fe.Tag()})
			}
		}
		return errutil.ValidationFailed("validation failed", err, errutil.WithDetails(details...))
	}
	return nil
}

// PathInt64 reads a positive integer path parameter.
func PathInt64(params map[string]string, name string) (int64, error) {
	v, err := strconv.ParseInt(params[name], 10, 64)
	if err != nil || v <= 0 {
		return 0, errutil.BadRequest("invalid "+name, err, errutil.WithDetails(errutil.Detail{Field: name, Message: "must be a positive integer"}))
	}
	return v, nil
}
