package ledgerx

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	maxAmountBodyBytes = 1 << 10
	maxJSONBodyBytes   = 1 << 16
)

var (
	statusOK = []byte(`{"status":"OK"}`)
)

type errorJSONResp struct {
	Code   int               `json:"code"`
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

func NewHTTPHandler(svc Service, log *zerolog.Logger) http.Handler {
	hndlr := &httpHandler{
		Svc: svc,
		Log: log,
	}
	mux := chi.NewMux()
	mux.Use(middleware.Recoverer)
	mux.Use(RequestLogger(log))
	mux.NotFound(HTTPNotFound)
	mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(statusOK)
	})
	mux.Route("/accounts", func(r chi.Router) {
		r.Get("/", hndlr.ListAccounts)
		r.Post("/", hndlr.CreateAccount)
		r.Route("/{acctNum:[0-9]+}", func(rr chi.Router) {
			rr.Get("/", hndlr.GetAccount)
			rr.Put("/", hndlr.UpdateCustomer)
			rr.Delete("/", hndlr.CloseAccount)
			rr.Put("/deposit", hndlr.Deposit)
			rr.Put("/withdrawal", hndlr.Withdraw)
			rr.Put("/overdrawn", hndlr.MarkOverdrawn)
			rr.Delete("/overdrawn", hndlr.RemoveOverdrawnStatus)
			rr.Get("/statement", hndlr.Statement)
		})
	})

	return mux
}

// RequestLogger tags every request with an X-Request-ID and stores a
// request-scoped logger in the request context, retrievable with zerolog.Ctx.
func RequestLogger(base *zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				reqID = uuid.NewString()
			}
			rlog := base.With().
				Str("request_id", reqID).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Logger()
			w.Header().Set("X-Request-ID", reqID)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(rlog.WithContext(r.Context())))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			rlog.Info().
				Int("status", status).
				Dur("latency", time.Since(start)).
				Msg("request completed")
		})
	}
}

type httpHandler struct {
	Svc Service
	Log *zerolog.Logger
}

func (h *httpHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accts, err := h.Svc.ListAccounts(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, accts)
}

func (h *httpHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acctNum, ok := h.acctNum(w, r, "get_account")
	if !ok {
		return
	}
	acct, err := h.Svc.GetAccount(r.Context(), acctNum)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, acct)
}

func (h *httpHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req CreateAccountReq
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes))
	if err := dec.Decode(&req); err != nil {
		zerolog.Ctx(r.Context()).Err(err).Str("method", "create_account").Msg("error unmarshalling JSON")
		WriteHTTPError(w, ErrBadRequest{Fields: map[string]string{"request body": "malformed JSON"}})
		return
	}
	acct, err := h.Svc.CreateAccount(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/accounts/"+strconv.FormatInt(acct.AccountNumber, 10))
	h.writeJSON(w, r, http.StatusCreated, acct)
}

func (h *httpHandler) UpdateCustomer(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	acctNum, ok := h.acctNum(w, r, "update_customer")
	if !ok {
		return
	}
	var req UpdateCustomerReq
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes))
	if err := dec.Decode(&req); err != nil {
		zerolog.Ctx(r.Context()).Err(err).Str("method", "update_customer").Msg("error unmarshalling JSON")
		WriteHTTPError(w, ErrBadRequest{Fields: map[string]string{"request body": "malformed JSON"}})
		return
	}
	req.AcctNum = acctNum
	acct, err := h.Svc.UpdateCustomer(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, acct)
}

func (h *httpHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	req, ok := h.chargeReq(w, r, "deposit")
	if !ok {
		return
	}
	acct, err := h.Svc.Deposit(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, acct)
}

func (h *httpHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	req, ok := h.chargeReq(w, r, "withdraw")
	if !ok {
		return
	}
	acct, err := h.Svc.Withdraw(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, acct)
}

func (h *httpHandler) CloseAccount(w http.ResponseWriter, r *http.Request) {
	acctNum, ok := h.acctNum(w, r, "close_account")
	if !ok {
		return
	}
	if err := h.Svc.CloseAccount(r.Context(), acctNum); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *httpHandler) MarkOverdrawn(w http.ResponseWriter, r *http.Request) {
	acctNum, ok := h.acctNum(w, r, "mark_overdrawn")
	if !ok {
		return
	}
	acct, err := h.Svc.MarkOverdrawn(r.Context(), acctNum)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, acct)
}

func (h *httpHandler) RemoveOverdrawnStatus(w http.ResponseWriter, r *http.Request) {
	acctNum, ok := h.acctNum(w, r, "remove_overdrawn_status")
	if !ok {
		return
	}
	acct, err := h.Svc.RemoveOverdrawnStatus(r.Context(), acctNum)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, acct)
}

func (h *httpHandler) Statement(w http.ResponseWriter, r *http.Request) {
	acctNum, ok := h.acctNum(w, r, "statement")
	if !ok {
		return
	}
	buf := new(bytes.Buffer)
	if err := h.Svc.Statement(r.Context(), buf, acctNum); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `inline; filename="statement-`+strconv.FormatInt(acctNum, 10)+`.pdf"`)
	if _, err := buf.WriteTo(w); err != nil {
		zerolog.Ctx(r.Context()).Err(err).Str("method", "statement").Msg("error writing PDF")
	}
}

func (h *httpHandler) acctNum(w http.ResponseWriter, r *http.Request, method string) (int64, bool) {
	pnum := chi.URLParam(r, "acctNum")
	acctNum, err := strconv.ParseInt(pnum, 10, 64)
	if err != nil {
		zerolog.Ctx(r.Context()).Err(err).Str("method", method).Msg("error parsing account number")
		WriteHTTPError(w, ErrBadRequest{Fields: map[string]string{"accountNumber": "invalid format"}})
		return 0, false
	}
	return acctNum, true
}

// chargeReq reads an amount sent as a bare decimal string body, e.g. `154.98`.
// A JSON string literal (`"154.98"`) is accepted as well.
func (h *httpHandler) chargeReq(w http.ResponseWriter, r *http.Request, method string) (ChargeReq, bool) {
	defer r.Body.Close()
	acctNum, ok := h.acctNum(w, r, method)
	if !ok {
		return ChargeReq{}, false
	}
	buf, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAmountBodyBytes))
	if err != nil {
		zerolog.Ctx(r.Context()).Err(err).Str("method", method).Msg("error reading HTTP request")
		WriteHTTPError(w, ErrBadRequest{Fields: map[string]string{"request body": "unreadable or too large"}})
		return ChargeReq{}, false
	}
	amount, err := parseAmount(buf)
	if err != nil {
		zerolog.Ctx(r.Context()).Err(err).Str("method", method).Msg("error parsing amount")
		WriteHTTPError(w, ErrBadRequest{Fields: map[string]string{"amount": "not a decimal number"}})
		return ChargeReq{}, false
	}
	if err = CheckAmountRange(amount); err != nil {
		WriteHTTPError(w, ErrBadRequest{Fields: map[string]string{"amount": err.Error()}})
		return ChargeReq{}, false
	}
	return ChargeReq{AcctNum: acctNum, Amount: amount}, true
}

// parseAmount accepts a bare decimal or exactly one JSON string literal
// wrapping it.
func parseAmount(body []byte) (decimal.Decimal, error) {
	raw := strings.TrimSpace(string(body))
	if strings.HasPrefix(raw, `"`) {
		var str string
		if err := json.Unmarshal([]byte(raw), &str); err != nil {
			return decimal.Decimal{}, err
		}
		raw = str
	}
	return decimal.NewFromString(raw)
}

func (h *httpHandler) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zerolog.Ctx(r.Context()).Err(err).Msg("error encoding response")
	}
}

func (h *httpHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if !IsClientError(err) && !errors.Is(err, ErrOverloaded) {
		zerolog.Ctx(r.Context()).Err(err).Msg("request failed")
	}
	WriteHTTPError(w, err)
}

// HTTPStatus maps a service error to its HTTP status code.
func HTTPStatus(err error) int {
	switch {
	case errors.As(err, &ErrNotFound{}):
		return http.StatusNotFound
	case errors.As(err, &ErrBadRequest{}):
		return http.StatusBadRequest
	case errors.As(err, &ErrConflict{}), errors.As(err, &ErrDuplicateAccount{}):
		return http.StatusConflict
	case errors.Is(err, ErrOverloaded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func WriteHTTPError(w http.ResponseWriter, err error) {
	var ne error
	defer func() {
		if ne != nil {
			log.Error().
				Err(ne).
				Msg("error response encoding failed")
		}
	}()

	code := HTTPStatus(err)
	resp := errorJSONResp{Code: code}
	errbr := &ErrBadRequest{}
	switch {
	case code == http.StatusInternalServerError:
		resp.Error = "server error"
	case errors.As(err, errbr):
		resp.Error = "missing/invalid params"
		resp.Fields = errbr.Fields
	default:
		resp.Error = err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	ne = json.NewEncoder(w).Encode(resp)
}

func HTTPNotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	resp := map[string]string{
		"path": r.URL.Path,
	}
	json.NewEncoder(w).Encode(resp)
}
