package ledgerx_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/arhyth/ledgerx"
	"github.com/arhyth/ledgerx/mocks"
)

type errResp struct {
	Code   int               `json:"code"`
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields"`
}

func serve(h http.Handler, method, target string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHTTPListAccounts(t *testing.T) {
	nooplog := zerolog.Nop()
	as := assert.New(t)
	reqrd := require.New(t)
	ctrl := gomock.NewController(t)
	svc := mocks.NewMockService(ctrl)
	svc.EXPECT().
		ListAccounts(gomock.Any()).
		Return([]ledgerx.Account{
			{ID: 10, AccountNumber: 5465, CustomerName: "Alex Trebek", Balance: decimal.RequireFromString("989.12")},
			{ID: 11, AccountNumber: 78790, CustomerName: "Vanna White", Balance: decimal.RequireFromString("439.01")},
		}, nil).
		Times(1)
	hndlr := ledgerx.NewHTTPHandler(svc, &nooplog)

	w := serve(hndlr, http.MethodGet, "/accounts", nil)
	as.Equal(http.StatusOK, w.Code)
	as.Equal("application/json", w.Header().Get("Content-Type"))
	as.NotEmpty(w.Header().Get("X-Request-ID"))

	var accts []ledgerx.Account
	reqrd.Nil(json.Unmarshal(w.Body.Bytes(), &accts))
	reqrd.Len(accts, 2)
	as.Equal(int64(5465), accts[0].AccountNumber)
	as.Equal("439.01", accts[1].Balance.String())
}

func TestHTTPGetAccount(t *testing.T) {
	nooplog := zerolog.Nop()

	t.Run("returns OK with the account", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		ctrl := gomock.NewController(tt)
		svc := mocks.NewMockService(ctrl)
		svc.EXPECT().
			GetAccount(gomock.Any(), int64(87878787)).
			Return(&ledgerx.Account{
				ID:            13,
				AccountNumber: 87878787,
				CustomerName:  "Matt Smith",
				Balance:       decimal.RequireFromString("-338.90"),
				Status:        ledgerx.StatusOverdrawn,
			}, nil).
			Times(1)
		hndlr := ledgerx.NewHTTPHandler(svc, &nooplog)

		w := serve(hndlr, http.MethodGet, "/accounts/87878787", nil)
		as.Equal(http.StatusOK, w.Code)
		resp := map[string]any{}
		reqrd.Nil(json.Unmarshal(w.Body.Bytes(), &resp))
		as.Equal("OVERDRAWN", resp["accountStatus"])
		as.Equal("-338.9", resp["balance"])
	})

	t.Run("returns not found on unknown account", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		ctrl := gomock.NewController(tt)
		svc := mocks.NewMockService(ctrl)
		svc.EXPECT().
			GetAccount(gomock.Any(), int64(42)).
			Return(nil, ledgerx.ErrNotFound{AccountNumber: 42}).
			Times(1)
		hndlr := ledgerx.NewHTTPHandler(svc, &nooplog)

		w := serve(hndlr, http.MethodGet, "/accounts/42", nil)
		as.Equal(http.StatusNotFound, w.Code)
		resp := errResp{}
		reqrd.Nil(json.Unmarshal(w.Body.Bytes(), &resp))
		as.Equal(http.StatusNotFound, resp.Code)
		as.Contains(resp.Error, "42")
	})

	t.Run("returns not found with path on non-numeric account number", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		ctrl := gomock.NewController(tt)
		svc := mocks.NewMockService(ctrl)
		hndlr := ledgerx.NewHTTPHandler(svc, &nooplog)

		w := serve(hndlr, http.MethodGet, "/accounts/24j24g", nil)
		as.Equal(http.StatusNotFound, w.Code)
		resp := map[string]string{}
		reqrd.Nil(json.Unmarshal(w.Body.Bytes(), &resp))
		as.Equal("/accounts/24j24g", resp["path"])
	})

	t.Run("returns bad request on out of range account number", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		svc := mocks.NewMockService(ctrl)
		hndlr := ledgerx.NewHTTPHandler(svc, &nooplog)

		w := serve(hndlr, http.MethodGet, "/accounts/99999999999999999999999", nil)
		as.Equal(http.StatusBadRequest, w.Code)
	})

	t.Run("hides internal errors", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		ctrl := gomock.NewController(tt)
		svc := mocks.NewMockService(ctrl)
		svc.EXPECT().
			GetAccount(gomock.Any(), int64(1)).
			Return(nil, errors.New("pq: relation does not exist")).
			Times(1)
		hndlr := ledgerx.NewHTTPHandler(svc, &nooplog)

		w := serve(hndlr, http.MethodGet, "/accounts/1", nil)
		as.Equal(http.StatusInternalServerError, w.Code)
		resp := errResp{}
		reqrd.Nil(json.Unmarshal(w.Body.Bytes(), &resp))
		as.Equal("server error", resp.Error)
	})
}

func TestHTTPCreateAccount(t *testing.T) {
	nooplog := zerolog.Nop()

	t.Run("returns created with location", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		ctrl := gomock.NewController(tt)
		svc := mocks.NewMockService(ctrl)
		svc.EXPECT().
			CreateAccount(gomock.Any(), gomock.AssignableToTypeOf(ledgerx.CreateAccountReq{})).
			DoAndReturn(func(_ context.Context, req ledgerx.CreateAccountReq) (*ledgerx.Account, error) {
				as.Nil(req.ID)
				reqrd.NotNil(req.AccountNumber)
				as.Equal("154.55", req.Balance.String())
				return &ledgerx.Account{
					ID:             10,
					AccountNumber:  *req.AccountNumber,
					CustomerNumber: req.CustomerNumber,
					CustomerName:   req.CustomerName,
					Balance:        req.Balance,
				}, nil
			}).
			Times(1)
		hndlr := ledgerx.NewHTTPHandler(svc, &nooplog)

		body := bytes.NewBufferString(`{"accountNumber":324324,"customerNumber":112244,"customerName":"Sandy Holmes","balance":"154.55"}`)
		w := serve(hndlr, http.MethodPost, "/accounts", body)
		as.Equal(http.StatusCreated, w.Code)
		as.Equal("/accounts/324324", w.Header().Get("Location"))
		acct := ledgerx.Account{}
		reqrd.Nil(json.Unmarshal(w.Body.Bytes(), &acct))
		as.Equal(int64(10), acct.ID)
		as.Equal(ledgerx.StatusOpen, acct.Status)
	})

	t.Run("returns bad request on malformed JSON", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		ctrl := gomock.NewController(tt)
		svc := mocks.NewMockService(ctrl)
		hndlr := ledgerx.NewHTTPHandler(svc, &nooplog)

		w := serve(hndlr, http.MethodPost, "/accounts", bytes.NewBufferString(`{"accountNumber":324324`))
		as.Equal(http.StatusBadRequest, w.Code)
		resp := errResp{}
		reqrd.Nil(json.Unmarshal(w.Body.Bytes(), &resp))
		as.Contains(resp.Fields, "request body")
	})

	t.Run("returns bad request fields from validation", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		ctrl := gomock.NewController(tt)
		svc := mocks.NewMockService(ctrl)
		svc.EXPECT().
			CreateAccount(gomock.Any(), gomock.Any()).
			Return(nil, ledgerx.ErrBadRequest{Fields: map[string]string{"id": "id was invalidly set on request"}}).
			Times(1)
		hndlr := ledgerx.NewHTTPHandler(svc, &nooplog)

		w := serve(hndlr, http.MethodPost, "/accounts", bytes.NewBufferString(`{"id":7,"accountNumber":324324}`))
		as.Equal(http.StatusBadRequest, w.Code)
		resp := errResp{}
		reqrd.Nil(json.Unmarshal(w.Body.Bytes(), &resp))
		as.Equal("missing/invalid params", resp.Error)
		as.Contains(resp.Fields, "id")
	})

	t.Run("returns conflict on duplicate account number", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		svc := mocks.NewMockService(ctrl)
		svc.EXPECT().
			CreateAccount(gomock.Any(), gomock.Any()).
			Return(nil, ledgerx.ErrDuplicateAccount{AccountNumber: 324324}).
			Times(1)
		hndlr := ledgerx.NewHTTPHandler(svc, &nooplog)

		w := serve(hndlr, http.MethodPost, "/accounts", bytes.NewBufferString(`{"accountNumber":324324}`))
		as.Equal(http.StatusConflict, w.Code)
	})
}

func TestHTTPUpdateCustomer(t *testing.T) {
	nooplog := zerolog.Nop()
	as := assert.New(t)
	ctrl := gomock.NewController(t)
	svc := mocks.NewMockService(ctrl)
	svc.EXPECT().
		UpdateCustomer(gomock.Any(), ledgerx.UpdateCustomerReq{
			AcctNum:        5465,
			CustomerNumber: 776868,
			CustomerName:   "Alex Trebek Jr.",
		}).
		Return(&ledgerx.Account{AccountNumber: 5465, CustomerName: "Alex Trebek Jr."}, nil).
		Times(1)
	hndlr := ledgerx.NewHTTPHandler(svc, &nooplog)

	body := bytes.NewBufferString(`{"customerNumber":776868,"customerName":"Alex Trebek Jr."}`)
	w := serve(hndlr, http.MethodPut, "/accounts/5465", body)
	as.Equal(http.StatusOK, w.Code)
}

func TestHTTPDeposit(t *testing.T) {
	nooplog := zerolog.Nop()

	t.Run("returns OK with the updated account", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		ctrl := gomock.NewController(tt)
		svc := mocks.NewMockService(ctrl)
		svc.EXPECT().
			Deposit(gomock.Any(), gomock.AssignableToTypeOf(ledgerx.ChargeReq{})).
			DoAndReturn(func(_ context.Context, req ledgerx.ChargeReq) (*ledgerx.Account, error) {
				as.Equal(int64(123456789), req.AcctNum)
				as.Equal("154.98", req.Amount.String())
				return &ledgerx.Account{
					AccountNumber: req.AcctNum,
					Balance:       decimal.RequireFromString("550.78").Add(req.Amount),
				}, nil
			}).
			Times(1)
		hndlr := ledgerx.NewHTTPHandler(svc, &nooplog)

		w := serve(hndlr, http.MethodPut, "/accounts/123456789/deposit", bytes.NewBufferString("154.98"))
		as.Equal(http.StatusOK, w.Code)
		resp := map[string]any{}
		reqrd.Nil(json.Unmarshal(w.Body.Bytes(), &resp))
		as.Equal("705.76", resp["balance"])
	})

	t.Run("accepts a quoted amount", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		svc := mocks.NewMockService(ctrl)
		svc.EXPECT().
			Deposit(gomock.Any(), ledgerx.ChargeReq{AcctNum: 5465, Amount: decimal.RequireFromString("10.5")}).
			Return(&ledgerx.Account{AccountNumber: 5465}, nil).
			Times(1)
		hndlr := ledgerx.NewHTTPHandler(svc, &nooplog)

		w := serve(hndlr, http.MethodPut, "/accounts/5465/deposit", bytes.NewBufferString(`"10.5"`+"\n"))
		as.Equal(http.StatusOK, w.Code)
	})

	t.Run("returns bad request on a non-numeric amount", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		ctrl := gomock.NewController(tt)
		svc := mocks.NewMockService(ctrl)
		hndlr := ledgerx.NewHTTPHandler(svc, &nooplog)

		w := serve(hndlr, http.MethodPut, "/accounts/123456789/deposit", bytes.NewBufferString("lots"))
		as.Equal(http.StatusBadRequest, w.Code)
		resp := errResp{}
		reqrd.Nil(json.Unmarshal(w.Body.Bytes(), &resp))
		as.Contains(resp.Fields, "amount")
	})

	t.Run("returns not found on unknown account", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		svc := mocks.NewMockService(ctrl)
		svc.EXPECT().
			Deposit(gomock.Any(), gomock.Any()).
			Return(nil, ledgerx.ErrNotFound{AccountNumber: 12345}).
			Times(1)
		hndlr := ledgerx.NewHTTPHandler(svc, &nooplog)

		w := serve(hndlr, http.MethodPut, "/accounts/12345/deposit", bytes.NewBufferString("1.00"))
		as.Equal(http.StatusNotFound, w.Code)
	})

	t.Run("returns service unavailable when overloaded", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		svc := mocks.NewMockService(ctrl)
		svc.EXPECT().
			Deposit(gomock.Any(), gomock.Any()).
			Return(nil, ledgerx.ErrOverloaded).
			Times(1)
		hndlr := ledgerx.NewHTTPHandler(svc, &nooplog)

		w := serve(hndlr, http.MethodPut, "/accounts/12345/deposit", bytes.NewBufferString("1.00"))
		as.Equal(http.StatusServiceUnavailable, w.Code)
	})
}

func TestHTTPWithdraw(t *testing.T) {
	nooplog := zerolog.Nop()

	t.Run("returns OK with the updated account", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		svc := mocks.NewMockService(ctrl)
		svc.EXPECT().
			Withdraw(gomock.Any(), ledgerx.ChargeReq{AcctNum: 78790, Amount: decimal.RequireFromString("23.82")}).
			Return(&ledgerx.Account{AccountNumber: 78790, Balance: decimal.RequireFromString("415.19")}, nil).
			Times(1)
		hndlr := ledgerx.NewHTTPHandler(svc, &nooplog)

		w := serve(hndlr, http.MethodPut, "/accounts/78790/withdrawal", bytes.NewBufferString("23.82"))
		as.Equal(http.StatusOK, w.Code)
	})

	t.Run("returns conflict on overdrawn account", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		ctrl := gomock.NewController(tt)
		svc := mocks.NewMockService(ctrl)
		svc.EXPECT().
			Withdraw(gomock.Any(), gomock.Any()).
			Return(nil, ledgerx.ErrConflict{AccountNumber: 87878787, Status: ledgerx.StatusOverdrawn}).
			Times(1)
		hndlr := ledgerx.NewHTTPHandler(svc, &nooplog)

		w := serve(hndlr, http.MethodPut, "/accounts/87878787/withdrawal", bytes.NewBufferString("1.00"))
		as.Equal(http.StatusConflict, w.Code)
		resp := errResp{}
		reqrd.Nil(json.Unmarshal(w.Body.Bytes(), &resp))
		as.Contains(resp.Error, "OVERDRAWN")
	})
}

func TestHTTPCloseAccount(t *testing.T) {
	nooplog := zerolog.Nop()
	as := assert.New(t)
	ctrl := gomock.NewController(t)
	svc := mocks.NewMockService(ctrl)
	svc.EXPECT().
		CloseAccount(gomock.Any(), int64(444666)).
		Return(nil).
		Times(1)
	hndlr := ledgerx.NewHTTPHandler(svc, &nooplog)

	w := serve(hndlr, http.MethodDelete, "/accounts/444666", nil)
	as.Equal(http.StatusNoContent, w.Code)
	as.Empty(w.Body.Bytes())
}

func TestHTTPOverdrawn(t *testing.T) {
	nooplog := zerolog.Nop()
	as := assert.New(t)
	reqrd := require.New(t)
	ctrl := gomock.NewController(t)
	svc := mocks.NewMockService(ctrl)
	gomock.InOrder(
		svc.EXPECT().
			MarkOverdrawn(gomock.Any(), int64(5465)).
			Return(&ledgerx.Account{AccountNumber: 5465, Status: ledgerx.StatusOverdrawn}, nil),
		svc.EXPECT().
			RemoveOverdrawnStatus(gomock.Any(), int64(5465)).
			Return(&ledgerx.Account{AccountNumber: 5465, Status: ledgerx.StatusOpen}, nil),
	)
	hndlr := ledgerx.NewHTTPHandler(svc, &nooplog)

	w := serve(hndlr, http.MethodPut, "/accounts/5465/overdrawn", nil)
	as.Equal(http.StatusOK, w.Code)
	resp := map[string]any{}
	reqrd.Nil(json.Unmarshal(w.Body.Bytes(), &resp))
	as.Equal("OVERDRAWN", resp["accountStatus"])

	w = serve(hndlr, http.MethodDelete, "/accounts/5465/overdrawn", nil)
	as.Equal(http.StatusOK, w.Code)
	reqrd.Nil(json.Unmarshal(w.Body.Bytes(), &resp))
	as.Equal("OPEN", resp["accountStatus"])
}

func TestHTTPStatement(t *testing.T) {
	nooplog := zerolog.Nop()

	t.Run("returns the PDF", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		svc := mocks.NewMockService(ctrl)
		svc.EXPECT().
			Statement(gomock.Any(), gomock.Any(), int64(5465)).
			DoAndReturn(func(_ context.Context, w io.Writer, _ int64) error {
				_, err := w.Write([]byte("%PDF-1.3 fake"))
				return err
			}).
			Times(1)
		hndlr := ledgerx.NewHTTPHandler(svc, &nooplog)

		w := serve(hndlr, http.MethodGet, "/accounts/5465/statement", nil)
		as.Equal(http.StatusOK, w.Code)
		as.Equal("application/pdf", w.Header().Get("Content-Type"))
		as.Contains(w.Header().Get("Content-Disposition"), "statement-5465.pdf")
		as.Equal("%PDF-1.3 fake", w.Body.String())
	})

	t.Run("writes nothing but the error on failure", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		svc := mocks.NewMockService(ctrl)
		svc.EXPECT().
			Statement(gomock.Any(), gomock.Any(), int64(42)).
			DoAndReturn(func(_ context.Context, w io.Writer, _ int64) error {
				w.Write([]byte("%PDF-partial"))
				return ledgerx.ErrNotFound{AccountNumber: 42}
			}).
			Times(1)
		hndlr := ledgerx.NewHTTPHandler(svc, &nooplog)

		w := serve(hndlr, http.MethodGet, "/accounts/42/statement", nil)
		as.Equal(http.StatusNotFound, w.Code)
		as.Equal("application/json", w.Header().Get("Content-Type"))
		as.NotContains(w.Body.String(), "%PDF")
	})
}

func TestHTTPMisc(t *testing.T) {
	nooplog := zerolog.Nop()

	t.Run("healthz", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		hndlr := ledgerx.NewHTTPHandler(mocks.NewMockService(ctrl), &nooplog)

		w := serve(hndlr, http.MethodGet, "/healthz", nil)
		as.Equal(http.StatusOK, w.Code)
		as.JSONEq(`{"status":"OK"}`, w.Body.String())
	})

	t.Run("unknown route returns path", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		ctrl := gomock.NewController(tt)
		hndlr := ledgerx.NewHTTPHandler(mocks.NewMockService(ctrl), &nooplog)

		w := serve(hndlr, http.MethodGet, "/ledgers", nil)
		as.Equal(http.StatusNotFound, w.Code)
		resp := map[string]string{}
		reqrd.Nil(json.Unmarshal(w.Body.Bytes(), &resp))
		as.Equal("/ledgers", resp["path"])
	})

	t.Run("propagates a caller supplied request id", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		hndlr := ledgerx.NewHTTPHandler(mocks.NewMockService(ctrl), &nooplog)

		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.Header.Set("X-Request-ID", "abc-123")
		w := httptest.NewRecorder()
		hndlr.ServeHTTP(w, req)
		as.Equal("abc-123", w.Header().Get("X-Request-ID"))
	})
}

func TestHTTPAmountBody(t *testing.T) {
	nooplog := zerolog.Nop()
	ctx := context.Background()

	newHandler := func(tt *testing.T) http.Handler {
		store := newMemoryStore(tt)
		_, err := store.Insert(ctx, &ledgerx.Account{
			AccountNumber: 5465,
			CustomerName:  "Alex Trebek",
			Balance:       decimal.RequireFromString("989.12"),
		})
		require.Nil(tt, err)
		svc := ledgerx.Chain(
			ledgerx.NewService(store, &nooplog),
			ledgerx.NewValidationMiddleware(),
		)
		return ledgerx.NewHTTPHandler(svc, &nooplog)
	}

	t.Run("rejects amounts outside the storable range", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		hndlr := newHandler(tt)

		for _, body := range []string{"1e20000000", "1e999999999", "-1e20000000", "1e-20000000", `"1e20000000"`} {
			for _, path := range []string{"/accounts/5465/deposit", "/accounts/5465/withdrawal"} {
				w := serve(hndlr, http.MethodPut, path, bytes.NewBufferString(body))
				as.Equal(http.StatusBadRequest, w.Code, body)
				resp := errResp{}
				reqrd.Nil(json.Unmarshal(w.Body.Bytes(), &resp))
				as.Contains(resp.Fields, "amount", body)
			}
		}

		w := serve(hndlr, http.MethodGet, "/accounts/5465", nil)
		as.Equal(http.StatusOK, w.Code)
		resp := map[string]any{}
		reqrd.Nil(json.Unmarshal(w.Body.Bytes(), &resp))
		as.Equal("989.12", resp["balance"])
	})

	t.Run("rejects an out of range opening balance", func(tt *testing.T) {
		as := assert.New(tt)
		hndlr := newHandler(tt)

		body := bytes.NewBufferString(`{"accountNumber":324324,"balance":1e20000000}`)
		w := serve(hndlr, http.MethodPost, "/accounts", body)
		as.Equal(http.StatusBadRequest, w.Code)
	})

	t.Run("accepts exactly one pair of quotes", func(tt *testing.T) {
		as := assert.New(tt)
		hndlr := newHandler(tt)

		for _, body := range []string{`""154.98""`, `"154.98`, `154.98"`, `"15"4.98"`} {
			w := serve(hndlr, http.MethodPut, "/accounts/5465/deposit", bytes.NewBufferString(body))
			as.Equal(http.StatusBadRequest, w.Code, body)
		}

		w := serve(hndlr, http.MethodPut, "/accounts/5465/deposit", bytes.NewBufferString(` "10.88" `))
		as.Equal(http.StatusOK, w.Code)
		resp := map[string]any{}
		as.Nil(json.Unmarshal(w.Body.Bytes(), &resp))
		as.Equal("1000", resp["balance"])
	})
}
