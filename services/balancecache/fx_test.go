package balancecache

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"storefront-ledger/services/account"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/stretchr/testify/require"
)

type codeReader struct{ code int }

func (r codeReader) GetBalance(ctx context.Context, id int64) (account.BalanceSnapshot, error) {
	return account.BalanceSnapshot{AccountID: id, ErrorCode: r.code}, nil
}

func newTestMux(t *testing.T, reader BalanceReader) *runtime.ServeMux {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	mux := runtime.NewServeMux()
	require.NoError(t, registerRoutes(mux, newTestCache(reader, clock, Options{})))
	return mux
}

func TestHandleGetReturnsSnapshot(t *testing.T) {
	mux := newTestMux(t, newReaderMock())

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/accounts/5/balance", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Balance account.BalanceSnapshot `json:"balance"`
		Message string                  `json:"message"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, int64(5), body.Balance.AccountID)
	require.Equal(t, int64(50), body.Balance.Silk)
	require.Equal(t, account.Translate(account.CodeOK), body.Message)
}

func TestHandleGetKeepsAccountOnBusinessCode(t *testing.T) {
	mux := newTestMux(t, codeReader{code: 1})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/accounts/8/balance", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Balance account.BalanceSnapshot `json:"balance"`
		Message string                  `json:"message"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, int64(8), body.Balance.AccountID)
	require.Equal(t, 1, body.Balance.ErrorCode)
	require.Equal(t, account.Translate(1), body.Message)
}

func TestHandleGetManyRejectsEmptyBatch(t *testing.T) {
	mux := newTestMux(t, newReaderMock())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/balances/batch", strings.NewReader(`{"account_ids":[]}`))
	req.Header.Set("Content-Type", "application/json")
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
