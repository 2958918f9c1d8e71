package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CrowderSoup/boardsync/board"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	logger, _ := test.NewNullLogger()
	opts = append([]Option{WithLogger(logger), WithTokenProvider(StaticToken("secret-token"))}, opts...)
	return New(srv.URL, opts...)
}

func TestFetchStages_OrdersByNumericValue(t *testing.T) {
	var gotAuth string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, "/api/stages", r.URL.Path)
		io.WriteString(w, `{"10":"Lost","2":"Contacted","1":"New"}`)
	})

	stages, err := c.FetchStages(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "Bearer secret-token", gotAuth)
	assert.Equal(t, []board.Stage{
		{ID: "1", Title: "New", Order: 0, Value: 1},
		{ID: "2", Title: "Contacted", Order: 1, Value: 2},
		{ID: "10", Title: "Lost", Order: 2, Value: 10},
	}, stages)
}

func TestFetchStages_Failures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantAPI bool
	}{
		{"non-numeric key", http.StatusOK, `{"new":"New"}`, false},
		{"not an object", http.StatusOK, `["New"]`, false},
		{"http failure", http.StatusUnauthorized, `{"message":"token expired"}`, true},
		{"embedded failure", http.StatusOK, `{"statusCode":403,"message":"forbidden","data":{}}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			})

			_, err := c.FetchStages(context.Background())
			require.Error(t, err)
			var apiErr *APIError
			assert.Equal(t, tt.wantAPI, errors.As(err, &apiErr))
			if !tt.wantAPI {
				assert.ErrorIs(t, err, ErrMalformed)
			}
		})
	}
}

func TestFetchRecords_AcceptsBareArrayAndEnvelope(t *testing.T) {
	bodies := map[string]string{
		"bare":     `[{"id":"L1","status":1},{"id":"L2","status":2}]`,
		"envelope": `{"statusCode":200,"result":[{"id":"L1","status":1},{"id":"L2","status":2}]}`,
	}

	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, body)
			})

			records, err := c.FetchRecords(context.Background())
			require.NoError(t, err)
			require.Len(t, records, 2)
			assert.Equal(t, "L1", records[0].String("id"))
			assert.Equal(t, "2", records[1].String("status"))
		})
	}
}

func TestUpdateStatus_SendsFullRecord(t *testing.T) {
	var got map[string]any
	var method, path string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		io.WriteString(w, `{"statusCode":200,"message":"ok","data":{"id":"L 1","status":3,"statusLabel":"Won"}}`)
	})

	rec := board.Record{"id": "L 1", "name": "Acme", "status": float64(1)}
	confirmed, err := c.UpdateStatus(context.Background(), rec, 3)
	require.NoError(t, err)

	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/api/records/L 1", path)
	assert.Equal(t, float64(3), got["status"])
	assert.Equal(t, "Acme", got["name"])
	assert.Equal(t, float64(1), rec["status"], "input record must not be modified")
	assert.Equal(t, "Won", confirmed["statusLabel"])
}

func TestUpdateStatus_SuccessDecision(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		ok     bool
	}{
		{"2xx without envelope", http.StatusNoContent, ``, true},
		{"2xx with success code", http.StatusOK, `{"statusCode":200}`, true},
		{"2xx with zero code", http.StatusOK, `{"code":0,"message":"done"}`, true},
		{"2xx with string success", http.StatusOK, `{"status":"success"}`, true},
		{"2xx with embedded failure", http.StatusOK, `{"statusCode":422,"message":"Stage is locked"}`, false},
		{"2xx with string failure", http.StatusOK, `{"status":"error","message":"nope"}`, false},
		{"statusCode wins over code", http.StatusOK, `{"statusCode":400,"code":0}`, false},
		{"4xx with success code", http.StatusConflict, `{"statusCode":200,"message":"stale"}`, false},
		{"4xx without body", http.StatusBadRequest, ``, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			})

			_, err := c.UpdateStatus(context.Background(), board.Record{"id": "L1"}, 2)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.HTTPStatus)
			assert.NotEmpty(t, apiErr.UserMessage())
		})
	}
}

func TestAPIError_UserMessageFallbacks(t *testing.T) {
	tests := []struct {
		name string
		err  APIError
		want string
	}{
		{"backend message", APIError{HTTPStatus: 200, Code: "422", Message: "Stage is locked"}, "Stage is locked"},
		{"http status text", APIError{HTTPStatus: 409, Code: "200"}, "Conflict"},
		{"embedded numeric code", APIError{HTTPStatus: 200, Code: "400"}, "Bad Request"},
		{"textual code", APIError{HTTPStatus: 200, Code: "error"}, "request failed"},
		{"unknown numeric code", APIError{HTTPStatus: 200, Code: "7"}, "request failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.UserMessage())
		})
	}
}

func TestUpdateStatus_EmbeddedFailureWithoutMessage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"statusCode":400,"code":0}`)
	})
	_, err := c.UpdateStatus(context.Background(), board.Record{"id": "L1"}, 2)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "Bad Request", apiErr.UserMessage())
}

func TestUpdateStatus_MessageSurfacedToReconciler(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"statusCode":409,"message":"Lead already converted"}`)
	})
	_, err := c.UpdateStatus(context.Background(), board.Record{"id": "L1"}, 2)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "Lead already converted", apiErr.UserMessage())
	assert.Equal(t, "409", apiErr.Code)
}

func TestUpdateStatus_RequiresID(t *testing.T) {
	c := New("http://127.0.0.1:0")
	_, err := c.UpdateStatus(context.Background(), board.Record{"name": "x"}, 1)
	assert.Error(t, err)
}

func TestBreakerOpensOnServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}, WithBreaker(gobreaker.Settings{
		Name:    "test",
		Timeout: time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 2
		},
	}))

	for i := 0; i < 2; i++ {
		_, err := c.FetchRecords(context.Background())
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusBadGateway, apiErr.HTTPStatus)
	}
	_, err := c.FetchRecords(context.Background())
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(2), calls.Load())
}

func TestTokenProviderError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request must not be sent without a token")
	}, WithTokenProvider(TokenFunc(func(context.Context) (string, error) {
		return "", errors.New("no session")
	})))

	_, err := c.FetchStages(context.Background())
	assert.ErrorContains(t, err, "no session")
}

func TestClientFeedsReconciler(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/stages", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"1":"New","2":"Won"}`)
	})
	mux.HandleFunc("/api/records", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"result":[{"id":"L1","name":"Acme","status":1}]}`)
	})
	mux.HandleFunc("/api/records/L1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		io.WriteString(w, `{"statusCode":422,"message":"Won requires a quotation"}`)
	})
	c := newTestClient(t, mux.ServeHTTP)

	logger, _ := test.NewNullLogger()
	r := board.NewReconciler(c, c, c, board.WithLogger(logger))
	require.NoError(t, r.Refresh(context.Background()))
	require.NoError(t, r.StartDrag("1", "L1"))

	_, err := r.DropOn(context.Background(), "2")
	var rej *board.MoveRejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "Won requires a quotation", rej.Reason)
	col, _ := r.Board().Column("1")
	require.Len(t, col.Cards, 1)
	assert.Equal(t, "L1", col.Cards[0].ID)
}
