package servers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePayload = `{
	"gamename": "opflashr",
	"gamever": "1.99",
	"groupid": "261",
	"hostname": "EASY_WW2   |   https://silion.ru/@WW2_MP_V3.7z",
	"hostport": "2338",
	"mapname": "",
	"gametype": "",
	"numplayers": "0",
	"maxplayers": "79",
	"gamemode": "openplaying",
	"timeleft": "0",
	"actver": "199",
	"reqver": "199",
	"mod": "RES;@WW2_MP_V3",
	"password": "0",
	"gstate": "2",
	"impl": "sockets",
	"platform": "win",
	"players": [],
	"replied_in": 0.04664288298226893
}`

func newTestFetcher(url string) *StatusFetcher {
	return NewStatusFetcher(url+"/", time.Second)
}

func TestStatusFetcherURL(t *testing.T) {
	f := NewStatusFetcher(DefaultAPIBase, time.Second)
	assert.Equal(t, "https://ofp-api.herokuapp.com/1.2.3.4:1000", f.URL(Address{IP: "1.2.3.4", Port: 1000}))
}

func TestStatusFetcherLoaded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/1.2.3.4:1000", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(samplePayload))
	}))
	defer srv.Close()

	rec := newTestFetcher(srv.URL).Fetch(context.Background(), NewRecord(Address{IP: "1.2.3.4", Port: 1000}))

	assert.True(t, rec.Loaded)
	assert.Equal(t, StatusLoaded, rec.Status)
	require.NotNil(t, rec.Payload)
	assert.Equal(t, "opflashr", rec.Payload.GameName)
	assert.Equal(t, "79", rec.Payload.MaxPlayers)
	assert.Equal(t, 0, rec.NumPlayers)
	assert.NoError(t, rec.Err)
	assert.Equal(t, 1, rec.Polls)
	assert.False(t, rec.LastGoodPoll.IsZero())
	assert.Equal(t, "Creating", rec.HumanStatus())
	assert.Equal(t, 47, rec.PingMillis())
}

func TestStatusFetcherParsesPlayers(t *testing.T) {
	body := strings.Replace(samplePayload, `"players": []`,
		`"players": [{"player": "Bob", "team": "west", "score": "3", "deaths": "1"}, {"player": "Al", "team": "east", "score": "0", "deaths": "2"}]`, 1)
	body = strings.Replace(body, `"numplayers": "0"`, `"numplayers": "2"`, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	rec := newTestFetcher(srv.URL).Fetch(context.Background(), NewRecord(Address{IP: "1.2.3.4", Port: 1}))
	require.Equal(t, StatusLoaded, rec.Status)
	assert.Equal(t, 2, rec.NumPlayers)
	assert.Equal(t, Player{Name: "Bob", Team: "west", Score: "3", Deaths: "1"}, rec.Payload.Players[0])
	assert.Equal(t, []string{"Al", "Bob"}, rec.PlayerNames())
}

func TestStatusFetcherFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantErr error
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
			wantErr: ErrServerUnreachable,
		},
		{
			name: "not found",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
			},
			wantErr: ErrServerUnreachable,
		},
		{
			name: "no content is not 200",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNoContent)
			},
			wantErr: ErrServerUnreachable,
		},
		{
			name: "bad json",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("{not json"))
			},
			wantErr: ErrMalformedPayload,
		},
		{
			name: "non numeric player count",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(strings.Replace(samplePayload, `"numplayers": "0"`, `"numplayers": "many"`, 1)))
			},
			wantErr: ErrMalformedPayload,
		},
		{
			name: "negative player count",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(strings.Replace(samplePayload, `"numplayers": "0"`, `"numplayers": "-3"`, 1)))
			},
			wantErr: ErrMalformedPayload,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			rec := newTestFetcher(srv.URL).Fetch(context.Background(), NewRecord(Address{IP: "1.2.3.4", Port: 1}))
			assert.True(t, rec.Loaded)
			assert.Equal(t, StatusFailed, rec.Status)
			assert.Nil(t, rec.Payload)
			assert.Zero(t, rec.NumPlayers)
			assert.ErrorIs(t, rec.Err, tt.wantErr)
			assert.Equal(t, "Error", rec.HumanStatus())
		})
	}
}

func TestStatusFetcherNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	rec := newTestFetcher(url).Fetch(context.Background(), NewRecord(Address{IP: "1.2.3.4", Port: 1}))
	assert.True(t, rec.Loaded)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Nil(t, rec.Payload)
	assert.ErrorIs(t, rec.Err, ErrServerUnreachable)
}

func TestStatusFetcherFailureClearsPreviousPayload(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(samplePayload))
	}))
	defer srv.Close()

	f := newTestFetcher(srv.URL)
	rec := f.Fetch(context.Background(), NewRecord(Address{IP: "1.2.3.4", Port: 1}))
	require.Equal(t, StatusLoaded, rec.Status)
	good := rec.LastGoodPoll

	fail.Store(true)
	rec = f.Fetch(context.Background(), rec)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Nil(t, rec.Payload)
	assert.Equal(t, 2, rec.Polls)
	assert.Equal(t, good, rec.LastGoodPoll)
}

func TestStatusFetcherTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	f := NewStatusFetcher(srv.URL+"/", 50*time.Millisecond)
	start := time.Now()
	rec := f.Fetch(context.Background(), NewRecord(Address{IP: "1.2.3.4", Port: 1}))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.ErrorIs(t, rec.Err, ErrServerUnreachable)
}
