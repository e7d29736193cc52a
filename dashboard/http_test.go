package dashboard

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/meshnet-tools/meshagent/discovery"
	"github.com/meshnet-tools/meshagent/payment"
	"github.com/stretchr/testify/require"
)

func TestUnauthenticatedRequestIsRejected(t *testing.T) {
	svc := NewService(&fakeKeeper{}, &fakeTunnels{}, &fakeListener{}, &fakePayments{})
	srv := NewServer(svc, []byte("root-key-0123456789abcdef"))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/debts")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuthenticatedRequestSucceeds(t *testing.T) {
	rootKey := []byte("root-key-0123456789abcdef")
	svc := NewService(&fakeKeeper{}, &fakeTunnels{}, &fakeListener{}, &fakePayments{})
	srv := NewServer(svc, rootKey)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	mac, err := MintAdminMacaroon(rootKey, time.Now().Add(time.Hour))
	require.NoError(t, err)
	serialized, err := mac.MarshalBinary()
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/v1/debts", nil)
	require.NoError(t, err)
	req.Header.Set("Macaroon", hex.EncodeToString(serialized))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListenInterfaceEndpointAccepts(t *testing.T) {
	rootKey := []byte("root-key-0123456789abcdef")
	l := &fakeListener{status: map[string]discovery.Enrollment{}}
	svc := NewService(&fakeKeeper{}, &fakeTunnels{}, l, &fakePayments{})
	srv := NewServer(svc, rootKey)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	mac, err := MintAdminMacaroon(rootKey, time.Now().Add(time.Hour))
	require.NoError(t, err)
	serialized, err := mac.MarshalBinary()
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/interfaces/listen?iface=wg3", nil)
	require.NoError(t, err)
	req.Header.Set("Macaroon", hex.EncodeToString(serialized))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, []string{"wg3"}, l.listened)
}

func TestPaymentNotifyEndpointRequiresNoMacaroon(t *testing.T) {
	payments := &fakePayments{}
	svc := NewService(&fakeKeeper{}, &fakeTunnels{}, &fakeListener{}, payments)
	srv := NewServer(svc, []byte("root-key-0123456789abcdef"))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body, err := json.Marshal(payment.Notification{TxHash: [32]byte{7}})
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/v1/payments/notify", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Len(t, payments.notified, 1)
}

func TestPaymentNotifyEndpointRejectsMalformedBody(t *testing.T) {
	svc := NewService(&fakeKeeper{}, &fakeTunnels{}, &fakeListener{}, &fakePayments{})
	srv := NewServer(svc, []byte("root-key-0123456789abcdef"))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/payments/notify", "application/json", bytes.NewReader([]byte("not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
