package localnode

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"nhbchain/wire"
)

func TestStatusRouterReportsNotCapableReason(t *testing.T) {
	addr := wire.NetAddress{IP: []byte{127, 0, 0, 1}, Port: 9999}
	c, selfAddr := newTestController(t, addr, false, stubReachability{})
	c.ManageState(selfAddr, 9999, 19999)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	c.StatusRouter().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "NOT_CAPABLE", resp.State)
	require.Contains(t, resp.Reason, "listen")
}
