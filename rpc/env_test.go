package rpc

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/heroiclabs/nakama-common/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mathraid-server/config"
	raiderrors "mathraid-server/errors"
)

func ctxWithUser(uid string) context.Context {
	return context.WithValue(context.Background(), runtime.RUNTIME_CTX_USER_ID, uid)
}

func TestRequireUserExtractsFromContext(t *testing.T) {
	uid, err := requireUser(ctxWithUser("p1"))
	require.NoError(t, err)
	assert.Equal(t, "p1", uid)
}

func TestRequireUserRejectsMissingUser(t *testing.T) {
	_, err := requireUser(context.Background())
	assert.ErrorIs(t, err, raiderrors.ErrNoUserIDFound)
}

func TestRequireWorkerAllowsSystemCaller(t *testing.T) {
	cfg := &config.Config{}
	assert.NoError(t, requireWorker(context.Background(), cfg, "{}"))
}

func TestRequireWorkerAllowsAllowlistedUser(t *testing.T) {
	cfg := &config.Config{Worker: config.WorkerConfig{AuthorizedUserIDs: []string{"worker-1"}}}
	assert.NoError(t, requireWorker(ctxWithUser("worker-1"), cfg, "{}"))
}

func TestRequireWorkerRejectsUnknownUserWithoutToken(t *testing.T) {
	cfg := &config.Config{Worker: config.WorkerConfig{AuthorizedUserIDs: []string{"worker-1"}}}
	err := requireWorker(ctxWithUser("some-player"), cfg, "{}")
	assert.ErrorIs(t, err, raiderrors.ErrNotAuthorizedWorker)
}

func TestRequireWorkerAcceptsValidSignedToken(t *testing.T) {
	cfg := &config.Config{Worker: config.WorkerConfig{JWTSecret: "shh"}}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("shh"))
	require.NoError(t, err)

	payload := `{"worker_token":"` + signed + `"}`
	assert.NoError(t, requireWorker(ctxWithUser("external-worker"), cfg, payload))
}

func TestRequireWorkerRejectsTokenWithWrongSecret(t *testing.T) {
	cfg := &config.Config{Worker: config.WorkerConfig{JWTSecret: "shh"}}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("wrong-secret"))
	require.NoError(t, err)

	payload := `{"worker_token":"` + signed + `"}`
	err = requireWorker(ctxWithUser("external-worker"), cfg, payload)
	assert.ErrorIs(t, err, raiderrors.ErrNotAuthorizedWorker)
}

type decodeTarget struct {
	Name string `json:"name"`
}

func TestDecodeRoundTripsJSON(t *testing.T) {
	v, err := decode[decodeTarget](`{"name":"Ada"}`)
	require.NoError(t, err)
	assert.Equal(t, "Ada", v.Name)
}

func TestDecodeRejectsInvalidJSON(t *testing.T) {
	_, err := decode[decodeTarget](`not json`)
	assert.ErrorIs(t, err, raiderrors.ErrUnmarshal)
}

func TestNewRaidIDIsUniquePerCall(t *testing.T) {
	a := newRaidID()
	b := newRaidID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}
