package nats

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classifieds-hub/mailbox/internal/events"
	"github.com/classifieds-hub/mailbox/pkg/logger"
)

func TestSubject(t *testing.T) {
	assert.Equal(t, "mbox.evt.message_sent", Subject(events.KindMessageSent))
	assert.Equal(t, "mbox.evt.notifications_deleted_all", Subject(events.KindNotificationsDeletedAll))
}

func TestCreateTLSConfigMissingFiles(t *testing.T) {
	_, err := createTLSConfig("/nonexistent/ca.pem", "/nonexistent/cert.pem", "/nonexistent/key.pem")
	assert.Error(t, err)
}

func TestCreateTLSConfigRequiresCertAndKeyTogether(t *testing.T) {
	_, err := createTLSConfig("", "/tmp/cert.pem", "")
	assert.Error(t, err)
}

func TestCreateTLSConfigRejectsBadCA(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(path, []byte("not a certificate"), 0o600))

	_, err := createTLSConfig(path, "", "")
	assert.Error(t, err)
}

func TestConnectOptions(t *testing.T) {
	_, err := connectOptions(Config{}, logger.NewNop())
	assert.Error(t, err)

	plain, err := connectOptions(Config{URL: "nats://localhost:4222"}, logger.NewNop())
	require.NoError(t, err)

	named, err := connectOptions(Config{URL: "nats://localhost:4222", Name: "api-1", Token: "s3cret"}, logger.NewNop())
	require.NoError(t, err)
	assert.Len(t, named, len(plain)+2)

	_, err = connectOptions(Config{URL: "nats://localhost:4222", CAFile: "/nonexistent/ca.pem"}, logger.NewNop())
	assert.Error(t, err)
}
