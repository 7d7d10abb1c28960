//go:build integration

package notify_test

import (
	"testing"

	"github.com/lllypuk/eventflow/internal/infrastructure/notify"
	"github.com/lllypuk/eventflow/tests/testutil"
)

func TestRedisNotifier_Contract(t *testing.T) {
	client, prefix := testutil.SetupTestRedis(t)
	runNotifierContract(t, notify.NewRedisNotifier(client, notify.WithRedisChannel(prefix+"commits")))
}

func TestNATSNotifier_Contract(t *testing.T) {
	nc := testutil.SetupTestNATS(t)
	runNotifierContract(t, notify.NewNATSNotifier(nc, "test."+t.Name(), nil))
}
