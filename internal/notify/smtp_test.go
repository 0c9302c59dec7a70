package notify

import (
	"context"
	"strings"
	"testing"
	"time"

	smtpmock "github.com/mocktools/go-smtp-mock/v2"
	"github.com/stretchr/testify/require"
)

func startSMTP(t *testing.T) *smtpmock.Server {
	t.Helper()
	srv := smtpmock.New(smtpmock.ConfigurationAttr{
		HostAddress:       "127.0.0.1",
		LogToStdout:       false,
		LogServerActivity: false,
		MultipleRcptto:    true,
	})
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })
	return srv
}

func TestSMTP_Send_CreditExhausted(t *testing.T) {
	t.Parallel()
	srv := startSMTP(t)

	n := NewSMTP(SMTPConfig{Host: "127.0.0.1", Port: srv.PortNumber()})
	msg := CreditExhausted("hotspot@example.com", "ops@example.com, owner@example.com", Exhaustion{
		System: "hotspotd", Site: "centro", Username: "maria",
		Quota: 1000 * 1024 * 1024, Used: 1050 * 1024 * 1024, At: time.Now(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, n.Send(ctx, msg))

	require.Eventually(t, func() bool { return len(srv.Messages()) == 1 }, 2*time.Second, 20*time.Millisecond)
	got := srv.Messages()[0]
	require.True(t, strings.Contains(got.MsgRequest(), "Subject: [hotspotd] credit exhausted: maria"))
	require.True(t, strings.Contains(got.MsgRequest(), "1000 MiB"))
	require.Len(t, got.RcpttoRequestResponse(), 2)
}

func TestSMTP_Send_Validation(t *testing.T) {
	t.Parallel()
	n := NewSMTP(SMTPConfig{Host: "127.0.0.1", Port: 1})
	require.Error(t, n.Send(context.Background(), Message{To: []string{"a@b"}}))
	require.Error(t, n.Send(context.Background(), Message{From: "a@b"}))
}

func TestSMTP_Send_Unreachable(t *testing.T) {
	t.Parallel()
	srv := startSMTP(t)
	port := srv.PortNumber()
	require.NoError(t, srv.Stop())

	n := NewSMTP(SMTPConfig{Host: "127.0.0.1", Port: port})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.Error(t, n.Send(ctx, Message{From: "a@b.c", To: []string{"c@d.e"}, Subject: "s", Body: "b"}))
}

func TestRecipients(t *testing.T) {
	t.Parallel()
	require.Equal(t, []string{"a@x", "b@x"}, Recipients(" a@x, ,b@x "))
	require.Nil(t, Recipients(""))
}

func TestRenewalReport(t *testing.T) {
	t.Parallel()
	m := RenewalReport("f@x", "t@x", "hs", 10, 2, 1, 500*1024*1024, time.Date(2024, 1, 2, 3, 0, 0, 0, time.UTC))
	require.Equal(t, "[hs] daily credit renewal", m.Subject)
	require.Contains(t, m.Body, "500 MiB")
	require.Contains(t, m.Body, "Reactivated:   2")
}
