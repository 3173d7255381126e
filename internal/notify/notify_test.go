package notify

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	name   string
	err    error
	titles []string
	events []string
}

func (r *recordingSender) Send(_ context.Context, m Message) error {
	r.titles = append(r.titles, m.Title)
	r.events = append(r.events, m.Event)
	return r.err
}

func (r *recordingSender) Name() string { return r.name }

func TestNotifier_FiltersEvents(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{"flow_failed", " confirmation_timeout "}, nil)
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, "flow_success", "buy succeeded", ""))
	require.NoError(t, n.Notify(ctx, "flow_failed", "buy failed", ""))
	require.NoError(t, n.Notify(ctx, "confirmation_timeout", "buy unknown", ""))
	require.NoError(t, n.NotifyAll(ctx, "startup", ""))

	assert.Equal(t, []string{"buy failed", "buy unknown", "startup"}, s.titles)
	assert.Equal(t, []string{"flow_failed", "confirmation_timeout", ""}, s.events)
}

func TestNotifier_CollectsSenderErrors(t *testing.T) {
	boom := errors.New("boom")
	ok := &recordingSender{name: "ok"}
	bad := &recordingSender{name: "bad", err: boom}
	n := NewNotifier([]Sender{bad, ok}, nil, nil)

	err := n.Notify(context.Background(), "flow_success", "t", "m")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, ok.titles, 1)
}

func TestTelegramSender_EscapesMarkdown(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42").WithBaseURL(srv.URL + "/")
	require.NoError(t, s.Send(context.Background(), Message{
		Event: EventFlowSuccess,
		Title: "grant_role succeeded",
		Body:  "key grant_role:MINTER_ROLE:0xabc",
	}))

	assert.Equal(t, "42", got["chat_id"])
	assert.True(t, strings.HasPrefix(got["text"], "✅ *grant\\_role succeeded*"), got["text"])
	assert.Contains(t, got["text"], `MINTER\_ROLE`)
}

func TestTelegramSender_ReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewTelegramSender("T", "1").WithBaseURL(srv.URL).Send(context.Background(), Message{Title: "t"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestDiscordSender_PostsEmbed(t *testing.T) {
	var got struct {
		Embeds []discordEmbed `json:"embeds"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewDiscordSender(srv.URL)
	require.NoError(t, s.Send(context.Background(), Message{
		Event: EventFlowFailed,
		Title: "buy failed",
		Body:  strings.Repeat("é", 5000),
	}))
	require.Len(t, got.Embeds, 1)
	e := got.Embeds[0]
	assert.Equal(t, "buy failed", e.Title)
	assert.Equal(t, discordColors[EventFlowFailed], e.Color)
	assert.Equal(t, discordMaxDescription, utf8.RuneCountInString(e.Description))
	assert.True(t, strings.HasSuffix(e.Description, "…"))
}

func TestDiscordSender_UnknownEventUsesDefaultColor(t *testing.T) {
	var got struct {
		Embeds []discordEmbed `json:"embeds"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, NewDiscordSender(srv.URL).Send(context.Background(), Message{Title: "startup"}))
	require.Len(t, got.Embeds, 1)
	assert.Equal(t, discordDefaultColor, got.Embeds[0].Color)
	assert.Empty(t, got.Embeds[0].Description)
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "1.5", FormatAmount(big.NewInt(1500000), 6))
	assert.Equal(t, "100", FormatAmount(big.NewInt(100), 0))
	assert.Equal(t, "0.0001", FormatAmount(big.NewInt(100), 6))
	assert.Equal(t, "0", FormatAmount(nil, 18))
}

func TestParseAmount(t *testing.T) {
	v, err := ParseAmount("1.5", 6)
	require.NoError(t, err)
	assert.Equal(t, int64(1500000), v.Int64())

	v, err = ParseAmount("0.1234567", 6)
	require.NoError(t, err)
	assert.Equal(t, int64(123456), v.Int64())

	_, err = ParseAmount("abc", 6)
	assert.Error(t, err)
}
