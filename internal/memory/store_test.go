package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"agentrelay/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "relay.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func textMessage(sender, text string) *domain.Message {
	return &domain.Message{
		Channel:  domain.ChannelWhatsApp,
		Type:     domain.MessageText,
		Origin:   domain.OriginCounterpart,
		SenderID: sender,
		Text:     text,
	}
}

func TestFindOrCreate_ReturnsSameConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.FindOrCreate(ctx, domain.ChannelWhatsApp, "5511999990000")
	require.NoError(t, err)
	second, err := s.FindOrCreate(ctx, domain.ChannelWhatsApp, "5511999990000")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, domain.ConversationActive, first.Status)

	other, err := s.FindOrCreate(ctx, domain.ChannelTelegram, "5511999990000")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID, "same participant on another channel is another conversation")
}

func TestFindOrCreate_Concurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ids := make([]string, 8)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conv, err := s.FindOrCreate(ctx, domain.ChannelTelegram, "777")
			if assert.NoError(t, err) {
				ids[i] = conv.ID
			}
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestAppend_RecentMessagesInOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv, err := s.FindOrCreate(ctx, domain.ChannelWhatsApp, "5511")
	require.NoError(t, err)

	for i := range 15 {
		require.NoError(t, s.Append(ctx, conv.ID, textMessage("5511", fmt.Sprintf("msg %d", i))))
	}

	recent, err := s.RecentMessages(ctx, conv.ID, 10)
	require.NoError(t, err)
	require.Len(t, recent, 10)
	assert.Equal(t, "msg 5", recent[0].Text)
	assert.Equal(t, "msg 14", recent[9].Text)
	for _, m := range recent {
		assert.Equal(t, conv.ID, m.ConversationID)
		assert.NotEmpty(t, m.ID)
		assert.Equal(t, domain.StatusPending, m.Status)
	}
}

func TestAppend_ConcurrentWritersKeepEveryMessage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv, err := s.FindOrCreate(ctx, domain.ChannelTelegram, "42")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := range 5 {
				assert.NoError(t, s.Append(ctx, conv.ID, textMessage("42", fmt.Sprintf("w%d-%d", w, i))))
			}
		}(w)
	}
	wg.Wait()

	all, err := s.RecentMessages(ctx, conv.ID, 100)
	require.NoError(t, err)
	require.Len(t, all, 20)

	// Each writer's messages appear in the order it wrote them.
	last := map[byte]byte{}
	for _, m := range all {
		w, i := m.Text[1], m.Text[3]
		if prev, ok := last[w]; ok {
			assert.Greater(t, i, prev, "writer %c out of order", w)
		}
		last[w] = i
	}
}

func TestAppend_UnknownConversation(t *testing.T) {
	s := newTestStore(t)
	err := s.Append(context.Background(), "missing", textMessage("1", "hi"))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAppend_RejectsMismatchedPayload(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv, err := s.FindOrCreate(ctx, domain.ChannelWhatsApp, "1")
	require.NoError(t, err)

	msg := textMessage("1", "")
	msg.Type = domain.MessageMedia
	assert.Error(t, s.Append(ctx, conv.ID, msg))
}

func TestAppend_PayloadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv, err := s.FindOrCreate(ctx, domain.ChannelWhatsApp, "1")
	require.NoError(t, err)

	msg := &domain.Message{
		Channel:  domain.ChannelWhatsApp,
		Type:     domain.MessageLocation,
		Origin:   domain.OriginCounterpart,
		SenderID: "1",
		Location: &domain.Location{Latitude: -23.55, Longitude: -46.63, Name: "Loja Centro"},
	}
	require.NoError(t, s.Append(ctx, conv.ID, msg))

	got, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Location)
	assert.Equal(t, "Loja Centro", got.Location.Name)
	assert.InDelta(t, -23.55, got.Location.Latitude, 1e-9)
}

func TestUpdateDeliveryStatus_ForwardOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv, err := s.FindOrCreate(ctx, domain.ChannelWhatsApp, "1")
	require.NoError(t, err)

	msg := textMessage("support", "Olá!")
	msg.Origin = domain.OriginAgent
	require.NoError(t, s.Append(ctx, conv.ID, msg))

	require.NoError(t, s.UpdateDeliveryStatus(ctx, msg.ID, domain.StatusSent, "wamid.1", ""))
	require.NoError(t, s.UpdateDeliveryStatusByExternalID(ctx, domain.ChannelWhatsApp, "wamid.1", domain.StatusRead, ""))

	err = s.UpdateDeliveryStatusByExternalID(ctx, domain.ChannelWhatsApp, "wamid.1", domain.StatusDelivered, "")
	assert.ErrorIs(t, err, domain.ErrStatusRegression)

	got, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRead, got.Status)
	assert.Equal(t, "wamid.1", got.ExternalID)
}

func TestUpdateDeliveryStatus_FailedIsTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv, err := s.FindOrCreate(ctx, domain.ChannelTelegram, "1")
	require.NoError(t, err)

	msg := textMessage("bot", "hello")
	msg.Origin = domain.OriginAgent
	require.NoError(t, s.Append(ctx, conv.ID, msg))

	require.NoError(t, s.UpdateDeliveryStatus(ctx, msg.ID, domain.StatusFailed, "", "chat not found"))
	assert.ErrorIs(t, s.UpdateDeliveryStatus(ctx, msg.ID, domain.StatusSent, "", ""), domain.ErrStatusRegression)

	got, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, "chat not found", got.Error)
}

func TestUpdateDeliveryStatus_Unknown(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	assert.ErrorIs(t, s.UpdateDeliveryStatus(ctx, "nope", domain.StatusSent, "", ""), domain.ErrNotFound)
	assert.ErrorIs(t, s.UpdateDeliveryStatusByExternalID(ctx, domain.ChannelWhatsApp, "wamid.x", domain.StatusRead, ""), domain.ErrNotFound)
}

func TestMergeMetadata(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv, err := s.FindOrCreate(ctx, domain.ChannelTelegram, "99")
	require.NoError(t, err)

	require.NoError(t, s.MergeMetadata(ctx, conv.ID, map[string]string{"name": "Ana"}))
	require.NoError(t, s.MergeMetadata(ctx, conv.ID, map[string]string{"username": "ana_s"}))

	again, err := s.FindOrCreate(ctx, domain.ChannelTelegram, "99")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"name": "Ana", "username": "ana_s"}, again.Metadata)

	assert.ErrorIs(t, s.MergeMetadata(ctx, "missing", map[string]string{"a": "b"}), domain.ErrNotFound)
}

func testAgent() domain.Agent {
	return domain.Agent{
		ID:           "support",
		Name:         "Support",
		Role:         domain.RoleCustomerService,
		Model:        "gpt-4o-mini",
		SystemPrompt: "You answer customer questions.",
		Personality:  domain.Personality{Tone: "friendly", Language: "pt-BR"},
		Channels: map[domain.Channel]domain.ChannelSettings{
			domain.ChannelWhatsApp: {Enabled: true},
		},
	}
}

func TestAgents_UpsertGetSetStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, testAgent()))

	got, err := s.GetByID(ctx, "support")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentActive, got.Status)
	assert.Equal(t, "pt-BR", got.Personality.Language)
	assert.True(t, got.Serves(domain.ChannelWhatsApp))
	assert.False(t, got.Serves(domain.ChannelTelegram))

	require.NoError(t, s.SetStatus(ctx, "support", domain.AgentError, "invalid_api_key"))
	got, err = s.GetByID(ctx, "support")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentError, got.Status)
	assert.Equal(t, "invalid_api_key", got.LastError)

	_, err = s.GetByID(ctx, "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, s.SetStatus(ctx, "ghost", domain.AgentInactive, ""), domain.ErrNotFound)

	agents, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, agents, 1)
}

func TestImportAgents(t *testing.T) {
	s := newTestStore(t)
	path := filepath.Join(t.TempDir(), "agents.yaml")
	catalog := `
agents:
  - id: support
    name: Suporte
    role: customer_service
    model: gpt-4o-mini
    systemPrompt: Você é o atendente da loja.
    personality:
      tone: friendly
      language: pt-BR
    channels:
      whatsapp:
        enabled: true
  - id: ops
    name: Ops
    role: task_execution
    model: gpt-4o
    systemPrompt: You summarize marketplace events.
    status: inactive
`
	require.NoError(t, os.WriteFile(path, []byte(catalog), 0o644))

	n, err := s.ImportAgents(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ops, err := s.GetByID(context.Background(), "ops")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentInactive, ops.Status)
	assert.False(t, ops.Serves(domain.ChannelMarketplace))
}

func TestLoadAgentCatalog_Invalid(t *testing.T) {
	dir := t.TempDir()

	dup := filepath.Join(dir, "dup.yaml")
	require.NoError(t, os.WriteFile(dup, []byte(`
agents:
  - {id: a, role: tech_support, model: m, systemPrompt: p}
  - {id: a, role: tech_support, model: m, systemPrompt: p}
`), 0o644))
	_, err := LoadAgentCatalog(dup)
	assert.ErrorContains(t, err, "duplicate")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte(`
agents:
  - {id: a, role: astronaut, model: m, systemPrompt: p}
`), 0o644))
	_, err = LoadAgentCatalog(bad)
	assert.ErrorContains(t, err, "unknown role")
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, testAgent()))
	conv, err := s.FindOrCreate(ctx, domain.ChannelWhatsApp, "1")
	require.NoError(t, err)
	msg := textMessage("1", "hi")
	msg.Timestamp = time.Now()
	require.NoError(t, s.Append(ctx, conv.ID, msg))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Agents: 1, Conversations: 1, Messages: 1}, st)
}

func TestSnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, testAgent()))

	path := filepath.Join(t.TempDir(), "snap.db")
	require.NoError(t, s.Snapshot(ctx, path))
	assert.Error(t, s.Snapshot(ctx, path), "existing file is not overwritten")

	copied, err := NewSQLiteStore(path, testLogger())
	require.NoError(t, err)
	defer copied.Close()
	st, err := copied.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Agents)
}
