package channel

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"agentrelay/internal/config"
	"agentrelay/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waTextPayload = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "102290129340398",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "contacts": [{"profile": {"name": "Maria"}, "wa_id": "5511999999999"}],
        "messages": [{
          "from": "5511999999999",
          "id": "wamid.HBgLNTUxMTk5OTk5OTk5ORUCABIYFjNFQjA",
          "timestamp": "1700000000",
          "type": "text",
          "text": {"body": "Olá"}
        }]
      }
    }]
  }]
}`

func newTestWhatsApp(apiBase string) *WhatsApp {
	return NewWhatsApp(WhatsAppChannelConfig{
		Config: config.WhatsAppConfig{
			AgentID:       "sales",
			AccessToken:   "EAAG-test",
			PhoneNumberID: "106540352242922",
			VerifyToken:   "verify-me",
			APIBase:       apiBase,
		},
		Logger: testLogger(),
	})
}

func TestWhatsApp_NormalizeText(t *testing.T) {
	wa := newTestWhatsApp("")
	in, err := wa.NormalizeInbound([]byte(waTextPayload))
	require.NoError(t, err)
	require.Len(t, in, 1)
	msg := in[0].Message
	require.NotNil(t, msg)
	assert.Equal(t, domain.InboundMessage, in[0].Kind)
	assert.Equal(t, domain.MessageText, msg.Type)
	assert.Equal(t, "Olá", msg.Text)
	assert.Equal(t, "5511999999999", msg.SenderID)
	assert.Equal(t, "Maria", msg.SenderName)
	assert.Equal(t, "wamid.HBgLNTUxMTk5OTk5OTk5ORUCABIYFjNFQjA", msg.ExternalID)
	assert.Equal(t, int64(1700000000), msg.Timestamp.Unix())
	assert.NoError(t, msg.Validate())
}

func TestWhatsApp_NormalizeRichAndStatuses(t *testing.T) {
	payload := `{"entry":[{"changes":[{"value":{
	  "messages":[
	    {"from":"1","id":"m1","type":"image","image":{"id":"media-1","mime_type":"image/jpeg","caption":"my receipt"}},
	    {"from":"1","id":"m2","type":"location","location":{"latitude":-23.5,"longitude":-46.6,"name":"Store"}},
	    {"from":"1","id":"m3","type":"contacts","contacts":[{"name":{"formatted_name":"Ana"},"phones":[{"phone":"+55 11 5555"}]}]},
	    {"from":"1","id":"m4","type":"sticker","sticker":{"id":"s"}}
	  ],
	  "statuses":[
	    {"id":"wamid.out1","status":"delivered","recipient_id":"1"},
	    {"id":"wamid.out2","status":"failed","recipient_id":"1","errors":[{"code":131047,"title":"Re-engagement message"}]},
	    {"id":"wamid.out3","status":"deleted"}
	  ]}}]}]}`

	in, err := newTestWhatsApp("").NormalizeInbound([]byte(payload))
	require.NoError(t, err)
	require.Len(t, in, 5, "sticker and unknown status are skipped")

	assert.Equal(t, domain.MessageMedia, in[0].Message.Type)
	assert.Equal(t, "[image] my receipt", in[0].Message.Content())
	assert.Equal(t, domain.MessageLocation, in[1].Message.Type)
	assert.Equal(t, "Store", in[1].Message.Location.Name)
	assert.Equal(t, "[contact] Ana +55 11 5555", in[2].Message.Content())

	assert.Equal(t, domain.InboundStatus, in[3].Kind)
	assert.Equal(t, &domain.StatusUpdate{ExternalID: "wamid.out1", RecipientID: "1", Status: domain.StatusDelivered}, in[3].Status)
	assert.Equal(t, domain.StatusFailed, in[4].Status.Status)
	assert.Equal(t, "Re-engagement message", in[4].Status.Error)
}

func TestWhatsApp_NormalizeMalformed(t *testing.T) {
	_, err := newTestWhatsApp("").NormalizeInbound([]byte(`{"entry": [`))
	assert.ErrorIs(t, err, domain.ErrMalformedPayload)
}

func TestWhatsApp_VerifyInbound(t *testing.T) {
	wa := newTestWhatsApp("")
	assert.True(t, wa.VerifyInbound("verify-me"))
	assert.False(t, wa.VerifyInbound("nope"))
	assert.False(t, NewWhatsApp(WhatsAppChannelConfig{Logger: testLogger()}).VerifyInbound(""))
}

func TestWhatsApp_Handshake(t *testing.T) {
	h := newTestWhatsApp("").Handler(&recordingProcessor{}, "sales")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/webhook/whatsapp?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=1158201444", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "1158201444", rr.Body.String())
	assert.Equal(t, "text/plain; charset=utf-8", rr.Header().Get("Content-Type"))

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/webhook/whatsapp?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=a%26b%3Cc%3E", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "a&b<c>", rr.Body.String(), "challenge is echoed verbatim")

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/webhook/whatsapp?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=1", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestWhatsApp_WebhookPost(t *testing.T) {
	proc := &recordingProcessor{}
	h := newTestWhatsApp("").Handler(proc, "sales")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhook/whatsapp?token=verify-me", strings.NewReader(waTextPayload)))
	assert.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, proc.seen(), 1)
	assert.Equal(t, "sales", proc.units[0].AgentID)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhook/whatsapp?token=bad", strings.NewReader(waTextPayload)))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Len(t, proc.seen(), 1, "rejected unit produced no inbound")
}

func TestWhatsApp_WebhookSignature(t *testing.T) {
	wa := newTestWhatsApp("")
	wa.cfg.AppSecret = "app-secret"
	proc := &recordingProcessor{}
	h := wa.Handler(proc, "sales")

	req := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp?token=verify-me", strings.NewReader(waTextPayload))
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Empty(t, proc.units, "bad signature never reaches the router")

	req = httptest.NewRequest(http.MethodPost, "/webhook/whatsapp?token=verify-me", strings.NewReader(waTextPayload))
	req.Header.Set("X-Hub-Signature-256", sign("app-secret", []byte(waTextPayload)))
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestWhatsApp_DispatchText(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/106540352242922/messages", r.URL.Path)
		assert.Equal(t, "Bearer EAAG-test", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		rw.Header().Set("Content-Type", "application/json")
		_, _ = rw.Write([]byte(`{"messaging_product":"whatsapp","contacts":[{"input":"5511999999999","wa_id":"5511999999999"}],"messages":[{"id":"wamid.reply1"}]}`))
	}))
	defer srv.Close()

	res := newTestWhatsApp(srv.URL).Dispatch(context.Background(), &domain.Message{
		Type: domain.MessageText, RecipientID: "5511999999999", Text: "Olá! Como posso ajudar?",
	})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "wamid.reply1", res.ExternalID)
	assert.Equal(t, "whatsapp", got["messaging_product"])
	assert.Equal(t, "5511999999999", got["to"])
	assert.Equal(t, "text", got["type"])
	assert.Equal(t, "Olá! Como posso ajudar?", got["text"].(map[string]any)["body"])
}

func TestWhatsApp_DispatchSurfacesRemoteError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusBadRequest)
		_, _ = rw.Write([]byte(`{"error":{"message":"(#131030) Recipient phone number not in allowed list","type":"OAuthException","code":131030}}`))
	}))
	defer srv.Close()

	res := newTestWhatsApp(srv.URL).Dispatch(context.Background(), &domain.Message{
		Type: domain.MessageText, RecipientID: "5511999999999", Text: "hi",
	})
	assert.False(t, res.Success)
	assert.Equal(t, "(#131030) Recipient phone number not in allowed list", res.Error)
	assert.ErrorIs(t, res.Err(), domain.ErrDeliveryFailed)
}

func TestWhatsApp_Healthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer EAAG-test" {
			rw.WriteHeader(http.StatusUnauthorized)
			_, _ = rw.Write([]byte(`{"error":{"message":"Invalid OAuth access token."}}`))
			return
		}
		_, _ = rw.Write([]byte(`{"id":"106540352242922"}`))
	}))
	defer srv.Close()

	wa := newTestWhatsApp(srv.URL)
	require.NoError(t, wa.Healthy(context.Background()))

	wa.cfg.AccessToken = "expired"
	err := wa.Healthy(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid OAuth access token.")
}
