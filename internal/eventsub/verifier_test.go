package eventsub

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "s3cr3t-for-tests"

func signedRequest(t *testing.T, body string) Request {
	t.Helper()
	headers := map[string]string{
		HeaderMessageID:        "msg-1",
		HeaderMessageTimestamp: "2024-01-01T00:00:00Z",
		HeaderSubscriptionType: TypeStreamOnline,
	}
	headers[HeaderMessageSignature] = Sign([]byte(testSecret), headers[HeaderMessageID], headers[HeaderMessageTimestamp], []byte(body))
	return NewRequest(headers, []byte(body))
}

func TestVerifyAcceptsValidSignature(t *testing.T) {
	t.Parallel()

	req := signedRequest(t, `{"subscription":{"type":"stream.online"},"event":{"broadcaster_user_login":"foo"}}`)
	assert.True(t, Verify(req, []byte(testSecret)))
	assert.True(t, NewVerifier(testSecret).Verify(req))
}

func TestVerifyUsesRawBodyBytes(t *testing.T) {
	t.Parallel()

	// Same JSON value, different bytes: whitespace matters.
	req := signedRequest(t, `{"a": 1}`)
	req.RawBody = []byte(`{"a":1}`)
	assert.False(t, Verify(req, []byte(testSecret)))
}

func TestVerifyRejectsTampering(t *testing.T) {
	t.Parallel()

	body := `{"event":{"broadcaster_user_login":"foo"}}`
	tests := []struct {
		name   string
		mutate func(r *Request)
	}{
		{"body byte", func(r *Request) { r.RawBody = []byte(`{"event":{"broadcaster_user_login":"fop"}}`) }},
		{"message id", func(r *Request) { r.Headers[HeaderMessageID] = "msg-2" }},
		{"timestamp", func(r *Request) { r.Headers[HeaderMessageTimestamp] = "2024-01-01T00:00:01Z" }},
		{"signature", func(r *Request) { r.Headers[HeaderMessageSignature] += "0" }},
		{"missing prefix", func(r *Request) { r.Headers[HeaderMessageSignature] = r.Headers[HeaderMessageSignature][len(SignaturePrefix):] }},
		{"swapped id and timestamp", func(r *Request) {
			r.Headers[HeaderMessageID], r.Headers[HeaderMessageTimestamp] = r.Headers[HeaderMessageTimestamp], r.Headers[HeaderMessageID]
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := signedRequest(t, body)
			tt.mutate(&req)
			assert.False(t, Verify(req, []byte(testSecret)))
		})
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	t.Parallel()

	req := signedRequest(t, `{}`)
	assert.False(t, Verify(req, []byte("other")))
	assert.False(t, (*Verifier)(nil).Verify(req))
}

func TestVerifyMissingHeaders(t *testing.T) {
	t.Parallel()

	for _, h := range []string{HeaderMessageID, HeaderMessageTimestamp, HeaderMessageSignature} {
		t.Run(h, func(t *testing.T) {
			t.Parallel()
			req := signedRequest(t, `{}`)
			delete(req.Headers, h)
			assert.False(t, Verify(req, []byte(testSecret)))
			assert.False(t, IsEventSubRequest(req.Headers))
		})
	}
	assert.False(t, Verify(Request{}, []byte(testSecret)))
}

func TestFromHTTPLowercasesHeaders(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	h.Set("Twitch-Eventsub-Message-Id", "id")
	h.Set("Twitch-Eventsub-Message-Timestamp", "ts")
	h.Set("Twitch-Eventsub-Message-Signature", "sig")

	req := FromHTTP(h, []byte(`{"challenge":"x"}`))
	require.True(t, IsEventSubRequest(req.Headers))
	v, ok := req.Header("Twitch-EventSub-Message-Id")
	assert.True(t, ok)
	assert.Equal(t, "id", v)
	require.NotNil(t, req.Body)
	require.NotNil(t, req.Body.Challenge)
	assert.Equal(t, "x", *req.Body.Challenge)
}
