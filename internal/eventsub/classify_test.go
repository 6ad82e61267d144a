package eventsub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	const online = `{"subscription":{"type":"stream.online"},"event":{"broadcaster_user_login":"foo","broadcaster_user_name":"Foo"}}`

	tests := []struct {
		name    string
		headers map[string]string
		body    string
		want    Kind
	}{
		{
			name:    "challenge wins over type",
			headers: map[string]string{HeaderSubscriptionType: "channel.follow"},
			body:    `{"challenge":"abc"}`,
			want:    KindHandshake,
		},
		{
			name:    "challenge wins over retry",
			headers: map[string]string{HeaderSubscriptionType: TypeStreamOnline, HeaderMessageRetry: "3"},
			body:    `{"challenge":"abc"}`,
			want:    KindHandshake,
		},
		{
			name:    "empty challenge falls through to type",
			headers: map[string]string{HeaderSubscriptionType: TypeStreamOnline},
			body:    `{"challenge":"","subscription":{"type":"stream.online"},"event":{"broadcaster_user_login":"foo"}}`,
			want:    KindRecognized,
		},
		{
			name:    "empty challenge with unknown type",
			headers: map[string]string{HeaderSubscriptionType: "channel.follow"},
			body:    `{"challenge":""}`,
			want:    KindUnrecognized,
		},
		{
			name:    "unknown type",
			headers: map[string]string{HeaderSubscriptionType: "channel.follow"},
			body:    online,
			want:    KindUnrecognized,
		},
		{
			name:    "missing type",
			headers: map[string]string{},
			body:    online,
			want:    KindUnrecognized,
		},
		{
			name:    "unknown type even when retried",
			headers: map[string]string{HeaderSubscriptionType: "channel.follow", HeaderMessageRetry: "1"},
			body:    online,
			want:    KindUnrecognized,
		},
		{
			name:    "malformed body",
			headers: map[string]string{HeaderSubscriptionType: TypeStreamOnline},
			body:    `{not json`,
			want:    KindUnrecognized,
		},
		{
			name:    "retry",
			headers: map[string]string{HeaderSubscriptionType: TypeStreamOnline, HeaderMessageRetry: "2"},
			body:    online,
			want:    KindRetry,
		},
		{
			name:    "retry zero",
			headers: map[string]string{HeaderSubscriptionType: TypeStreamOnline, HeaderMessageRetry: "0"},
			body:    online,
			want:    KindRecognized,
		},
		{
			name:    "retry non-numeric",
			headers: map[string]string{HeaderSubscriptionType: TypeStreamOnline, HeaderMessageRetry: "soon"},
			body:    online,
			want:    KindRecognized,
		},
		{
			name:    "retry absent",
			headers: map[string]string{HeaderSubscriptionType: TypeStreamOnline},
			body:    online,
			want:    KindRecognized,
		},
	}

	var c Classifier
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := c.Classify(NewRequest(tt.headers, []byte(tt.body)))
			assert.Equal(t, tt.want, got.Kind, got.Kind.String())
		})
	}
}

func TestClassifyHandshakeKeepsChallengeVerbatim(t *testing.T) {
	t.Parallel()

	got := NewClassifier().Classify(NewRequest(nil, []byte(`{"challenge":"pogchamp-kappa-360noscope-vohiyo"}`)))
	require.Equal(t, KindHandshake, got.Kind)
	assert.Equal(t, "pogchamp-kappa-360noscope-vohiyo", got.Challenge)
}

func TestClassifyRecognizedCarriesPayload(t *testing.T) {
	t.Parallel()

	req := NewRequest(
		map[string]string{HeaderSubscriptionType: TypeStreamOnline},
		[]byte(`{"event":{"broadcaster_user_name":"FooBar"}}`),
	)
	got := NewClassifier(TypeStreamOnline).Classify(req)
	require.Equal(t, KindRecognized, got.Kind)
	assert.Equal(t, TypeStreamOnline, got.EventType)
	require.NotNil(t, got.Payload)
	assert.Equal(t, "foobar", got.Payload.Event.Channel())
}

func TestClassifierCustomTypes(t *testing.T) {
	t.Parallel()

	c := NewClassifier("stream.offline", " ")
	req := NewRequest(map[string]string{HeaderSubscriptionType: TypeStreamOnline}, []byte(`{}`))
	assert.Equal(t, KindUnrecognized, c.Classify(req).Kind)

	req = NewRequest(map[string]string{HeaderSubscriptionType: "stream.offline"}, []byte(`{}`))
	assert.Equal(t, KindRecognized, c.Classify(req).Kind)
}
