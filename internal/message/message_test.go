package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	t.Parallel()

	b, err := Encode(SkipWaiting{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"SKIP_WAITING"}`, string(b))

	b, err = Encode(NotificationClick{
		URL:  "/messages?conversation=abc123",
		Data: map[string]any{"type": "new_message", "conversationId": "abc123"},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"NOTIFICATION_CLICK","url":"/messages?conversation=abc123","data":{"type":"new_message","conversationId":"abc123"}}`, string(b))

	b, err = Encode(NotificationClick{URL: "/dashboard"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"NOTIFICATION_CLICK","url":"/dashboard","data":{}}`, string(b))
}

func TestDecode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		want    Message
		wantErr error
	}{
		{
			name: "skip waiting",
			in:   `{"type":"SKIP_WAITING"}`,
			want: SkipWaiting{},
		},
		{
			name: "notification click",
			in:   `{"type":"NOTIFICATION_CLICK","url":"/dashboard","data":{"type":"booking_request"}}`,
			want: NotificationClick{URL: "/dashboard", Data: map[string]any{"type": "booking_request"}},
		},
		{
			name: "notification click without data",
			in:   `{"type":"NOTIFICATION_CLICK","url":"/dashboard"}`,
			want: NotificationClick{URL: "/dashboard", Data: map[string]any{}},
		},
		{
			name:    "notification click without url",
			in:      `{"type":"NOTIFICATION_CLICK"}`,
			wantErr: ErrMalformed,
		},
		{
			name:    "unknown kind",
			in:      `{"type":"CLAIM_CLIENTS"}`,
			wantErr: ErrUnknownKind,
		},
		{
			name:    "missing type",
			in:      `{"url":"/"}`,
			wantErr: ErrMalformed,
		},
		{
			name:    "not json",
			in:      `SKIP_WAITING`,
			wantErr: ErrMalformed,
		},
		{
			name:    "array",
			in:      `["SKIP_WAITING"]`,
			wantErr: ErrMalformed,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Decode([]byte(tt.in))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	in := NotificationClick{URL: "/admin/prospecting?prospect=p1", Data: map[string]any{"type": "hot_prospect", "prospectId": "p1"}}
	b, err := Encode(in)
	require.NoError(t, err)
	out, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Equal(t, KindNotificationClick, out.Kind())
}
