package v1

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEnvelope_Validate(t *testing.T) {
	t.Parallel()

	ts := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{name: "ok", env: Envelope{V: Version, Type: TypeHeartbeat, TS: ts}},
		{name: "missing version", env: Envelope{Type: TypeHeartbeat}, wantErr: true},
		{name: "wrong version", env: Envelope{V: "v2", Type: TypeHeartbeat}, wantErr: true},
		{name: "missing type", env: Envelope{V: Version}, wantErr: true},
		{name: "unknown type", env: Envelope{V: Version, Type: "hello"}, wantErr: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.env.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() err=%v wantErr=%v", err, tc.wantErr)
			}
		})
	}
}

func TestNew_MarshalsPayload(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("KST", 9*60*60)
	env, err := New(TypeClosed, "e1", "r1", time.Date(2024, 3, 10, 21, 0, 0, 0, loc), ClosedPayload{Reason: CloseLifetime, ReconnectMS: 5000})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := env.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if env.TS.Location() != time.UTC {
		t.Fatalf("expected UTC timestamp, got %v", env.TS.Location())
	}

	var p ClosedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p.Reason != CloseLifetime || p.ReconnectMS != 5000 {
		t.Fatalf("unexpected payload: %+v", p)
	}
}
