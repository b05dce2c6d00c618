package device

import (
	"encoding/json"
	"slices"
	"testing"
)

func TestParseChannels(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []int
	}{
		{"bare", `[1,2,3]`, []int{1, 2, 3}},
		{"records", `[{"channel":4},{"channel":6}]`, []int{4, 6}},
		{"record missing channel uses index", `[{"channel":9},{"name":"x"}]`, []int{9, 1}},
		{"encoded string", `"[1,2]"`, []int{1, 2}},
		{"numeric strings", `["1"," 2"]`, []int{1, 2}},
		{"record with string channel", `[{"channel":"5"},{"channel":"7"}]`, []int{5, 7}},
		{"null", `null`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseChannels(json.RawMessage(tt.raw), testLogger())
			if err != nil {
				t.Fatal(err)
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("channels = %v, want %v", got, tt.want)
			}
		})
	}
	if _, err := ParseChannels(json.RawMessage(`["a"]`), testLogger()); err == nil {
		t.Error("expected error for non-numeric channel")
	}
}

func TestNormalizeMAC(t *testing.T) {
	if got := NormalizeMAC("AA:bb:CC:dd:EE:ff"); got != "aabbccddeeff" {
		t.Errorf("got %q", got)
	}
}

func TestParseProtocol(t *testing.T) {
	for in, want := range map[string]Protocol{"": ProtocolLAN, "lan": ProtocolLAN, "RPC": ProtocolRPC} {
		got, err := ParseProtocol(in)
		if err != nil || got != want {
			t.Errorf("ParseProtocol(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseProtocol("zigbee"); err == nil {
		t.Error("expected error")
	}
}
