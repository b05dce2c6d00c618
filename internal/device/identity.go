package device

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// Protocol selects which builder path a persisted device takes.
type Protocol string

const (
	ProtocolLAN Protocol = "lan"
	ProtocolRPC Protocol = "rpc"
)

// ParseProtocol maps a stored discriminant onto a Protocol. Empty means LAN.
func ParseProtocol(s string) (Protocol, error) {
	switch Protocol(strings.ToLower(s)) {
	case "", ProtocolLAN:
		return ProtocolLAN, nil
	case ProtocolRPC:
		return ProtocolRPC, nil
	}
	return "", fmt.Errorf("unknown protocol %q", s)
}

// Identity is the fixed description of a device. Channels is the only field
// that changes after construction, once, when an RPC builder discovers them.
type Identity struct {
	UUID     string
	Name     string
	Model    string
	Firmware string
	Hardware string
	Host     string
	Port     string
	MAC      string
	SubType  string
	Protocol Protocol
	Channels []int
}

func (id Identity) clone() Identity {
	id.Channels = append([]int(nil), id.Channels...)
	return id
}

// NormalizeMAC strips separators and lowercases a MAC address.
func NormalizeMAC(mac string) string {
	r := strings.NewReplacer(":", "", "-", "", ".", "")
	return strings.ToLower(r.Replace(mac))
}

// ParseChannels decodes a stored channel list. Both bare indices ([1,2]) and
// records ([{"channel":1,...}]) are accepted; a record without a channel key
// takes its position in the list.
func ParseChannels(raw json.RawMessage, logger *slog.Logger) ([]int, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	// Channels may be stored as a JSON-encoded string.
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err == nil {
		raw = json.RawMessage(encoded)
	}

	var items []any
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("parse channels: %w", err)
	}
	return channelsFromList(items, logger)
}

func channelsFromList(items []any, logger *slog.Logger) ([]int, error) {
	out := make([]int, 0, len(items))
	for i, item := range items {
		if rec, ok := item.(map[string]any); ok {
			ch, ok := toInt(rec["channel"])
			if !ok {
				if logger != nil {
					logger.Debug("channel record missing channel key, using index", "index", i, "record", rec)
				}
				ch = i
			}
			out = append(out, ch)
			continue
		}
		ch, ok := toInt(item)
		if !ok {
			return nil, fmt.Errorf("parse channels: invalid entry %v at %d", item, i)
		}
		out = append(out, ch)
	}
	return out, nil
}

// toInt converts a decoded JSON number, or a string holding one, to int.
func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		return i, err == nil
	}
	return 0, false
}
