package store

import (
	"encoding/json"
	"time"
)

// Device is the persisted record of one configured device. Field names match
// the record layout older installations already hold.
type Device struct {
	UUID        string          `json:"uuid"`
	Name        string          `json:"devName"`
	Model       string          `json:"deviceType"`
	Firmware    string          `json:"devSoftWare"`
	Hardware    string          `json:"devHardWare"`
	Host        string          `json:"ip"`
	Port        string          `json:"port"`
	MAC         string          `json:"mac"`
	SubType     string          `json:"subType"`
	Channels    json.RawMessage `json:"channels,omitempty"`
	Protocol    string          `json:"protocol,omitempty"`
	AddedAt     time.Time       `json:"added_at"`
	LastSeen    time.Time       `json:"last_seen"`
	Unsupported bool            `json:"unsupported,omitempty"`
}
