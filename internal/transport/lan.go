package transport

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Legacy protocol namespaces.
const (
	NamespaceSystemAll           = "Appliance.System.All"
	NamespaceSystemAbility       = "Appliance.System.Ability"
	NamespaceControlToggle       = "Appliance.Control.Toggle"
	NamespaceControlToggleX      = "Appliance.Control.ToggleX"
	NamespaceControlElectricity  = "Appliance.Control.Electricity"
	NamespaceControlElectricityX = "Appliance.Control.ElectricityX"
)

const (
	lanFrom       = "/app/refoss-lan/subscribe"
	lanTriggerSrc = "LanAgent"
	lanMaxBody    = 1 << 20
)

type lanHeader struct {
	MessageID      string `json:"messageId"`
	Namespace      string `json:"namespace"`
	Method         string `json:"method"`
	PayloadVersion int    `json:"payloadVersion"`
	From           string `json:"from"`
	Timestamp      int64  `json:"timestamp"`
	Sign           string `json:"sign"`
	TriggerSrc     string `json:"triggerSrc"`
	UUID           string `json:"uuid"`
}

type lanEnvelope struct {
	Header  lanHeader      `json:"header"`
	Payload map[string]any `json:"payload"`
}

// LANClient speaks the legacy namespace/method envelope protocol to one host.
type LANClient struct {
	host   string
	key    string
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewLANClient creates a client for the device at host. key signs every
// request and may be empty.
func NewLANClient(host, key string, logger *slog.Logger) *LANClient {
	return &LANClient{
		host:   host,
		key:    key,
		client: &http.Client{},
		logger: logger.With("component", "lan", "host", host),
		now:    time.Now,
	}
}

// Execute sends one command and returns the full decoded response, with the
// device's answer nested under "payload".
func (c *LANClient) Execute(ctx context.Context, deviceUUID, method, namespace string, payload map[string]any, timeout time.Duration) (map[string]any, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	env := c.envelope(deviceUUID, method, namespace, payload)
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", namespace, err)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	op := method + " " + namespace
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+c.host+"/config", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", op, ErrConnection, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("lan request failed", "op", op, "err", err)
		return nil, classify(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, lanMaxBody))
	if err != nil {
		return nil, classify(op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &ProtocolError{Op: op, Err: fmt.Errorf("http status %d", resp.StatusCode)}
	}

	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &ProtocolError{Op: op, Err: err}
	}
	if hdr, ok := out["header"].(map[string]any); ok {
		if m, _ := hdr["method"].(string); m == "ERROR" {
			return nil, &ProtocolError{Op: op, Err: errors.New(errorDetail(out))}
		}
	}
	if _, ok := out["payload"].(map[string]any); !ok {
		out["payload"] = map[string]any{}
	}
	return out, nil
}

func (c *LANClient) envelope(deviceUUID, method, namespace string, payload map[string]any) lanEnvelope {
	ts := c.now().Unix()
	id := md5Hex(uuid.NewString())
	return lanEnvelope{
		Header: lanHeader{
			MessageID:      id,
			Namespace:      namespace,
			Method:         method,
			PayloadVersion: 1,
			From:           lanFrom,
			Timestamp:      ts,
			Sign:           md5Hex(id + c.key + strconv.FormatInt(ts, 10)),
			TriggerSrc:     lanTriggerSrc,
			UUID:           deviceUUID,
		},
		Payload: payload,
	}
}

func errorDetail(resp map[string]any) string {
	p, _ := resp["payload"].(map[string]any)
	if p == nil {
		return "device returned ERROR"
	}
	if e, ok := p["error"]; ok {
		return fmt.Sprintf("device returned ERROR: %v", e)
	}
	return "device returned ERROR"
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
