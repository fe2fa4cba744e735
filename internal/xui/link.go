package xui

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// inboundRecord carries the fields of a 3x-ui inbound needed to build a
// client link. streamSettings is a JSON string in most panel versions
// but an object in some forks, hence the RawMessage.
type inboundRecord struct {
	Remark         string          `json:"remark"`
	StreamSettings json.RawMessage `json:"streamSettings"`
}

type streamSettings struct {
	Reality realitySettings `json:"realitySettings"`
}

type realitySettings struct {
	ServerNames []string        `json:"serverNames"`
	ShortIDs    []string        `json:"shortIds"`
	Settings    realityInnerSet `json:"settings"`
}

type realityInnerSet struct {
	PublicKey   string `json:"publicKey"`
	Fingerprint string `json:"fingerprint"`
}

// BuildRealityLink assembles the client-facing vless:// link for a
// Reality inbound from the raw inbound JSON returned by GetInbound.
func BuildRealityLink(inboundJSON, host string, port int, clientUUID, tag string) (string, error) {
	var record inboundRecord
	if err := json.Unmarshal([]byte(inboundJSON), &record); err != nil {
		return "", fmt.Errorf("failed to parse inbound: %w", err)
	}

	stream, err := parseStreamSettings(record.StreamSettings)
	if err != nil {
		return "", err
	}

	pbk := stream.Reality.Settings.PublicKey
	if pbk == "" {
		return "", fmt.Errorf("reality publicKey not found in inbound stream settings")
	}

	fp := stream.Reality.Settings.Fingerprint
	if fp == "" {
		fp = "chrome"
	}

	sni := host
	if len(stream.Reality.ServerNames) > 0 && stream.Reality.ServerNames[0] != "" {
		sni = stream.Reality.ServerNames[0]
	}

	sid := ""
	if len(stream.Reality.ShortIDs) > 0 {
		sid = stream.Reality.ShortIDs[0]
	}

	if tag == "" {
		tag = record.Remark
		if tag == "" {
			tag = "vpn"
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "vless://%s@%s:%d?type=tcp&security=reality&encryption=none", clientUUID, host, port)
	fmt.Fprintf(&sb, "&flow=%s", url.QueryEscape("xtls-rprx-vision"))
	fmt.Fprintf(&sb, "&sni=%s", url.QueryEscape(sni))
	fmt.Fprintf(&sb, "&fp=%s", url.QueryEscape(fp))
	fmt.Fprintf(&sb, "&pbk=%s", url.QueryEscape(pbk))
	if sid != "" {
		fmt.Fprintf(&sb, "&sid=%s", url.QueryEscape(sid))
	}
	fmt.Fprintf(&sb, "&spx=%s#%s", url.QueryEscape("/"), url.QueryEscape(tag))
	return sb.String(), nil
}

// NeedsLinkRefresh is the staleness heuristic for a stored ACTIVE
// value. Every VLESS Reality link carries encryption=none, so any such
// link is re-resolved against the live inbound on read; this heals a
// reinstalled panel whose keys rotated without waiting for a cleanup
// pass. The caller re-persists only when the rebuilt link differs.
func NeedsLinkRefresh(value string) bool {
	if value == "" || !strings.HasPrefix(value, "vless://") {
		return false
	}
	return strings.Contains(value, "encryption=none") || !strings.Contains(value, "encryption=")
}

func parseStreamSettings(raw json.RawMessage) (*streamSettings, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("inbound has no stream settings")
	}
	var stream streamSettings

	// Most panel versions serialize streamSettings as a JSON string.
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if err := json.Unmarshal([]byte(asString), &stream); err != nil {
			return nil, fmt.Errorf("failed to parse stream settings string: %w", err)
		}
		return &stream, nil
	}

	if err := json.Unmarshal(raw, &stream); err != nil {
		return nil, fmt.Errorf("failed to parse stream settings: %w", err)
	}
	return &stream, nil
}
